package probe

import (
	"context"
	"fmt"
	"time"
)

// Response is a completed HTTP exchange.
//
// Fields:
//   - StatusCode: final status after redirects.
//   - Body: raw response bytes, unmodified.
//   - Elapsed: wall clock from request start until the body was fully read.
type Response struct {
	StatusCode int
	Status     string
	Body       []byte
	Elapsed    time.Duration
}

// Success is the HTTP layer's success predicate: any non-error status.
func (r *Response) Success() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// ElapsedMS is Elapsed in whole milliseconds, never negative.
func (r *Response) ElapsedMS() int {
	ms := r.Elapsed.Milliseconds()
	if ms < 0 {
		return 0
	}
	return int(ms)
}

// Kind separates the failure families a fetch can end in.
type Kind int

const (
	KindUnexpected Kind = iota
	KindTimeout
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindTransport:
		return "transport"
	}
	return "unexpected"
}

// Error is returned by Fetch when no usable response was obtained.
type Error struct {
	Kind Kind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("probe %s %s: %v", e.Kind, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fetcher performs a single bounded GET for a target URL.
type Fetcher interface {
	Fetch(ctx context.Context, target string) (*Response, error)
}
