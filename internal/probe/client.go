package probe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 10 << 20
)

var errBodyTooLarge = errors.New("response body exceeds limit")

type Client struct {
	HTTP         *http.Client
	MaxBodyBytes int64
}

func NewClient(timeout time.Duration, maxBody int64) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Client{
		HTTP:         &http.Client{Timeout: timeout},
		MaxBodyBytes: maxBody,
	}
}

func (c *Client) Fetch(ctx context.Context, target string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &Error{Kind: KindUnexpected, URL: target, Err: err}
	}
	req.Header.Set("User-Agent", "uptimewatch/1.0")

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &Error{Kind: classify(err), URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.MaxBodyBytes+1))
	elapsed := time.Since(start)
	if err != nil {
		return nil, &Error{Kind: classify(err), URL: target, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.MaxBodyBytes {
		return nil, &Error{Kind: KindUnexpected, URL: target, Err: errBodyTooLarge}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       body,
		Elapsed:    elapsed,
	}, nil
}

// classify maps a client error onto a failure family. Deadlines win over
// everything else; anything that prevented a response from arriving at the
// network layer is transport.
func classify(err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	var (
		dnsErr  *net.DNSError
		opErr   *net.OpError
		certErr *tls.CertificateVerificationError
		recErr  tls.RecordHeaderError
		authErr x509.UnknownAuthorityError
		hostErr x509.HostnameError
		invErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &dnsErr),
		errors.As(err, &opErr),
		errors.As(err, &certErr),
		errors.As(err, &recErr),
		errors.As(err, &authErr),
		errors.As(err, &hostErr),
		errors.As(err, &invErr):
		return KindTransport
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return KindTransport
	}
	return KindUnexpected
}
