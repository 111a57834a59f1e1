package domain

// Outcome is what a processor did with a job that did not fail.
type Outcome int

const (
	OutcomeSkipped   Outcome = iota // monitor no longer exists
	OutcomeRecorded                 // uptime check written
	OutcomeBaseline                 // first content fingerprint written
	OutcomeChanged                  // new fingerprint differs from the last one
	OutcomeUnchanged                // fingerprint equal, nothing written
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRecorded:
		return "recorded"
	case OutcomeBaseline:
		return "baseline"
	case OutcomeChanged:
		return "changed"
	case OutcomeUnchanged:
		return "unchanged"
	}
	return "unknown"
}
