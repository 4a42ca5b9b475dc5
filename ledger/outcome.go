package ledger

import "fmt"

/* OutcomeKind represents how a single delivery attempt ended
 * Success means the destination answered, whatever the status class
 */
type OutcomeKind int

const (
	Success OutcomeKind = iota + 1
	Failed
	Expired
	Skipped
)

// Skip reasons recorded by the dispatcher
const (
	ReasonNoMatchingRule = "no matching rule"
	ReasonDuplicate      = "duplicate"
)

// String returns the string representation of the outcome kind
func (k OutcomeKind) String() string {
	switch k {
	case Success:
		return "success"
	case Failed:
		return "failed"
	case Expired:
		return "expired"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// NewOutcomeKind creates an OutcomeKind from a string
func NewOutcomeKind(s string) OutcomeKind {
	switch s {
	case "success":
		return Success
	case "failed":
		return Failed
	case "expired":
		return Expired
	case "skipped":
		return Skipped
	default:
		return 0
	}
}

// Validate checks if the outcome kind is valid
func (k OutcomeKind) Validate() error {
	if k < Success || k > Skipped {
		return fmt.Errorf("invalid outcome: %d", k)
	}
	return nil
}

// Outcome is the result of one attempt
type Outcome struct {
	Kind   OutcomeKind
	Status int    // HTTP status when the destination answered
	Reason string // Failed and Skipped carry a reason
}

// Succeeded is the outcome of an attempt the destination answered
func Succeeded(status int) Outcome {
	return Outcome{Kind: Success, Status: status}
}

// Failure is the outcome of an attempt that errored or got a retryable status
func Failure(reason string, status int) Outcome {
	return Outcome{Kind: Failed, Status: status, Reason: reason}
}

// ExpiredOutcome is the outcome of an event that was too old to deliver
func ExpiredOutcome() Outcome {
	return Outcome{Kind: Expired, Reason: "event older than expiration window"}
}

// Skip is the outcome of an event that was not dispatched
func Skip(reason string) Outcome {
	return Outcome{Kind: Skipped, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Kind {
	case Success:
		return fmt.Sprintf("success(%d)", o.Status)
	case Failed, Skipped:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Reason)
	default:
		return o.Kind.String()
	}
}
