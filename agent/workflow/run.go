package workflow

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeFail Outcome = "fail"
)

// Refund pipeline step names, in execution order.
const (
	StepValidateOrder    = "validate-order-exists"
	StepCheckEligibility = "check-refund-eligibility"
	StepProcessRefund    = "process-refund"
)

// Failure reason codes recorded in the step log.
const (
	ReasonOrderNotFound       = "order_not_found"
	ReasonStatusNotRefundable = "order_status_not_refundable"
	ReasonAlreadyRefunded     = "already_refunded"
	ReasonRefundWindowExpired = "refund_window_expired"
	ReasonPreconditionNotMet  = "precondition_not_met"
	ReasonCancelled           = "cancelled"
	ReasonInternalError       = "internal_error"
)

// StepRecord is one append-only audit entry. Only fully completed step
// attempts are recorded; a cancelled run never logs a partial pass.
type StepRecord struct {
	Step    string    `json:"step"`
	Outcome Outcome   `json:"outcome"`
	Reason  string    `json:"reason,omitempty"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Run is one execution instance of the refund pipeline.
type Run struct {
	ID         string       `json:"id"`
	OrderID    string       `json:"order_id"`
	Status     Status       `json:"status"`
	StepIndex  int          `json:"step_index"`
	Log        []StepRecord `json:"log"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitempty"`
}

// PassedSteps returns the names of steps that passed, in log order.
func (r *Run) PassedSteps() []string {
	if r == nil {
		return nil
	}
	var out []string
	for _, rec := range r.Log {
		if rec.Outcome == OutcomePass {
			out = append(out, rec.Step)
		}
	}
	return out
}

// FailedStep returns the name and reason of the failing step, if any.
func (r *Run) FailedStep() (string, string, bool) {
	if r == nil {
		return "", "", false
	}
	for _, rec := range r.Log {
		if rec.Outcome == OutcomeFail {
			return rec.Step, rec.Reason, true
		}
	}
	return "", "", false
}

func (r *Run) appendRecord(rec StepRecord) {
	r.Log = append(r.Log, rec)
}
