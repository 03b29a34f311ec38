package entity

import "fmt"

// transitions lists the legal status moves of a budget request.
// finance_approved is terminal: a new request must be created instead.
var transitions = map[string][]string{
	StatusDraft:        {StatusSubmitted},
	StatusSubmitted:    {StatusDeptApproved, StatusRejected, StatusDraft},
	StatusDeptApproved: {StatusFinanceApproved, StatusRejected, StatusDraft},
	StatusRejected:     {StatusDraft},
}

// CanTransition reports whether from → to is a legal status move.
func CanTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsEditable reports whether request-level fields and child items may be
// mutated. Only draft requests are editable.
func IsEditable(status string) bool {
	return status == StatusDraft
}

// ReopenNeedsAuthorization reports whether reopening from the given status
// requires an authorization decision by the caller. Reopen from rejected is
// unconditional; pulling back a submitted or dept-approved request is not.
func ReopenNeedsAuthorization(status string) bool {
	return status == StatusSubmitted || status == StatusDeptApproved
}

// ErrIllegalTransition describes a rejected status move.
type ErrIllegalTransition struct {
	From string
	To   string
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}
