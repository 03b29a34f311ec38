package entity

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusDraft, StatusSubmitted, true},
		{StatusSubmitted, StatusDeptApproved, true},
		{StatusSubmitted, StatusRejected, true},
		{StatusSubmitted, StatusDraft, true},
		{StatusDeptApproved, StatusFinanceApproved, true},
		{StatusDeptApproved, StatusRejected, true},
		{StatusDeptApproved, StatusDraft, true},
		{StatusRejected, StatusDraft, true},

		{StatusDraft, StatusDeptApproved, false},
		{StatusDraft, StatusFinanceApproved, false},
		{StatusDraft, StatusRejected, false},
		{StatusRejected, StatusSubmitted, false},
		{StatusFinanceApproved, StatusDraft, false},
		{StatusFinanceApproved, StatusSubmitted, false},
		{StatusFinanceApproved, StatusRejected, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestIsEditable(t *testing.T) {
	if !IsEditable(StatusDraft) {
		t.Error("draft must be editable")
	}
	for _, status := range []string{StatusSubmitted, StatusDeptApproved, StatusFinanceApproved, StatusRejected} {
		if IsEditable(status) {
			t.Errorf("%s must not be editable", status)
		}
	}
}

func TestReopenNeedsAuthorization(t *testing.T) {
	if ReopenNeedsAuthorization(StatusRejected) {
		t.Error("reopen from rejected is unconditional")
	}
	if !ReopenNeedsAuthorization(StatusSubmitted) {
		t.Error("reopen from submitted needs authorization")
	}
	if !ReopenNeedsAuthorization(StatusDeptApproved) {
		t.Error("reopen from dept_approved needs authorization")
	}
}
