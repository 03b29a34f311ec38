package service

import (
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/repository"
)

// Expected business failures. Handlers map these onto response codes;
// anything else is a storage failure and surfaces unchanged.
var (
	ErrRequestNotFound    = errors.New("budget request not found")
	ErrItemNotFound       = errors.New("budget item not found")
	ErrNotEditable        = errors.New("budget request is not editable in its current status")
	ErrAlreadyInitialized = errors.New("budget request already has items, use update or import instead")
	ErrDrugNotFound       = errors.New("drug code not found in drug master")
	ErrDuplicateDrug      = errors.New("drug already has a line item in this request")
	ErrBatchTooLarge      = errors.New("batch exceeds the maximum number of item deltas")
	ErrReopenNotAllowed   = errors.New("reopen requires authorization for this status")
	ErrNoItems            = errors.New("budget request has no line items")
)

// InvariantError carries the calc violations that rejected a single-item
// operation.
type InvariantError struct {
	Violations []calc.Violation
}

func (e *InvariantError) Error() string {
	if len(e.Violations) == 0 {
		return "item violates budget invariants"
	}
	return "item violates budget invariants: " + e.Violations[0].Message
}

// Services is the budget context's service set.
type Services struct {
	Budget *BudgetRequestService
	Import *ImportService
	Export *ExportService
}

// NewServices wires the service set. params carries the per-deployment
// planning constants (growth factor, split tolerance).
func NewServices(db *gorm.DB, repos *repository.Repositories, params calc.Params, logger *zap.Logger) *Services {
	budget := NewBudgetRequestService(db, repos, params, logger)
	return &Services{
		Budget: budget,
		Import: NewImportService(db, repos, params, logger),
		Export: NewExportService(repos),
	}
}
