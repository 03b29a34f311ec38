package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

// AllocationRepository persists the downstream allocation records created
// on final approval.
type AllocationRepository struct {
	db *gorm.DB
}

func NewAllocationRepository(db *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *AllocationRepository) WithTx(tx *gorm.DB) *AllocationRepository {
	return &AllocationRepository{db: tx}
}

// FindByRequestID returns the allocation for a request, or ErrNotFound.
// The unique index on request_id is the once-per-request guard.
func (r *AllocationRepository) FindByRequestID(ctx context.Context, requestID string) (*entity.BudgetAllocation, error) {
	var alloc entity.BudgetAllocation
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&alloc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &alloc, nil
}

func (r *AllocationRepository) Create(ctx context.Context, alloc *entity.BudgetAllocation) error {
	return r.db.WithContext(ctx).Create(alloc).Error
}
