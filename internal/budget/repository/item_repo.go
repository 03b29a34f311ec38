package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

// ItemRepository persists budget request line items.
type ItemRepository struct {
	db *gorm.DB
}

func NewItemRepository(db *gorm.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *ItemRepository) WithTx(tx *gorm.DB) *ItemRepository {
	return &ItemRepository{db: tx}
}

// ListByRequest returns a request's items ordered by sort_order.
func (r *ItemRepository) ListByRequest(ctx context.Context, requestID string) ([]entity.BudgetRequestItem, error) {
	var items []entity.BudgetRequestItem
	err := r.db.WithContext(ctx).
		Where("request_id = ?", requestID).
		Order("sort_order ASC, drug_code ASC").
		Find(&items).Error
	return items, err
}

func (r *ItemRepository) FindByID(ctx context.Context, id string) (*entity.BudgetRequestItem, error) {
	var item entity.BudgetRequestItem
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

// FindByRequestAndDrug is the duplicate-line lookup: one drug may appear at
// most once per request.
func (r *ItemRepository) FindByRequestAndDrug(ctx context.Context, requestID, drugID string) (*entity.BudgetRequestItem, error) {
	var item entity.BudgetRequestItem
	err := r.db.WithContext(ctx).
		Where("request_id = ? AND drug_id = ?", requestID, drugID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (r *ItemRepository) Create(ctx context.Context, item *entity.BudgetRequestItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

func (r *ItemRepository) BatchCreate(ctx context.Context, items []entity.BudgetRequestItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(items, 500).Error
}

func (r *ItemRepository) Update(ctx context.Context, item *entity.BudgetRequestItem) error {
	return r.db.WithContext(ctx).Save(item).Error
}

func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&entity.BudgetRequestItem{}, "id = ?", id).Error
}

// DeleteByRequest removes every item of a request (replace-all import).
func (r *ItemRepository) DeleteByRequest(ctx context.Context, requestID string) error {
	return r.db.WithContext(ctx).
		Delete(&entity.BudgetRequestItem{}, "request_id = ?", requestID).Error
}

func (r *ItemRepository) CountByRequest(ctx context.Context, requestID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.BudgetRequestItem{}).
		Where("request_id = ?", requestID).
		Count(&count).Error
	return count, err
}
