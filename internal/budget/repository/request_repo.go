package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

// RequestRepository persists budget requests.
type RequestRepository struct {
	db *gorm.DB
}

func NewRequestRepository(db *gorm.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// WithTx returns a copy bound to the given transaction.
func (r *RequestRepository) WithTx(tx *gorm.DB) *RequestRepository {
	return &RequestRepository{db: tx}
}

func (r *RequestRepository) DB() *gorm.DB {
	return r.db
}

// FindAll lists budget requests with pagination and filters.
func (r *RequestRepository) FindAll(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.BudgetRequest, int64, error) {
	var requests []entity.BudgetRequest
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.BudgetRequest{})

	if year := filters["fiscal_year"]; year != "" {
		query = query.Where("fiscal_year = ?", year)
	}
	if dept := filters["department_id"]; dept != "" {
		query = query.Where("department_id = ?", dept)
	}
	if status := filters["status"]; status != "" {
		query = query.Where("status = ?", status)
	}
	if search := filters["search"]; search != "" {
		query = query.Where("code ILIKE ? OR department_name ILIKE ?", "%"+search+"%", "%"+search+"%")
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&requests).Error

	return requests, total, err
}

// FindByID loads a request without its items.
func (r *RequestRepository) FindByID(ctx context.Context, id string) (*entity.BudgetRequest, error) {
	var req entity.BudgetRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// FindByIDWithItems loads a request with its items ordered by sort_order.
func (r *RequestRepository) FindByIDWithItems(ctx context.Context, id string) (*entity.BudgetRequest, error) {
	var req entity.BudgetRequest
	err := r.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("sort_order ASC, drug_code ASC")
		}).
		Where("id = ?", id).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

// FindByIDForUpdate loads a request under a row lock. Use inside a
// transaction so the editability check and the write see one snapshot.
func (r *RequestRepository) FindByIDForUpdate(ctx context.Context, id string) (*entity.BudgetRequest, error) {
	var req entity.BudgetRequest
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &req, nil
}

func (r *RequestRepository) Create(ctx context.Context, req *entity.BudgetRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *RequestRepository) Update(ctx context.Context, req *entity.BudgetRequest) error {
	return r.db.WithContext(ctx).Save(req).Error
}

func (r *RequestRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Delete(&entity.BudgetRequest{}, "id = ?", id).Error
}

// GenerateCode produces the next request code BR-{fiscalYear}-{4-digit seq}.
func (r *RequestRepository) GenerateCode(ctx context.Context, fiscalYear int) (string, error) {
	prefix := fmt.Sprintf("BR-%d-", fiscalYear)

	var maxCode string
	err := r.db.WithContext(ctx).
		Model(&entity.BudgetRequest{}).
		Select("COALESCE(MAX(code), '')").
		Where("code LIKE ?", prefix+"%").
		Scan(&maxCode).Error
	if err != nil {
		return "", err
	}

	var seq int
	if maxCode != "" {
		fmt.Sscanf(maxCode, prefix+"%04d", &seq)
	}
	seq++
	return fmt.Sprintf("%s%04d", prefix, seq), nil
}
