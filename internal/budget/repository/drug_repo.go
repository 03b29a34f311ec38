package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

const drugCacheTTL = 10 * time.Minute

// DrugRepository reads the drug master. Lookups by code go through a Redis
// read-through cache because bulk imports resolve the same codes repeatedly.
type DrugRepository struct {
	db  *gorm.DB
	rdb *redis.Client
}

func NewDrugRepository(db *gorm.DB, rdb *redis.Client) *DrugRepository {
	return &DrugRepository{db: db, rdb: rdb}
}

// FindByCode resolves a drug code. Returns ErrNotFound for unknown or
// inactive codes.
func (r *DrugRepository) FindByCode(ctx context.Context, code string) (*entity.Drug, error) {
	if r.rdb != nil {
		if cached, err := r.rdb.Get(ctx, drugCacheKey(code)).Result(); err == nil {
			var drug entity.Drug
			if json.Unmarshal([]byte(cached), &drug) == nil {
				return &drug, nil
			}
		}
	}

	var drug entity.Drug
	err := r.db.WithContext(ctx).
		Where("code = ? AND status = ?", code, entity.DrugStatusActive).
		First(&drug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if r.rdb != nil {
		if payload, err := json.Marshal(&drug); err == nil {
			r.rdb.Set(ctx, drugCacheKey(code), payload, drugCacheTTL)
		}
	}

	return &drug, nil
}

func (r *DrugRepository) FindByID(ctx context.Context, id string) (*entity.Drug, error) {
	var drug entity.Drug
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&drug).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &drug, nil
}

// ListActive returns every active drug ordered by code. Bulk initialization
// walks this list.
func (r *DrugRepository) ListActive(ctx context.Context) ([]entity.Drug, error) {
	var drugs []entity.Drug
	err := r.db.WithContext(ctx).
		Where("status = ?", entity.DrugStatusActive).
		Order("code ASC").
		Find(&drugs).Error
	return drugs, err
}

// Search lists drugs matching a code or name fragment.
func (r *DrugRepository) Search(ctx context.Context, query string, limit int) ([]entity.Drug, error) {
	var drugs []entity.Drug
	q := r.db.WithContext(ctx).Where("status = ?", entity.DrugStatusActive)
	if query != "" {
		q = q.Where("code ILIKE ? OR name ILIKE ?", "%"+query+"%", "%"+query+"%")
	}
	err := q.Order("code ASC").Limit(limit).Find(&drugs).Error
	return drugs, err
}

// UsageHistory returns a drug's recorded consumption per fiscal year.
func (r *DrugRepository) UsageHistory(ctx context.Context, drugID string) (entity.HistoryMap, error) {
	var rows []entity.DrugYearUsage
	err := r.db.WithContext(ctx).
		Where("drug_id = ?", drugID).
		Order("fiscal_year ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	history := make(entity.HistoryMap, len(rows))
	for _, row := range rows {
		history[row.FiscalYear] = row.Quantity
	}
	return history, nil
}

// UsageHistoryAll loads usage rows for every drug in one query, keyed by
// drug ID. Bulk initialization avoids a per-drug round trip this way.
func (r *DrugRepository) UsageHistoryAll(ctx context.Context) (map[string]entity.HistoryMap, error) {
	var rows []entity.DrugYearUsage
	err := r.db.WithContext(ctx).Order("drug_id ASC, fiscal_year ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]entity.HistoryMap)
	for _, row := range rows {
		if out[row.DrugID] == nil {
			out[row.DrugID] = make(entity.HistoryMap)
		}
		out[row.DrugID][row.FiscalYear] = row.Quantity
	}
	return out, nil
}

func drugCacheKey(code string) string {
	return "drugbudget:drug:" + code
}
