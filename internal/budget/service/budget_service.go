package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/repository"
)

// MaxBatchItems bounds one batch-update call.
const MaxBatchItems = 100

// BudgetRequestService orchestrates the planning engine: every mutation is
// gated on draft status inside the same transaction as the write.
type BudgetRequestService struct {
	db     *gorm.DB
	repos  *repository.Repositories
	params calc.Params
	logger *zap.Logger
}

func NewBudgetRequestService(db *gorm.DB, repos *repository.Repositories, params calc.Params, logger *zap.Logger) *BudgetRequestService {
	return &BudgetRequestService{db: db, repos: repos, params: params, logger: logger}
}

// CreateRequestInput creates a draft request for one department and year.
type CreateRequestInput struct {
	FiscalYear     int    `json:"fiscal_year" binding:"required"`
	DepartmentID   string `json:"department_id" binding:"required"`
	DepartmentName string `json:"department_name"`
	Notes          string `json:"notes"`
}

// ItemInput supplies the caller-editable fields of a new line item. Drug
// display fields always come from the drug master.
type ItemInput struct {
	DrugCode       string   `json:"drug_code" binding:"required"`
	EstimatedUsage *float64 `json:"estimated_usage"`
	CurrentStock   *float64 `json:"current_stock"`
	UnitPrice      *float64 `json:"unit_price"`
	RequestedQty   float64  `json:"requested_qty"`
	BudgetQty      float64  `json:"budget_qty"`
	FundQty        float64  `json:"fund_qty"`
	Q1Qty          float64  `json:"q1_qty"`
	Q2Qty          float64  `json:"q2_qty"`
	Q3Qty          float64  `json:"q3_qty"`
	Q4Qty          float64  `json:"q4_qty"`
	Notes          string   `json:"notes"`
}

// UpdateItemInput is a partial update: nil means "leave unchanged", a
// pointer value means "set", including zero.
type UpdateItemInput struct {
	EstimatedUsage *float64 `json:"estimated_usage"`
	CurrentStock   *float64 `json:"current_stock"`
	UnitPrice      *float64 `json:"unit_price"`
	RequestedQty   *float64 `json:"requested_qty"`
	BudgetQty      *float64 `json:"budget_qty"`
	FundQty        *float64 `json:"fund_qty"`
	Q1Qty          *float64 `json:"q1_qty"`
	Q2Qty          *float64 `json:"q2_qty"`
	Q3Qty          *float64 `json:"q3_qty"`
	Q4Qty          *float64 `json:"q4_qty"`
	Notes          *string  `json:"notes"`
}

// ItemDelta is one entry of a batch update.
type ItemDelta struct {
	ItemID string `json:"item_id" binding:"required"`
	UpdateItemInput
}

// BatchFailure reports one delta that was rejected.
type BatchFailure struct {
	ItemID  string `json:"item_id"`
	Message string `json:"message"`
}

// BatchResult summarizes a batch update.
type BatchResult struct {
	Updated int            `json:"updated"`
	Failed  int            `json:"failed"`
	Errors  []BatchFailure `json:"errors,omitempty"`
}

// CreateRequest creates a new draft budget request.
func (s *BudgetRequestService) CreateRequest(ctx context.Context, input *CreateRequestInput, actor string) (*entity.BudgetRequest, error) {
	code, err := s.repos.Request.GenerateCode(ctx, input.FiscalYear)
	if err != nil {
		return nil, fmt.Errorf("generate request code: %w", err)
	}

	req := &entity.BudgetRequest{
		ID:             uuid.New().String()[:32],
		Code:           code,
		FiscalYear:     input.FiscalYear,
		DepartmentID:   input.DepartmentID,
		DepartmentName: input.DepartmentName,
		Status:         entity.StatusDraft,
		Notes:          input.Notes,
		CreatedBy:      actor,
		UpdatedBy:      actor,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	if err := s.repos.Request.Create(ctx, req); err != nil {
		return nil, fmt.Errorf("create budget request: %w", err)
	}
	return req, nil
}

// GetRequest loads a request with its items.
func (s *BudgetRequestService) GetRequest(ctx context.Context, id string) (*entity.BudgetRequest, error) {
	req, err := s.repos.Request.FindByIDWithItems(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return req, nil
}

// ListRequests lists requests with pagination and filters.
func (s *BudgetRequestService) ListRequests(ctx context.Context, page, pageSize int, filters map[string]string) ([]entity.BudgetRequest, int64, error) {
	return s.repos.Request.FindAll(ctx, page, pageSize, filters)
}

// Summary returns the request's aggregate figures.
func (s *BudgetRequestService) Summary(ctx context.Context, id string) (*RequestTotals, error) {
	if _, err := s.GetRequest(ctx, id); err != nil {
		return nil, err
	}
	items, err := s.repos.Item.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	totals := ComputeTotals(items)
	return &totals, nil
}

// withEditableRequest runs fn inside one transaction with the request row
// locked and verified editable, so a concurrent submit cannot race the
// write. The request is saved after fn mutates it.
func (s *BudgetRequestService) withEditableRequest(ctx context.Context, id, actor string, fn func(tx *gorm.DB, req *entity.BudgetRequest) error) (*entity.BudgetRequest, error) {
	var out *entity.BudgetRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := s.repos.Request.WithTx(tx).FindByIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}
		if !entity.IsEditable(req.Status) {
			return ErrNotEditable
		}

		if err := fn(tx, req); err != nil {
			return err
		}

		req.UpdatedBy = actor
		req.UpdatedAt = time.Now()
		if err := s.repos.Request.WithTx(tx).Update(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// withRequest is the transition variant: locks the row without the
// editability gate.
func (s *BudgetRequestService) withRequest(ctx context.Context, id, actor string, fn func(tx *gorm.DB, req *entity.BudgetRequest) error) (*entity.BudgetRequest, error) {
	var out *entity.BudgetRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := s.repos.Request.WithTx(tx).FindByIDForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrRequestNotFound
			}
			return err
		}

		if err := fn(tx, req); err != nil {
			return err
		}

		req.UpdatedBy = actor
		req.UpdatedAt = time.Now()
		if err := s.repos.Request.WithTx(tx).Update(ctx, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// Initialize populates a draft request with one line per active drug,
// built from drug-master facts. Fails with ErrAlreadyInitialized when the
// request already has items.
func (s *BudgetRequestService) Initialize(ctx context.Context, id, actor string) (int, error) {
	var created int
	_, err := s.withEditableRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		itemRepo := s.repos.Item.WithTx(tx)

		count, err := itemRepo.CountByRequest(ctx, id)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyInitialized
		}

		drugs, err := s.repos.Drug.ListActive(ctx)
		if err != nil {
			return fmt.Errorf("list drugs: %w", err)
		}
		histories, err := s.repos.Drug.UsageHistoryAll(ctx)
		if err != nil {
			return fmt.Errorf("load usage histories: %w", err)
		}

		items := make([]entity.BudgetRequestItem, 0, len(drugs))
		for i, drug := range drugs {
			item := s.params.InitializeItem(calc.DrugFacts{
				DrugID:          drug.ID,
				DrugCode:        drug.Code,
				DrugName:        drug.Name,
				PackSize:        drug.PackSize,
				Unit:            drug.Unit,
				HistoricalUsage: histories[drug.ID],
				CurrentStock:    drug.CurrentStock,
				UnitPrice:       drug.UnitPrice,
			})
			item.ID = uuid.New().String()[:32]
			item.RequestID = id
			item.SortOrder = i + 1
			item.CreatedBy = actor
			item.UpdatedBy = actor
			item.CreatedAt = time.Now()
			item.UpdatedAt = time.Now()
			items = append(items, item)
		}

		if err := itemRepo.BatchCreate(ctx, items); err != nil {
			return fmt.Errorf("create items: %w", err)
		}
		created = len(items)
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("budget request initialized",
		zap.String("request_id", id),
		zap.Int("items", created),
	)
	return created, nil
}

// AddItem adds one line item to a draft request.
func (s *BudgetRequestService) AddItem(ctx context.Context, requestID string, input *ItemInput, actor string) (*entity.BudgetRequestItem, error) {
	drug, err := s.repos.Drug.FindByCode(ctx, input.DrugCode)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDrugNotFound
		}
		return nil, err
	}
	history, err := s.repos.Drug.UsageHistory(ctx, drug.ID)
	if err != nil {
		return nil, fmt.Errorf("load usage history: %w", err)
	}

	var created *entity.BudgetRequestItem
	_, err = s.withEditableRequest(ctx, requestID, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		itemRepo := s.repos.Item.WithTx(tx)

		if _, err := itemRepo.FindByRequestAndDrug(ctx, requestID, drug.ID); err == nil {
			return ErrDuplicateDrug
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		facts := calc.DrugFacts{
			DrugID:          drug.ID,
			DrugCode:        drug.Code,
			DrugName:        drug.Name,
			PackSize:        drug.PackSize,
			Unit:            drug.Unit,
			HistoricalUsage: history,
			EstimatedUsage:  input.EstimatedUsage,
			CurrentStock:    drug.CurrentStock,
			UnitPrice:       drug.UnitPrice,
		}
		if input.CurrentStock != nil {
			facts.CurrentStock = *input.CurrentStock
		}
		if input.UnitPrice != nil {
			facts.UnitPrice = *input.UnitPrice
		}

		item := s.params.InitializeItem(facts)
		item.RequestedQty = input.RequestedQty
		item.BudgetQty = input.BudgetQty
		item.FundQty = input.FundQty
		item.Q1Qty = input.Q1Qty
		item.Q2Qty = input.Q2Qty
		item.Q3Qty = input.Q3Qty
		item.Q4Qty = input.Q4Qty
		item.Notes = input.Notes

		if violations := s.params.RecomputeDerived(&item); len(violations) > 0 {
			return &InvariantError{Violations: violations}
		}

		count, err := itemRepo.CountByRequest(ctx, requestID)
		if err != nil {
			return err
		}

		item.ID = uuid.New().String()[:32]
		item.RequestID = requestID
		item.SortOrder = int(count) + 1
		item.CreatedBy = actor
		item.UpdatedBy = actor
		item.CreatedAt = time.Now()
		item.UpdatedAt = time.Now()

		if err := itemRepo.Create(ctx, &item); err != nil {
			return fmt.Errorf("create item: %w", err)
		}
		created = &item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateItem applies a partial update to one line item.
func (s *BudgetRequestService) UpdateItem(ctx context.Context, requestID, itemID string, input *UpdateItemInput, actor string) (*entity.BudgetRequestItem, error) {
	var updated *entity.BudgetRequestItem
	_, err := s.withEditableRequest(ctx, requestID, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		itemRepo := s.repos.Item.WithTx(tx)

		item, err := itemRepo.FindByID(ctx, itemID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrItemNotFound
			}
			return err
		}
		if item.RequestID != requestID {
			return ErrItemNotFound
		}

		applyItemUpdate(item, input)
		if violations := s.params.RecomputeDerived(item); len(violations) > 0 {
			return &InvariantError{Violations: violations}
		}

		item.UpdatedBy = actor
		item.UpdatedAt = time.Now()
		if err := itemRepo.Update(ctx, item); err != nil {
			return fmt.Errorf("update item: %w", err)
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// BatchUpdateItems applies up to MaxBatchItems partial updates in one
// transaction. A delta that fails validation is reported and skipped; the
// remaining deltas still apply.
func (s *BudgetRequestService) BatchUpdateItems(ctx context.Context, requestID string, deltas []ItemDelta, actor string) (*BatchResult, error) {
	if len(deltas) > MaxBatchItems {
		return nil, ErrBatchTooLarge
	}

	result := &BatchResult{}
	_, err := s.withEditableRequest(ctx, requestID, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		itemRepo := s.repos.Item.WithTx(tx)

		for _, delta := range deltas {
			item, err := itemRepo.FindByID(ctx, delta.ItemID)
			if err != nil || item.RequestID != requestID {
				result.Failed++
				result.Errors = append(result.Errors, BatchFailure{ItemID: delta.ItemID, Message: "item not found"})
				continue
			}

			applyItemUpdate(item, &delta.UpdateItemInput)
			if violations := s.params.RecomputeDerived(item); len(violations) > 0 {
				result.Failed++
				result.Errors = append(result.Errors, BatchFailure{ItemID: delta.ItemID, Message: violations[0].Message})
				continue
			}

			item.UpdatedBy = actor
			item.UpdatedAt = time.Now()
			if err := itemRepo.Update(ctx, item); err != nil {
				return fmt.Errorf("update item %s: %w", delta.ItemID, err)
			}
			result.Updated++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteItem removes one line item from a draft request.
func (s *BudgetRequestService) DeleteItem(ctx context.Context, requestID, itemID string, actor string) error {
	_, err := s.withEditableRequest(ctx, requestID, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		itemRepo := s.repos.Item.WithTx(tx)

		item, err := itemRepo.FindByID(ctx, itemID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrItemNotFound
			}
			return err
		}
		if item.RequestID != requestID {
			return ErrItemNotFound
		}
		return itemRepo.Delete(ctx, itemID)
	})
	return err
}

func applyItemUpdate(item *entity.BudgetRequestItem, input *UpdateItemInput) {
	if input.EstimatedUsage != nil {
		item.EstimatedUsage = *input.EstimatedUsage
	}
	if input.CurrentStock != nil {
		item.CurrentStock = *input.CurrentStock
	}
	if input.UnitPrice != nil {
		item.UnitPrice = *input.UnitPrice
	}
	if input.RequestedQty != nil {
		item.RequestedQty = *input.RequestedQty
	}
	if input.BudgetQty != nil {
		item.BudgetQty = *input.BudgetQty
	}
	if input.FundQty != nil {
		item.FundQty = *input.FundQty
	}
	if input.Q1Qty != nil {
		item.Q1Qty = *input.Q1Qty
	}
	if input.Q2Qty != nil {
		item.Q2Qty = *input.Q2Qty
	}
	if input.Q3Qty != nil {
		item.Q3Qty = *input.Q3Qty
	}
	if input.Q4Qty != nil {
		item.Q4Qty = *input.Q4Qty
	}
	if input.Notes != nil {
		item.Notes = *input.Notes
	}
}

// ---- Lifecycle transitions ----

// Submit moves a draft request into the approval chain. Every item must
// satisfy the invariants before the request leaves draft.
func (s *BudgetRequestService) Submit(ctx context.Context, id, actor string) (*entity.BudgetRequest, error) {
	return s.withRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		if !entity.CanTransition(req.Status, entity.StatusSubmitted) {
			return &entity.ErrIllegalTransition{From: req.Status, To: entity.StatusSubmitted}
		}

		items, err := s.repos.Item.WithTx(tx).ListByRequest(ctx, id)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNoItems
		}
		for i := range items {
			if violations := s.params.ValidateItem(&items[i]); len(violations) > 0 {
				return &InvariantError{Violations: violations}
			}
		}

		now := time.Now()
		req.Status = entity.StatusSubmitted
		req.SubmittedBy = &actor
		req.SubmittedAt = &now
		return nil
	})
}

// ApproveDept is the first approval stage.
func (s *BudgetRequestService) ApproveDept(ctx context.Context, id, actor string) (*entity.BudgetRequest, error) {
	return s.withRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		if req.Status != entity.StatusSubmitted {
			return &entity.ErrIllegalTransition{From: req.Status, To: entity.StatusDeptApproved}
		}
		now := time.Now()
		req.Status = entity.StatusDeptApproved
		req.DeptApprovedBy = &actor
		req.DeptApprovedAt = &now
		return nil
	})
}

// ApproveFinance is the final stage. It locks the request and creates the
// downstream budget allocation exactly once per request.
func (s *BudgetRequestService) ApproveFinance(ctx context.Context, id, actor string) (*entity.BudgetRequest, error) {
	req, err := s.withRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		if req.Status != entity.StatusDeptApproved {
			return &entity.ErrIllegalTransition{From: req.Status, To: entity.StatusFinanceApproved}
		}

		now := time.Now()
		req.Status = entity.StatusFinanceApproved
		req.FinanceApprovedBy = &actor
		req.FinanceApprovedAt = &now

		allocRepo := s.repos.Allocation.WithTx(tx)
		if _, err := allocRepo.FindByRequestID(ctx, id); err == nil {
			return nil // allocation already exists, never fire twice
		} else if !errors.Is(err, repository.ErrNotFound) {
			return err
		}

		items, err := s.repos.Item.WithTx(tx).ListByRequest(ctx, id)
		if err != nil {
			return err
		}
		totals := ComputeTotals(items)

		alloc := &entity.BudgetAllocation{
			ID:           uuid.New().String()[:32],
			RequestID:    id,
			FiscalYear:   req.FiscalYear,
			DepartmentID: req.DepartmentID,
			TotalAmount:  totals.RequestedAmount,
			BudgetAmount: totals.BudgetAmount,
			FundAmount:   totals.FundAmount,
			ItemCount:    len(items),
			Status:       "active",
			CreatedBy:    actor,
			CreatedAt:    now,
		}
		return allocRepo.Create(ctx, alloc)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("budget request finance-approved",
		zap.String("request_id", id),
		zap.String("actor", actor),
	)
	return req, nil
}

// Reject moves a submitted or dept-approved request into the rejected
// state and records the reason.
func (s *BudgetRequestService) Reject(ctx context.Context, id, actor, reason string) (*entity.BudgetRequest, error) {
	return s.withRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		if !entity.CanTransition(req.Status, entity.StatusRejected) {
			return &entity.ErrIllegalTransition{From: req.Status, To: entity.StatusRejected}
		}
		now := time.Now()
		req.Status = entity.StatusRejected
		req.RejectedBy = &actor
		req.RejectedAt = &now
		req.RejectReason = &reason
		return nil
	})
}

// Reopen returns a request to draft. From rejected this is unconditional;
// pulling back a submitted or dept-approved request requires the caller to
// have resolved authorization first (force).
func (s *BudgetRequestService) Reopen(ctx context.Context, id, actor string, force bool) (*entity.BudgetRequest, error) {
	return s.withRequest(ctx, id, actor, func(tx *gorm.DB, req *entity.BudgetRequest) error {
		if !entity.CanTransition(req.Status, entity.StatusDraft) {
			return &entity.ErrIllegalTransition{From: req.Status, To: entity.StatusDraft}
		}
		if entity.ReopenNeedsAuthorization(req.Status) && !force {
			return ErrReopenNotAllowed
		}
		req.Status = entity.StatusDraft
		return nil
	})
}
