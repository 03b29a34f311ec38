package entity

import "time"

// BudgetRequest is one department's annual drug-procurement budget plan.
type BudgetRequest struct {
	ID             string `json:"id" gorm:"primaryKey;size:32"`
	Code           string `json:"code" gorm:"size:32;uniqueIndex;not null"` // BR-{fiscalYear}-{4-digit seq}
	FiscalYear     int    `json:"fiscal_year" gorm:"not null;index"`
	DepartmentID   string `json:"department_id" gorm:"size:32;not null;index"`
	DepartmentName string `json:"department_name" gorm:"size:200"`
	Status         string `json:"status" gorm:"size:20;default:draft;index"`

	// Transition audit trail, one pair per stage.
	SubmittedBy       *string    `json:"submitted_by" gorm:"size:32"`
	SubmittedAt       *time.Time `json:"submitted_at"`
	DeptApprovedBy    *string    `json:"dept_approved_by" gorm:"size:32"`
	DeptApprovedAt    *time.Time `json:"dept_approved_at"`
	FinanceApprovedBy *string    `json:"finance_approved_by" gorm:"size:32"`
	FinanceApprovedAt *time.Time `json:"finance_approved_at"`
	RejectedBy        *string    `json:"rejected_by" gorm:"size:32"`
	RejectedAt        *time.Time `json:"rejected_at"`
	RejectReason      *string    `json:"reject_reason" gorm:"type:text"`

	Notes     string    `json:"notes" gorm:"type:text"`
	CreatedBy string    `json:"created_by" gorm:"size:32"`
	UpdatedBy string    `json:"updated_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []BudgetRequestItem `json:"items,omitempty" gorm:"foreignKey:RequestID;constraint:OnDelete:CASCADE"`
}

func (BudgetRequest) TableName() string {
	return "budget_requests"
}

// Request statuses
const (
	StatusDraft           = "draft"
	StatusSubmitted       = "submitted"
	StatusDeptApproved    = "dept_approved"
	StatusFinanceApproved = "finance_approved"
	StatusRejected        = "rejected"
)

// HistoryMap maps a fiscal-year label ("2566") to the quantity consumed
// that year. Open-ended: however many years the drug master has.
type HistoryMap map[string]float64

// BudgetRequestItem is one drug line of a budget request. Drug display
// fields are copied from the drug master at initialization time.
type BudgetRequestItem struct {
	ID        string `json:"id" gorm:"primaryKey;size:32"`
	RequestID string `json:"request_id" gorm:"size:32;not null;uniqueIndex:uq_item_request_drug"`

	DrugID   string `json:"drug_id" gorm:"size:32;not null;uniqueIndex:uq_item_request_drug"`
	DrugCode string `json:"drug_code" gorm:"size:50;not null"`
	DrugName string `json:"drug_name" gorm:"size:200"`
	PackSize string `json:"pack_size" gorm:"size:100"`
	Unit     string `json:"unit" gorm:"size:20"`

	HistoricalUsage   HistoryMap `json:"historical_usage" gorm:"serializer:json;type:jsonb"`
	AvgUsage          float64    `json:"avg_usage" gorm:"type:decimal(14,2)"`
	EstimatedUsage    float64    `json:"estimated_usage" gorm:"type:decimal(14,2)"`
	CurrentStock      float64    `json:"current_stock" gorm:"type:decimal(14,2)"`
	EstimatedPurchase float64    `json:"estimated_purchase" gorm:"type:decimal(14,2)"`

	UnitPrice       float64 `json:"unit_price" gorm:"type:decimal(12,4)"`
	RequestedQty    float64 `json:"requested_qty" gorm:"type:decimal(14,2)"`
	RequestedAmount float64 `json:"requested_amount" gorm:"type:decimal(15,2)"`

	// Funding-source split of RequestedQty.
	BudgetQty float64 `json:"budget_qty" gorm:"type:decimal(14,2)"`
	FundQty   float64 `json:"fund_qty" gorm:"type:decimal(14,2)"`

	// Quarterly split of RequestedQty.
	Q1Qty float64 `json:"q1_qty" gorm:"type:decimal(14,2)"`
	Q2Qty float64 `json:"q2_qty" gorm:"type:decimal(14,2)"`
	Q3Qty float64 `json:"q3_qty" gorm:"type:decimal(14,2)"`
	Q4Qty float64 `json:"q4_qty" gorm:"type:decimal(14,2)"`

	SortOrder int       `json:"sort_order" gorm:"default:0"`
	Notes     string    `json:"notes" gorm:"type:text"`
	CreatedBy string    `json:"created_by" gorm:"size:32"`
	UpdatedBy string    `json:"updated_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (BudgetRequestItem) TableName() string {
	return "budget_request_items"
}
