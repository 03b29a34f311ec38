package entity

import "time"

// BudgetAllocation is the downstream record created exactly once when a
// request reaches finance_approved. Procurement execution consumes it.
type BudgetAllocation struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	RequestID    string    `json:"request_id" gorm:"size:32;uniqueIndex;not null"`
	FiscalYear   int       `json:"fiscal_year" gorm:"not null;index"`
	DepartmentID string    `json:"department_id" gorm:"size:32;not null"`
	TotalAmount  float64   `json:"total_amount" gorm:"type:decimal(15,2)"`
	BudgetAmount float64   `json:"budget_amount" gorm:"type:decimal(15,2)"`
	FundAmount   float64   `json:"fund_amount" gorm:"type:decimal(15,2)"`
	ItemCount    int       `json:"item_count"`
	Status       string    `json:"status" gorm:"size:20;default:active"`
	CreatedBy    string    `json:"created_by" gorm:"size:32"`
	CreatedAt    time.Time `json:"created_at"`
}

func (BudgetAllocation) TableName() string {
	return "budget_allocations"
}
