package entity

import "time"

// Drug is a drug-master record. Budget items cache its display fields at
// initialization time instead of joining live.
type Drug struct {
	ID           string    `json:"id" gorm:"primaryKey;size:32"`
	Code         string    `json:"code" gorm:"size:50;uniqueIndex;not null"`
	Name         string    `json:"name" gorm:"size:200;not null"`
	GenericName  string    `json:"generic_name" gorm:"size:200"`
	PackSize     string    `json:"pack_size" gorm:"size:100"`
	Unit         string    `json:"unit" gorm:"size:20;default:unit"`
	UnitPrice    float64   `json:"unit_price" gorm:"type:decimal(12,4)"`
	CurrentStock float64   `json:"current_stock" gorm:"type:decimal(14,2)"`
	Status       string    `json:"status" gorm:"size:20;default:active"` // active/inactive
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Drug) TableName() string {
	return "drugs"
}

const (
	DrugStatusActive   = "active"
	DrugStatusInactive = "inactive"
)

// DrugYearUsage is one fiscal year's recorded consumption of a drug,
// supplied by the inventory system.
type DrugYearUsage struct {
	ID         string    `json:"id" gorm:"primaryKey;size:32"`
	DrugID     string    `json:"drug_id" gorm:"size:32;not null;uniqueIndex:uq_usage_drug_year"`
	FiscalYear string    `json:"fiscal_year" gorm:"size:8;not null;uniqueIndex:uq_usage_drug_year"`
	Quantity   float64   `json:"quantity" gorm:"type:decimal(14,2);not null"`
	CreatedAt  time.Time `json:"created_at"`
}

func (DrugYearUsage) TableName() string {
	return "drug_year_usages"
}
