// Package calc holds the pure per-item figures of a budget line: historical
// averages, estimated usage and purchase quantities, derived amounts, and
// the numeric invariants every line must satisfy.
package calc

import (
	"fmt"
	"math"
	"sort"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

const (
	// DefaultGrowthFactor inflates the historical average into next year's
	// estimated usage.
	DefaultGrowthFactor = 1.05

	// DefaultSplitTolerance absorbs floating rounding when checking that the
	// quarterly and funding splits sum back to the requested quantity.
	DefaultSplitTolerance = 0.01
)

// Params is the single override point for the planning constants. Zero
// values fall back to the defaults, so Params{} behaves like DefaultParams().
type Params struct {
	GrowthFactor   float64
	SplitTolerance float64
}

func DefaultParams() Params {
	return Params{GrowthFactor: DefaultGrowthFactor, SplitTolerance: DefaultSplitTolerance}
}

func (p Params) growth() float64 {
	if p.GrowthFactor > 0 {
		return p.GrowthFactor
	}
	return DefaultGrowthFactor
}

func (p Params) tolerance() float64 {
	if p.SplitTolerance > 0 {
		return p.SplitTolerance
	}
	return DefaultSplitTolerance
}

// Violation is an expected business-rule failure on one field. It is a
// value, not an error: bulk callers collect them per row.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// DrugFacts are the externally supplied figures a new line item is built
// from: drug-master display fields, inventory history and stock, price list.
type DrugFacts struct {
	DrugID   string
	DrugCode string
	DrugName string
	PackSize string
	Unit     string

	HistoricalUsage map[string]float64
	// EstimatedUsage overrides the growth-based estimate when set.
	EstimatedUsage *float64
	CurrentStock   float64
	UnitPrice      float64
}

// AvgUsage is the arithmetic mean over however many history years are
// present. No history yields 0, never an error.
func AvgUsage(history map[string]float64) float64 {
	if len(history) == 0 {
		return 0
	}
	var sum float64
	for _, q := range history {
		sum += q
	}
	return round2(sum / float64(len(history)))
}

// InitializeItem builds a fresh line item from drug-master facts. The
// quantity and split fields stay zero until the planner fills them in.
func (p Params) InitializeItem(facts DrugFacts) entity.BudgetRequestItem {
	avg := AvgUsage(facts.HistoricalUsage)

	estimated := round2(avg * p.growth())
	if facts.EstimatedUsage != nil {
		estimated = round2(*facts.EstimatedUsage)
	}

	purchase := round2(estimated - facts.CurrentStock)
	if purchase < 0 {
		purchase = 0
	}

	history := make(entity.HistoryMap, len(facts.HistoricalUsage))
	for year, qty := range facts.HistoricalUsage {
		history[year] = qty
	}

	return entity.BudgetRequestItem{
		DrugID:            facts.DrugID,
		DrugCode:          facts.DrugCode,
		DrugName:          facts.DrugName,
		PackSize:          facts.PackSize,
		Unit:              facts.Unit,
		HistoricalUsage:   history,
		AvgUsage:          avg,
		EstimatedUsage:    estimated,
		CurrentStock:      facts.CurrentStock,
		EstimatedPurchase: purchase,
		UnitPrice:         facts.UnitPrice,
	}
}

// RecomputeDerived refreshes the derived fields after a manual edit and
// re-validates the invariants. The item is mutated in place; the returned
// violations, if any, mean the item must not be persisted outside draft.
func (p Params) RecomputeDerived(item *entity.BudgetRequestItem) []Violation {
	item.AvgUsage = AvgUsage(item.HistoricalUsage)

	purchase := round2(item.EstimatedUsage - item.CurrentStock)
	if purchase < 0 {
		purchase = 0
	}
	item.EstimatedPurchase = purchase

	item.RequestedAmount = round2(item.RequestedQty * item.UnitPrice)

	return p.ValidateItem(item)
}

// ValidateItem runs every per-item invariant: positivity, quarterly split,
// funding split.
func (p Params) ValidateItem(item *entity.BudgetRequestItem) []Violation {
	var out []Violation
	out = append(out, p.ValidatePositivity(item)...)
	if v := p.ValidateQuarterlySplit(item); v != nil {
		out = append(out, *v)
	}
	if v := p.ValidateFundingSplit(item); v != nil {
		out = append(out, *v)
	}
	return out
}

// ValidateQuarterlySplit checks q1+q2+q3+q4 == requested_qty within the
// tolerance.
func (p Params) ValidateQuarterlySplit(item *entity.BudgetRequestItem) *Violation {
	sum := item.Q1Qty + item.Q2Qty + item.Q3Qty + item.Q4Qty
	if math.Abs(sum-item.RequestedQty) > p.tolerance() {
		return &Violation{
			Field:   "q1_qty..q4_qty",
			Message: fmt.Sprintf("quarterly quantities sum to %.2f, requested quantity is %.2f", sum, item.RequestedQty),
		}
	}
	return nil
}

// ValidateFundingSplit checks budget_qty+fund_qty == requested_qty within
// the tolerance.
func (p Params) ValidateFundingSplit(item *entity.BudgetRequestItem) *Violation {
	sum := item.BudgetQty + item.FundQty
	if math.Abs(sum-item.RequestedQty) > p.tolerance() {
		return &Violation{
			Field:   "budget_qty,fund_qty",
			Message: fmt.Sprintf("funding quantities sum to %.2f, requested quantity is %.2f", sum, item.RequestedQty),
		}
	}
	return nil
}

// ValidatePositivity checks unit_price > 0 and requested_qty > 0.
func (p Params) ValidatePositivity(item *entity.BudgetRequestItem) []Violation {
	var out []Violation
	if item.UnitPrice <= 0 {
		out = append(out, Violation{Field: "unit_price", Message: "unit price must be greater than zero"})
	}
	if item.RequestedQty <= 0 {
		out = append(out, Violation{Field: "requested_qty", Message: "requested quantity must be greater than zero"})
	}
	return out
}

// HistoryYears returns the three fiscal-year labels preceding the given
// fiscal year, oldest first. Fiscal years are Buddhist-era numbers.
func HistoryYears(fiscalYear int) [3]string {
	return [3]string{
		fmt.Sprintf("%d", fiscalYear-3),
		fmt.Sprintf("%d", fiscalYear-2),
		fmt.Sprintf("%d", fiscalYear-1),
	}
}

// SortedYears returns the history's year labels in ascending order.
func SortedYears(history entity.HistoryMap) []string {
	years := make([]string, 0, len(history))
	for y := range history {
		years = append(years, y)
	}
	sort.Strings(years)
	return years
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
