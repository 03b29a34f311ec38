package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/xuri/excelize/v2"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/repository"
)

// Export formats.
const (
	FormatSSCJ = "sscj"
	FormatFlat = "flat"
)

// The regulator's sheet spans columns A..Z with data from row 5.
// Downstream tooling parses by cell position, so the geometry here must
// never drift.
const sscjDataStart = 5

// RequestTotals are the grand-total figures of one request.
type RequestTotals struct {
	ItemCount       int        `json:"item_count"`
	RequestedQty    float64    `json:"requested_qty"`
	RequestedAmount float64    `json:"requested_amount"`
	BudgetQty       float64    `json:"budget_qty"`
	BudgetAmount    float64    `json:"budget_amount"`
	FundQty         float64    `json:"fund_qty"`
	FundAmount      float64    `json:"fund_amount"`
	QuarterQty      [4]float64 `json:"quarter_qty"`
	QuarterAmount   [4]float64 `json:"quarter_amount"`
}

// ComputeTotals sums a request's items. Amounts are quantity × unit price,
// rounded to satang.
func ComputeTotals(items []entity.BudgetRequestItem) RequestTotals {
	var t RequestTotals
	t.ItemCount = len(items)
	for _, item := range items {
		t.RequestedQty += item.RequestedQty
		t.RequestedAmount += money(item.RequestedQty, item.UnitPrice)
		t.BudgetQty += item.BudgetQty
		t.BudgetAmount += money(item.BudgetQty, item.UnitPrice)
		t.FundQty += item.FundQty
		t.FundAmount += money(item.FundQty, item.UnitPrice)
		for qi, q := range []float64{item.Q1Qty, item.Q2Qty, item.Q3Qty, item.Q4Qty} {
			t.QuarterQty[qi] += q
			t.QuarterAmount[qi] += money(q, item.UnitPrice)
		}
	}
	return t
}

// ExportService renders a request's item set into a spreadsheet. Rendering
// is pure; it takes no lock on the request.
type ExportService struct {
	repos *repository.Repositories
}

func NewExportService(repos *repository.Repositories) *ExportService {
	return &ExportService{repos: repos}
}

// ExportRequest renders one request in the chosen format and returns the
// workbook plus its download filename. Allowed in any status.
func (s *ExportService) ExportRequest(ctx context.Context, id, format string) (*excelize.File, string, error) {
	if format == "" {
		format = FormatSSCJ
	}

	req, err := s.repos.Request.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, "", ErrRequestNotFound
		}
		return nil, "", err
	}
	items, err := s.repos.Item.ListByRequest(ctx, id)
	if err != nil {
		return nil, "", err
	}

	switch format {
	case FormatSSCJ:
		f, err := BuildSSCJ(req, items)
		return f, Filename("SSCJ", req), err
	case FormatFlat:
		f, err := BuildFlat(req, items)
		return f, Filename("BudgetPlan", req), err
	default:
		return nil, "", fmt.Errorf("unknown export format %q", format)
	}
}

// Filename composes <label>_<fiscalYear>_<requestCode>.xlsx.
func Filename(label string, req *entity.BudgetRequest) string {
	return fmt.Sprintf("%s_%d_%s.xlsx", label, req.FiscalYear, req.Code)
}

// BuildSSCJ renders the regulator's fixed multi-level-header layout.
// Rows stream as they are written so thousands of lines render without
// holding the whole workbook twice.
func BuildSSCJ(req *entity.BudgetRequest, items []entity.BudgetRequestItem) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "SSCJ"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("set sheet name: %w", err)
	}

	styles, err := newSSCJStyles(f)
	if err != nil {
		return nil, err
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, fmt.Errorf("stream writer: %w", err)
	}

	widths := []float64{6, 12, 30, 14, 8,
		10, 10, 10, // history
		11, 10, 11, 10, // estimate, stock, purchase, price
		10, 12, 10, 12, // budget, fund
		9, 12, 9, 12, 9, 12, 9, 12, // quarters
		10, 13, // total
	}
	for i, w := range widths {
		if err := sw.SetColWidth(i+1, i+1, w); err != nil {
			return nil, fmt.Errorf("set col width: %w", err)
		}
	}

	years := calc.HistoryYears(req.FiscalYear)
	totals := ComputeTotals(items)

	// Row 1: title across the full range.
	title := fmt.Sprintf("Annual Drug Procurement Budget Plan, Fiscal Year %d — %s (%s)",
		req.FiscalYear, req.DepartmentName, req.Code)
	if err := sw.SetRow("A1",
		[]interface{}{excelize.Cell{StyleID: styles.title, Value: title}},
		excelize.RowOpts{Height: 24}); err != nil {
		return nil, err
	}

	// Row 2: grand-total summary.
	summary := fmt.Sprintf("Items: %d    Requested: %.2f    General budget: %.2f    Discretionary fund: %.2f",
		totals.ItemCount, totals.RequestedAmount, totals.BudgetAmount, totals.FundAmount)
	if err := sw.SetRow("A2",
		[]interface{}{excelize.Cell{StyleID: styles.summary, Value: summary}}); err != nil {
		return nil, err
	}

	// Rows 3-4: two-level column headers.
	head := func(v string) interface{} { return excelize.Cell{StyleID: styles.header, Value: v} }
	top := []interface{}{
		head("No."), head("Drug Code"), head("Drug Name"), head("Pack Size"), head("Unit"),
		head("Historical Usage"), head(""), head(""),
		head(fmt.Sprintf("Estimated Usage %d", req.FiscalYear)), head("Current Stock"),
		head("Estimated Purchase"), head("Unit Price"),
		head("General Budget"), head(""),
		head("Discretionary Fund"), head(""),
		head("Quarter 1"), head(""), head("Quarter 2"), head(""),
		head("Quarter 3"), head(""), head("Quarter 4"), head(""),
		head("Total"), head(""),
	}
	if err := sw.SetRow("A3", top); err != nil {
		return nil, err
	}

	sub := []interface{}{
		head(""), head(""), head(""), head(""), head(""),
		head(years[0]), head(years[1]), head(years[2]),
		head(""), head(""), head(""), head(""),
	}
	for i := 0; i < 7; i++ { // budget, fund, q1..q4, total
		sub = append(sub, head("Qty"), head("Amount"))
	}
	if err := sw.SetRow("A4", sub); err != nil {
		return nil, err
	}

	// Data rows.
	for i, item := range items {
		row := sscjDataStart + i
		values := sscjRow(i+1, item, years, styles)
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := sw.SetRow(cell, values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", row, err)
		}
	}

	// Merge geometry: title, summary, vertical singles, horizontal groups.
	merges := [][2]string{
		{"A1", "Z1"},
		{"A2", "Z2"},
		{"A3", "A4"}, {"B3", "B4"}, {"C3", "C4"}, {"D3", "D4"}, {"E3", "E4"},
		{"F3", "H3"},
		{"I3", "I4"}, {"J3", "J4"}, {"K3", "K4"}, {"L3", "L4"},
		{"M3", "N3"}, {"O3", "P3"},
		{"Q3", "R3"}, {"S3", "T3"}, {"U3", "V3"}, {"W3", "X3"},
		{"Y3", "Z3"},
	}
	for _, m := range merges {
		if err := sw.MergeCell(m[0], m[1]); err != nil {
			return nil, fmt.Errorf("merge %s:%s: %w", m[0], m[1], err)
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush stream: %w", err)
	}
	return f, nil
}

// sscjRow lays out one data row in the fixed column order.
func sscjRow(seq int, item entity.BudgetRequestItem, years [3]string, styles *sscjStyles) []interface{} {
	qty := func(v float64) interface{} { return excelize.Cell{StyleID: styles.qty, Value: v} }
	amt := func(v float64) interface{} { return excelize.Cell{StyleID: styles.money, Value: v} }
	txt := func(v string) interface{} { return excelize.Cell{StyleID: styles.text, Value: v} }

	values := []interface{}{
		qty(float64(seq)),
		txt(item.DrugCode),
		txt(item.DrugName),
		txt(item.PackSize),
		txt(item.Unit),
		qty(item.HistoricalUsage[years[0]]),
		qty(item.HistoricalUsage[years[1]]),
		qty(item.HistoricalUsage[years[2]]),
		qty(item.EstimatedUsage),
		qty(item.CurrentStock),
		qty(item.EstimatedPurchase),
		amt(item.UnitPrice),
	}
	for _, q := range []float64{item.BudgetQty, item.FundQty, item.Q1Qty, item.Q2Qty, item.Q3Qty, item.Q4Qty, item.RequestedQty} {
		values = append(values, qty(q), amt(money(q, item.UnitPrice)))
	}
	return values
}

type sscjStyles struct {
	title   int
	summary int
	header  int
	text    int
	qty     int
	money   int
}

func newSSCJStyles(f *excelize.File) (*sscjStyles, error) {
	var s sscjStyles
	var err error

	s.title, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, err
	}

	s.summary, err = f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
	})
	if err != nil {
		return nil, err
	}

	s.header, err = f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 10},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center", WrapText: true},
		Border:    thinBorders(),
	})
	if err != nil {
		return nil, err
	}

	s.text, err = f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Size: 10},
		Border: thinBorders(),
	})
	if err != nil {
		return nil, err
	}

	qtyFmt := "#,##0"
	s.qty, err = f.NewStyle(&excelize.Style{
		Font:         &excelize.Font{Size: 10},
		Border:       thinBorders(),
		CustomNumFmt: &qtyFmt,
	})
	if err != nil {
		return nil, err
	}

	moneyFmt := "#,##0.00"
	s.money, err = f.NewStyle(&excelize.Style{
		Font:         &excelize.Font{Size: 10},
		Border:       thinBorders(),
		CustomNumFmt: &moneyFmt,
	})
	if err != nil {
		return nil, err
	}

	return &s, nil
}

func thinBorders() []excelize.Border {
	sides := []string{"left", "top", "bottom", "right"}
	borders := make([]excelize.Border, len(sides))
	for i, side := range sides {
		borders[i] = excelize.Border{Type: side, Color: "000000", Style: 1}
	}
	return borders
}

// BuildFlat renders the item set in the import column contract, so the
// file can be re-imported in replace-all mode without loss.
func BuildFlat(req *entity.BudgetRequest, items []entity.BudgetRequestItem) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Items"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("set sheet name: %w", err)
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return nil, fmt.Errorf("stream writer: %w", err)
	}

	header := make([]interface{}, len(importColumns))
	for i, h := range importColumns {
		header[i] = h
	}
	if err := sw.SetRow("A1", header); err != nil {
		return nil, err
	}

	years := calc.HistoryYears(req.FiscalYear)
	for i, item := range items {
		values := []interface{}{
			item.DrugCode, item.DrugName, item.Unit,
			item.HistoricalUsage[years[0]], item.HistoricalUsage[years[1]], item.HistoricalUsage[years[2]],
			item.EstimatedUsage, item.CurrentStock, item.UnitPrice,
			item.RequestedQty, item.BudgetQty, item.FundQty,
			item.Q1Qty, item.Q2Qty, item.Q3Qty, item.Q4Qty,
			item.Notes,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := sw.SetRow(cell, values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return nil, fmt.Errorf("flush stream: %w", err)
	}
	return f, nil
}

// Template produces an empty import workbook with the column contract and
// one sample row.
func (s *ExportService) Template(fiscalYear int) (*excelize.File, error) {
	f := excelize.NewFile()
	sheet := "Template"
	if err := f.SetSheetName(f.GetSheetName(0), sheet); err != nil {
		return nil, fmt.Errorf("set sheet name: %w", err)
	}

	boldStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true, Size: 11}})
	if err != nil {
		return nil, err
	}
	for i, h := range importColumns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		cell := col + "1"
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, boldStyle)
	}

	sample := []interface{}{
		"D0001", "Paracetamol 500 mg", "tab",
		4200, 4400, 4527,
		4594.45, 851, 0.55,
		3744, 3744, 0,
		936, 936, 936, 936,
		"",
	}
	for i, v := range sample {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetCellValue(sheet, col+"2", v)
	}

	return f, nil
}

func money(qty, price float64) float64 {
	return math.Round(qty*price*100) / 100
}
