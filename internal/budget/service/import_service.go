package service

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/repository"
)

// Import bounds. Oversize input is rejected outright with one top-level
// error before any row is processed.
const (
	MaxImportRows  = 10000
	MaxImportBytes = 10 << 20
)

// Ingestion modes.
const (
	ModeReplaceAll = "replace-all"
	ModeMerge      = "merge"
)

// importColumns is the fixed column contract of the upload file, in order.
// The flat export and the template writer share it so a round trip
// re-imports cleanly.
var importColumns = []string{
	"drug_code", "drug_name", "unit",
	"usage_y1", "usage_y2", "usage_y3",
	"estimated_usage", "current_stock", "unit_price",
	"requested_qty", "budget_qty", "fund_qty",
	"q1_qty", "q2_qty", "q3_qty", "q4_qty",
	"notes",
}

// Column positions within importColumns.
const (
	colDrugCode = iota
	colDrugName
	colUnit
	colUsageY1
	colUsageY2
	colUsageY3
	colEstimatedUsage
	colCurrentStock
	colUnitPrice
	colRequestedQty
	colBudgetQty
	colFundQty
	colQ1
	colQ2
	colQ3
	colQ4
	colNotes
)

// ImportError is one row-level diagnostic. The error list is the
// authoritative record of every rejected row.
type ImportError struct {
	Row     int    `json:"row"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FileFormatError rejects the whole file before row processing begins.
type FileFormatError struct {
	Reason string
}

func (e *FileFormatError) Error() string {
	return "file rejected: " + e.Reason
}

// ImportResult summarizes one import run. Skipped counts rejected rows,
// not diagnostics; a row with several bad fields still skips once. Every
// skipped row has at least one entry in Errors.
type ImportResult struct {
	Imported int           `json:"imported"`
	Updated  int           `json:"updated"`
	Skipped  int           `json:"skipped"`
	Errors   []ImportError `json:"errors"`
}

// DrugResolver resolves an uploaded drug code against the drug master.
type DrugResolver interface {
	FindByCode(ctx context.Context, code string) (*entity.Drug, error)
}

// ImportService is the bulk reconciler: it streams a delimited or xlsx
// upload, validates every row, and applies the accepted rows atomically.
type ImportService struct {
	db     *gorm.DB
	repos  *repository.Repositories
	drugs  DrugResolver
	params calc.Params
	logger *zap.Logger
}

func NewImportService(db *gorm.DB, repos *repository.Repositories, params calc.Params, logger *zap.Logger) *ImportService {
	return &ImportService{db: db, repos: repos, drugs: repos.Drug, params: params, logger: logger}
}

// stagedImport is the accept/reject decision set, fully computed before
// any write begins.
type stagedImport struct {
	items    []entity.BudgetRequestItem
	rejected int // rows rejected, counted once per row
	errors   []ImportError
}

// ImportFile ingests an upload into a draft request. The draft gate is
// checked before parsing (to avoid wasted work) and again inside the apply
// transaction. Accepted rows are applied in one transaction; rejected rows
// are reported and never written.
func (s *ImportService) ImportFile(ctx context.Context, requestID, filename string, r io.Reader, size int64, mode, actor string) (*ImportResult, error) {
	if mode != ModeReplaceAll && mode != ModeMerge {
		return nil, &FileFormatError{Reason: fmt.Sprintf("unknown import mode %q", mode)}
	}

	req, err := s.repos.Request.FindByID(ctx, requestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if !entity.IsEditable(req.Status) {
		return nil, ErrNotEditable
	}

	staged, err := s.Stage(ctx, req, filename, r, size)
	if err != nil {
		return nil, err
	}

	result := &ImportResult{
		Skipped: staged.rejected,
		Errors:  staged.errors,
	}
	if result.Errors == nil {
		result.Errors = []ImportError{}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reqRepo := s.repos.Request.WithTx(tx)
		itemRepo := s.repos.Item.WithTx(tx)

		locked, err := reqRepo.FindByIDForUpdate(ctx, requestID)
		if err != nil {
			return err
		}
		if !entity.IsEditable(locked.Status) {
			return ErrNotEditable
		}

		if mode == ModeReplaceAll {
			if err := itemRepo.DeleteByRequest(ctx, requestID); err != nil {
				return fmt.Errorf("clear items: %w", err)
			}
		}

		now := time.Now()
		for i := range staged.items {
			item := staged.items[i]

			var existing *entity.BudgetRequestItem
			if mode == ModeMerge {
				found, err := itemRepo.FindByRequestAndDrug(ctx, requestID, item.DrugID)
				if err == nil {
					existing = found
				} else if !errors.Is(err, repository.ErrNotFound) {
					return err
				}
			}

			if existing != nil {
				item.ID = existing.ID
				item.RequestID = existing.RequestID
				item.SortOrder = existing.SortOrder
				item.CreatedBy = existing.CreatedBy
				item.CreatedAt = existing.CreatedAt
				item.UpdatedBy = actor
				item.UpdatedAt = now
				if err := itemRepo.Update(ctx, &item); err != nil {
					return fmt.Errorf("update item: %w", err)
				}
				result.Updated++
				continue
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
			item.CreatedAt = now
			item.UpdatedAt = now
			if err := itemRepo.Create(ctx, &item); err != nil {
				return fmt.Errorf("create item: %w", err)
			}
			result.Imported++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("budget import applied",
		zap.String("request_id", requestID),
		zap.String("mode", mode),
		zap.Int("imported", result.Imported),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// Stage parses and validates the upload without writing anything. One bad
// row never aborts the batch; it is recorded and skipped.
func (s *ImportService) Stage(ctx context.Context, req *entity.BudgetRequest, filename string, r io.Reader, size int64) (*stagedImport, error) {
	if size > MaxImportBytes {
		return nil, &FileFormatError{Reason: fmt.Sprintf("file exceeds %d bytes", MaxImportBytes)}
	}
	limited := io.LimitReader(r, MaxImportBytes+1)

	var rows rowIterator
	var err error
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".txt":
		rows, err = newCSVIterator(limited)
	case ".xlsx":
		rows, err = newXLSXIterator(limited)
	default:
		return nil, &FileFormatError{Reason: fmt.Sprintf("unsupported file type %q", filepath.Ext(filename))}
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	header, err := rows.Next()
	if err != nil {
		return nil, &FileFormatError{Reason: "file has no header row"}
	}
	if err := checkHeader(header); err != nil {
		return nil, err
	}

	years := calc.HistoryYears(req.FiscalYear)
	staged := &stagedImport{}
	seen := make(map[string]bool)
	rowNum := 1

	for {
		record, err := rows.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &FileFormatError{Reason: fmt.Sprintf("row %d unreadable: %v", rowNum+1, err)}
		}
		rowNum++
		if rowNum-1 > MaxImportRows {
			return nil, &FileFormatError{Reason: fmt.Sprintf("file exceeds %d rows", MaxImportRows)}
		}

		if blankRow(record) {
			continue
		}

		item, rowErrs := s.stageRow(ctx, rowNum, record, years)
		if len(rowErrs) > 0 {
			staged.rejected++
			staged.errors = append(staged.errors, rowErrs...)
			continue
		}
		if seen[item.DrugID] {
			staged.rejected++
			staged.errors = append(staged.errors, ImportError{
				Row: rowNum, Field: "drug_code",
				Message: fmt.Sprintf("duplicate drug code %s in file", item.DrugCode),
			})
			continue
		}
		seen[item.DrugID] = true
		staged.items = append(staged.items, *item)
	}

	return staged, nil
}

// stageRow validates one data row and builds the item it stages.
func (s *ImportService) stageRow(ctx context.Context, rowNum int, record []string, years [3]string) (*entity.BudgetRequestItem, []ImportError) {
	var errs []ImportError

	code := strings.TrimSpace(cell(record, colDrugCode))
	if code == "" {
		return nil, []ImportError{{Row: rowNum, Field: "drug_code", Message: "drug code is required"}}
	}

	drug, err := s.drugs.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, []ImportError{{Row: rowNum, Field: "drug_code", Message: fmt.Sprintf("drug code %s not found", code)}}
		}
		return nil, []ImportError{{Row: rowNum, Field: "drug_code", Message: fmt.Sprintf("drug lookup failed: %v", err)}}
	}

	num := func(col int, field string, required bool) float64 {
		raw := strings.TrimSpace(cell(record, col))
		if raw == "" {
			if required {
				errs = append(errs, ImportError{Row: rowNum, Field: field, Message: field + " is required"})
			}
			return 0
		}
		v, err := parseNumber(raw)
		if err != nil {
			errs = append(errs, ImportError{Row: rowNum, Field: field, Message: fmt.Sprintf("invalid number %q", raw)})
			return 0
		}
		return v
	}

	history := entity.HistoryMap{}
	for i, col := range []int{colUsageY1, colUsageY2, colUsageY3} {
		if raw := strings.TrimSpace(cell(record, col)); raw != "" {
			v, err := parseNumber(raw)
			if err != nil {
				errs = append(errs, ImportError{Row: rowNum, Field: importColumns[col], Message: fmt.Sprintf("invalid number %q", raw)})
				continue
			}
			history[years[i]] = v
		}
	}

	estimated := num(colEstimatedUsage, "estimated_usage", true)
	stock := num(colCurrentStock, "current_stock", false)
	price := num(colUnitPrice, "unit_price", true)
	requested := num(colRequestedQty, "requested_qty", true)

	budgetQty := num(colBudgetQty, "budget_qty", false)
	fundQty := num(colFundQty, "fund_qty", false)
	// A file without funding columns funds everything from the general budget.
	if strings.TrimSpace(cell(record, colBudgetQty)) == "" && strings.TrimSpace(cell(record, colFundQty)) == "" {
		budgetQty = requested
		fundQty = 0
	}

	q1 := num(colQ1, "q1_qty", true)
	q2 := num(colQ2, "q2_qty", true)
	q3 := num(colQ3, "q3_qty", true)
	q4 := num(colQ4, "q4_qty", true)

	if len(errs) > 0 {
		return nil, errs
	}

	item := s.params.InitializeItem(calc.DrugFacts{
		DrugID:          drug.ID,
		DrugCode:        drug.Code,
		DrugName:        drug.Name,
		PackSize:        drug.PackSize,
		Unit:            drug.Unit,
		HistoricalUsage: history,
		EstimatedUsage:  &estimated,
		CurrentStock:    stock,
		UnitPrice:       price,
	})
	if name := strings.TrimSpace(cell(record, colDrugName)); name != "" {
		item.DrugName = name
	}
	if unit := strings.TrimSpace(cell(record, colUnit)); unit != "" {
		item.Unit = unit
	}
	item.RequestedQty = requested
	item.BudgetQty = budgetQty
	item.FundQty = fundQty
	item.Q1Qty = q1
	item.Q2Qty = q2
	item.Q3Qty = q3
	item.Q4Qty = q4
	item.Notes = strings.TrimSpace(cell(record, colNotes))

	if violations := s.params.RecomputeDerived(&item); len(violations) > 0 {
		for _, v := range violations {
			errs = append(errs, ImportError{Row: rowNum, Field: v.Field, Message: v.Message})
		}
		return nil, errs
	}

	return &item, nil
}

// checkHeader verifies every column label of the fixed contract, in order.
// A right-width file with shuffled columns must not import with swapped
// figures.
func checkHeader(header []string) error {
	if len(header) < len(importColumns)-1 { // notes column may be absent
		return &FileFormatError{Reason: fmt.Sprintf("expected %d columns, got %d", len(importColumns), len(header))}
	}
	for i, want := range importColumns {
		if i >= len(header) {
			break
		}
		got := strings.ToLower(strings.TrimSpace(header[i]))
		if got != want {
			return &FileFormatError{Reason: fmt.Sprintf("header column %d must be %q, got %q", i+1, want, got)}
		}
	}
	return nil
}

func cell(record []string, col int) string {
	if col < len(record) {
		return record[col]
	}
	return ""
}

func blankRow(record []string) bool {
	for _, c := range record {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// parseNumber accepts plain and thousands-separated figures ("4,200").
func parseNumber(raw string) (float64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	return strconv.ParseFloat(cleaned, 64)
}

// ---- row iterators ----

type rowIterator interface {
	Next() ([]string, error) // io.EOF at end
	Close() error
}

type csvIterator struct {
	reader *csv.Reader
}

// newCSVIterator wraps a delimited upload. Legacy exports from the HIS
// arrive in Windows-874 (Thai); anything that is not valid UTF-8 is
// decoded through that charset.
func newCSVIterator(r io.Reader) (rowIterator, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	peek, _ := br.Peek(4096)
	// Ignore a trailing partial rune when sniffing.
	for i := 0; i < utf8.UTFMax && len(peek) > 0 && !utf8.Valid(peek); i++ {
		peek = peek[:len(peek)-1]
	}

	var src io.Reader = br
	if !utf8.Valid(peek) {
		src = transform.NewReader(br, charmap.Windows874.NewDecoder())
	}

	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	return &csvIterator{reader: reader}, nil
}

func (it *csvIterator) Next() ([]string, error) {
	return it.reader.Read()
}

func (it *csvIterator) Close() error { return nil }

type xlsxIterator struct {
	file *excelize.File
	rows *excelize.Rows
}

func newXLSXIterator(r io.Reader) (rowIterator, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &FileFormatError{Reason: fmt.Sprintf("not a readable xlsx file: %v", err)}
	}
	rows, err := f.Rows(f.GetSheetName(0))
	if err != nil {
		f.Close()
		return nil, &FileFormatError{Reason: fmt.Sprintf("read sheet: %v", err)}
	}
	return &xlsxIterator{file: f, rows: rows}, nil
}

func (it *xlsxIterator) Next() ([]string, error) {
	if !it.rows.Next() {
		if err := it.rows.Error(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return it.rows.Columns()
}

func (it *xlsxIterator) Close() error {
	it.rows.Close()
	return it.file.Close()
}
