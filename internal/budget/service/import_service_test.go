package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/repository"
)

// fakeDrugResolver serves a fixed drug master without a database.
type fakeDrugResolver struct {
	drugs map[string]*entity.Drug
}

func (f *fakeDrugResolver) FindByCode(ctx context.Context, code string) (*entity.Drug, error) {
	if d, ok := f.drugs[code]; ok {
		return d, nil
	}
	return nil, repository.ErrNotFound
}

func newTestImportService() *ImportService {
	resolver := &fakeDrugResolver{drugs: map[string]*entity.Drug{
		"D0001": {ID: "drug-0001", Code: "D0001", Name: "Paracetamol 500 mg", Unit: "tab", PackSize: "100x10"},
		"D0002": {ID: "drug-0002", Code: "D0002", Name: "Amoxicillin 500 mg", Unit: "cap", PackSize: "10x10"},
	}}
	return &ImportService{
		drugs:  resolver,
		params: calc.DefaultParams(),
		logger: zap.NewNop(),
	}
}

func testRequest() *entity.BudgetRequest {
	return &entity.BudgetRequest{
		ID:         "req-1",
		Code:       "BR-2569-0001",
		FiscalYear: 2569,
		Status:     entity.StatusDraft,
	}
}

const csvHeader = "drug_code,drug_name,unit,usage_y1,usage_y2,usage_y3,estimated_usage,current_stock,unit_price,requested_qty,budget_qty,fund_qty,q1_qty,q2_qty,q3_qty,q4_qty,notes"

func stageCSV(t *testing.T, s *ImportService, body string) *stagedImport {
	t.Helper()
	r := strings.NewReader(body)
	staged, err := s.Stage(context.Background(), testRequest(), "upload.csv", r, int64(len(body)))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	return staged
}

func TestStageValidRow(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D0001,Paracetamol 500 mg,tab,4200,4400,4527,4594.45,851,0.55,3744,3744,0,936,936,936,936,\n"

	staged := stageCSV(t, s, body)
	if len(staged.errors) != 0 {
		t.Fatalf("unexpected errors: %v", staged.errors)
	}
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1", len(staged.items))
	}

	item := staged.items[0]
	if item.DrugID != "drug-0001" {
		t.Errorf("DrugID = %s, want drug-0001", item.DrugID)
	}
	if item.HistoricalUsage["2566"] != 4200 || item.HistoricalUsage["2568"] != 4527 {
		t.Errorf("history mapped wrong: %v", item.HistoricalUsage)
	}
	if item.AvgUsage != 4375.67 {
		t.Errorf("AvgUsage = %v, want 4375.67", item.AvgUsage)
	}
	if item.EstimatedPurchase != 3743.45 {
		t.Errorf("EstimatedPurchase = %v, want 3743.45", item.EstimatedPurchase)
	}
	if item.RequestedAmount != 2059.2 {
		t.Errorf("RequestedAmount = %v, want 2059.20", item.RequestedAmount)
	}
}

func TestStageThousandsSeparators(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		`D0001,,,"4,200","4,400","4,527","4,594.45",851,0.55,"3,744","3,744",0,936,936,936,936,` + "\n"

	staged := stageCSV(t, s, body)
	if len(staged.errors) != 0 {
		t.Fatalf("unexpected errors: %v", staged.errors)
	}
	if staged.items[0].RequestedQty != 3744 {
		t.Errorf("RequestedQty = %v, want 3744", staged.items[0].RequestedQty)
	}
}

func TestStageUnknownDrugCode(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D9999,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"

	staged := stageCSV(t, s, body)
	if len(staged.items) != 0 {
		t.Fatalf("unknown drug staged: %v", staged.items)
	}
	if len(staged.errors) != 1 || staged.errors[0].Field != "drug_code" {
		t.Fatalf("errors = %v, want one drug_code error", staged.errors)
	}
	if staged.errors[0].Row != 2 {
		t.Errorf("error row = %d, want 2", staged.errors[0].Row)
	}
}

func TestStageDuplicateDrugInFile(t *testing.T) {
	s := newTestImportService()
	row := "D0001,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"
	body := csvHeader + "\n" + row + row

	staged := stageCSV(t, s, body)
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1 (duplicate skipped)", len(staged.items))
	}
	if len(staged.errors) != 1 || !strings.Contains(staged.errors[0].Message, "duplicate") {
		t.Fatalf("errors = %v, want one duplicate error", staged.errors)
	}
}

func TestStagePartialFailure(t *testing.T) {
	// One bad row must not sink the good one.
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D0001,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n" +
		"D0002,,,100,100,100,105,0,abc,100,100,0,25,25,25,25,\n"

	staged := stageCSV(t, s, body)
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1", len(staged.items))
	}
	if len(staged.errors) != 1 || staged.errors[0].Field != "unit_price" {
		t.Fatalf("errors = %v, want one unit_price error", staged.errors)
	}
}

func TestStageRowWithSeveralBadFieldsRejectsOnce(t *testing.T) {
	// A row missing two required fields yields two diagnostics but counts
	// as one rejected row, so imported+updated+skipped reconciles with the
	// file's row count.
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D0001,,,100,100,100,,0,,100,100,0,25,25,25,25,\n" +
		"D0002,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"

	staged := stageCSV(t, s, body)
	if staged.rejected != 1 {
		t.Errorf("rejected = %d, want 1", staged.rejected)
	}
	if len(staged.errors) != 2 {
		t.Fatalf("errors = %v, want estimated_usage and unit_price diagnostics", staged.errors)
	}
	if staged.errors[0].Field != "estimated_usage" || staged.errors[1].Field != "unit_price" {
		t.Errorf("error fields = %s/%s, want estimated_usage/unit_price", staged.errors[0].Field, staged.errors[1].Field)
	}
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1", len(staged.items))
	}
}

func TestStageCountsDuplicateAsRejectedRow(t *testing.T) {
	s := newTestImportService()
	row := "D0001,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"
	body := csvHeader + "\n" + row + row

	staged := stageCSV(t, s, body)
	if staged.rejected != 1 {
		t.Errorf("rejected = %d, want 1", staged.rejected)
	}
}

func TestStageSplitViolations(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D0001,,,100,100,100,105,0,1,100,100,0,10,10,10,10,\n"

	staged := stageCSV(t, s, body)
	if len(staged.items) != 0 {
		t.Fatal("row with broken quarterly split was staged")
	}
	if len(staged.errors) == 0 {
		t.Fatal("no violation reported")
	}
}

func TestStageBlankFundingDefaults(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		"D0001,,,100,100,100,105,0,1,100,,,25,25,25,25,\n"

	staged := stageCSV(t, s, body)
	if len(staged.errors) != 0 {
		t.Fatalf("unexpected errors: %v", staged.errors)
	}
	item := staged.items[0]
	if item.BudgetQty != 100 || item.FundQty != 0 {
		t.Errorf("blank funding defaulted to budget=%v fund=%v, want 100/0", item.BudgetQty, item.FundQty)
	}
}

func TestStageSkipsBlankRows(t *testing.T) {
	s := newTestImportService()
	body := csvHeader + "\n" +
		",,,,,,,,,,,,,,,,\n" +
		"D0001,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"

	staged := stageCSV(t, s, body)
	if len(staged.items) != 1 || len(staged.errors) != 0 {
		t.Fatalf("items=%d errors=%v, want 1 item and no errors", len(staged.items), staged.errors)
	}
}

func TestStageRejectsBadHeader(t *testing.T) {
	s := newTestImportService()
	body := "code,name\nD0001,x\n"
	_, err := s.Stage(context.Background(), testRequest(), "upload.csv", strings.NewReader(body), int64(len(body)))
	var ffe *FileFormatError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FileFormatError", err)
	}
}

func TestStageRejectsShuffledHeader(t *testing.T) {
	// Right column count, wrong order: importing would swap figures.
	s := newTestImportService()
	shuffled := strings.Replace(csvHeader, "unit_price,requested_qty", "requested_qty,unit_price", 1)
	body := shuffled + "\n" +
		"D0001,,,100,100,100,105,0,100,1,100,0,25,25,25,25,\n"
	_, err := s.Stage(context.Background(), testRequest(), "upload.csv", strings.NewReader(body), int64(len(body)))
	var ffe *FileFormatError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FileFormatError", err)
	}
	if !strings.Contains(ffe.Reason, "requested_qty") {
		t.Errorf("Reason = %q, want the mismatched column named", ffe.Reason)
	}
}

func TestStageRejectsUnsupportedType(t *testing.T) {
	s := newTestImportService()
	_, err := s.Stage(context.Background(), testRequest(), "upload.pdf", strings.NewReader("x"), 1)
	var ffe *FileFormatError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FileFormatError", err)
	}
}

func TestStageRejectsOversizeFile(t *testing.T) {
	s := newTestImportService()
	_, err := s.Stage(context.Background(), testRequest(), "upload.csv", strings.NewReader(""), MaxImportBytes+1)
	var ffe *FileFormatError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FileFormatError", err)
	}
}

func TestStageRejectsTooManyRows(t *testing.T) {
	s := newTestImportService()
	var b strings.Builder
	b.WriteString(csvHeader + "\n")
	for i := 0; i <= MaxImportRows; i++ {
		fmt.Fprintf(&b, "D0001,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n")
	}
	body := b.String()
	_, err := s.Stage(context.Background(), testRequest(), "upload.csv", strings.NewReader(body), int64(len(body)))
	var ffe *FileFormatError
	if !errors.As(err, &ffe) {
		t.Fatalf("err = %v, want FileFormatError", err)
	}
}

func TestStageWindows874Fallback(t *testing.T) {
	// Legacy HIS exports carry Thai text in CP874. 0xA1 decodes to Thai
	// letter ko kai.
	s := newTestImportService()
	var b bytes.Buffer
	b.WriteString(csvHeader + "\n")
	b.WriteString("D0001,")
	b.WriteByte(0xA1)
	b.WriteString(",,100,100,100,105,0,1,100,100,0,25,25,25,25,\n")

	staged, err := s.Stage(context.Background(), testRequest(), "legacy.csv", &b, int64(b.Len()))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1", len(staged.items))
	}
	if staged.items[0].DrugName != "ก" {
		t.Errorf("DrugName = %q, want decoded Thai ko kai", staged.items[0].DrugName)
	}
}

func TestFlatExportRoundTrip(t *testing.T) {
	// A flat export staged back through the importer must reproduce the
	// item figures.
	s := newTestImportService()
	req := testRequest()
	items := []entity.BudgetRequestItem{{
		DrugID: "drug-0001", DrugCode: "D0001", DrugName: "Paracetamol 500 mg", Unit: "tab",
		HistoricalUsage: entity.HistoryMap{"2566": 4200, "2567": 4400, "2568": 4527},
		AvgUsage:        4375.67, EstimatedUsage: 4594.45, CurrentStock: 851, EstimatedPurchase: 3743.45,
		UnitPrice: 0.55, RequestedQty: 3744, RequestedAmount: 2059.2,
		BudgetQty: 3744, FundQty: 0,
		Q1Qty: 936, Q2Qty: 936, Q3Qty: 936, Q4Qty: 936,
	}}

	f, err := BuildFlat(req, items)
	if err != nil {
		t.Fatalf("BuildFlat failed: %v", err)
	}
	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		t.Fatalf("write workbook: %v", err)
	}

	staged, err := s.Stage(context.Background(), req, "export.xlsx", &buf, int64(buf.Len()))
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}
	if len(staged.errors) != 0 {
		t.Fatalf("round trip produced errors: %v", staged.errors)
	}
	if len(staged.items) != 1 {
		t.Fatalf("got %d items, want 1", len(staged.items))
	}

	got := staged.items[0]
	want := items[0]
	if got.RequestedQty != want.RequestedQty || got.BudgetQty != want.BudgetQty ||
		got.Q1Qty != want.Q1Qty || got.UnitPrice != want.UnitPrice ||
		got.EstimatedUsage != want.EstimatedUsage || got.CurrentStock != want.CurrentStock {
		t.Errorf("round trip drifted: got %+v", got)
	}
	if got.HistoricalUsage["2566"] != 4200 || got.HistoricalUsage["2568"] != 4527 {
		t.Errorf("history drifted: %v", got.HistoricalUsage)
	}
}
