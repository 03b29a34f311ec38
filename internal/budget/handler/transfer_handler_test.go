package handler_test

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/medilink/drugbudget/internal/budget/testutil"
)

const importCSV = "drug_code,drug_name,unit,usage_y1,usage_y2,usage_y3,estimated_usage,current_stock,unit_price,requested_qty,budget_qty,fund_qty,q1_qty,q2_qty,q3_qty,q4_qty,notes\n" +
	"D0001,Paracetamol 500 mg,tab,4200,4400,4527,4594.45,851,0.55,3744,3744,0,936,936,936,936,\n"

func doImport(t *testing.T, env *testutil.Env, path, filename, content string) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	part.Write([]byte(content))
	mw.Close()

	req, _ := http.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.Token)

	w := httptest.NewRecorder()
	env.Router.ServeHTTP(w, req)
	return w
}

func TestImportReplaceAllAndMerge(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851,
		map[string]float64{"2566": 4200, "2567": 4400, "2568": 4527})
	req := testutil.SeedTestRequest(t, db, "req-imp-1", 2569, "draft")
	base := "/api/v1/budget-requests/" + req.ID

	w := doImport(t, env, base+"/import?mode=replace-all", "upload.csv", importCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("import: status %d, body %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["imported"].(float64) != 1 || data["skipped"].(float64) != 0 {
		t.Fatalf("result = %v, want imported=1 skipped=0", data)
	}

	// Merge mode updates the existing line instead of duplicating it.
	w = doImport(t, env, base+"/import?mode=merge", "upload.csv", importCSV)
	if w.Code != http.StatusOK {
		t.Fatalf("merge import: status %d, body %s", w.Code, w.Body.String())
	}
	resp = testutil.ParseResponse(w)
	data = resp["data"].(map[string]interface{})
	if data["updated"].(float64) != 1 || data["imported"].(float64) != 0 {
		t.Fatalf("merge result = %v, want updated=1 imported=0", data)
	}

	// The request still holds a single line.
	w = testutil.DoRequest(env.Router, "GET", base, nil, env.Token)
	resp = testutil.ParseResponse(w)
	items := resp["data"].(map[string]interface{})["items"].([]interface{})
	if len(items) != 1 {
		t.Fatalf("got %d items after merge, want 1", len(items))
	}
}

func TestImportRejectedOutsideDraft(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851, nil)
	req := testutil.SeedTestRequest(t, db, "req-imp-2", 2569, "submitted")

	w := doImport(t, env, "/api/v1/budget-requests/"+req.ID+"/import?mode=replace-all", "upload.csv", importCSV)
	if w.Code != http.StatusConflict {
		t.Fatalf("import on submitted: status %d, want 409", w.Code)
	}
}

func TestImportReportsRowErrors(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851, nil)
	req := testutil.SeedTestRequest(t, db, "req-imp-3", 2569, "draft")

	csv := importCSV + "D9999,,,100,100,100,105,0,1,100,100,0,25,25,25,25,\n"
	w := doImport(t, env, "/api/v1/budget-requests/"+req.ID+"/import?mode=replace-all", "upload.csv", csv)
	if w.Code != http.StatusOK {
		t.Fatalf("import: status %d, body %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["imported"].(float64) != 1 || data["skipped"].(float64) != 1 {
		t.Fatalf("result = %v, want imported=1 skipped=1", data)
	}
	errs := data["errors"].([]interface{})
	if len(errs) != 1 {
		t.Fatalf("got %d errors, want 1", len(errs))
	}
	first := errs[0].(map[string]interface{})
	if first["field"] != "drug_code" || first["row"].(float64) != 3 {
		t.Errorf("error = %v, want drug_code at row 3", first)
	}
}

func TestImportSkippedCountsRows(t *testing.T) {
	// A row with two missing required fields emits two diagnostics but
	// skips once, so the counts reconcile with the file's row count.
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851, nil)
	testutil.SeedTestDrug(t, db, "drug-0002", "D0002", "Amoxicillin 500 mg", 2.40, 100, nil)
	req := testutil.SeedTestRequest(t, db, "req-imp-4", 2569, "draft")

	csv := importCSV + "D0002,,,100,100,100,,0,,100,100,0,25,25,25,25,\n"
	w := doImport(t, env, "/api/v1/budget-requests/"+req.ID+"/import?mode=replace-all", "upload.csv", csv)
	if w.Code != http.StatusOK {
		t.Fatalf("import: status %d, body %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	if data["imported"].(float64) != 1 || data["skipped"].(float64) != 1 {
		t.Fatalf("result = %v, want imported=1 skipped=1", data)
	}
	if errs := data["errors"].([]interface{}); len(errs) != 2 {
		t.Fatalf("got %d errors, want 2 diagnostics for the one skipped row", len(errs))
	}
}

func TestImportRequiresPermission(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851, nil)
	req := testutil.SeedTestRequest(t, db, "req-imp-5", 2569, "draft")

	limited := &testutil.Env{
		Router: env.Router,
		Token:  testutil.GenerateTestToken("user-ro", "Read Only", "ro@test.com", nil, []string{"budget:read"}),
	}
	w := doImport(t, limited, "/api/v1/budget-requests/"+req.ID+"/import?mode=replace-all", "upload.csv", importCSV)
	if w.Code != http.StatusForbidden {
		t.Fatalf("import without budget:import: status %d, want 403", w.Code)
	}
}

func TestImportTemplateDownload(t *testing.T) {
	_, env := setupAPI(t)
	w := testutil.DoRequest(env.Router, "GET",
		"/api/v1/budget-requests/import-template?fiscal_year=2569", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("template: status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("Content-Type = %s", ct)
	}
}
