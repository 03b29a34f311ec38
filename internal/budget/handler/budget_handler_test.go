package handler_test

import (
	"fmt"
	"net/http"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/medilink/drugbudget/internal/budget/calc"
	"github.com/medilink/drugbudget/internal/budget/handler"
	"github.com/medilink/drugbudget/internal/budget/repository"
	"github.com/medilink/drugbudget/internal/budget/service"
	"github.com/medilink/drugbudget/internal/budget/testutil"
)

func setupAPI(t *testing.T) (*gorm.DB, *testutil.Env) {
	t.Helper()
	db := testutil.SetupTestDB(t)

	repos := repository.NewRepositories(db, nil)
	services := service.NewServices(db, repos, calc.DefaultParams(), zap.NewNop())
	handlers := handler.NewHandlers(services, repos.Drug)

	router := testutil.SetupRouter()
	handlers.RegisterRoutes(testutil.AuthGroup(router, "/api/v1"))

	return db, &testutil.Env{Router: router, Token: testutil.DefaultTestToken()}
}

func TestBudgetRequestLifecycle(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851,
		map[string]float64{"2566": 4200, "2567": 4400, "2568": 4527})
	testutil.SeedTestDrug(t, db, "drug-0002", "D0002", "Amoxicillin 500 mg", 2.40, 100,
		map[string]float64{"2567": 900, "2568": 1100})

	// Create a draft request.
	w := testutil.DoRequest(env.Router, "POST", "/api/v1/budget-requests", map[string]interface{}{
		"fiscal_year":     2569,
		"department_id":   "dept-1",
		"department_name": "Pharmacy",
	}, env.Token)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: status %d, body %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	data := resp["data"].(map[string]interface{})
	reqID := data["id"].(string)
	if code := data["code"].(string); code != "BR-2569-0001" {
		t.Errorf("request code = %s, want BR-2569-0001", code)
	}
	base := "/api/v1/budget-requests/" + reqID

	// Initialize from the drug master.
	w = testutil.DoRequest(env.Router, "POST", base+"/initialize", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("initialize: status %d, body %s", w.Code, w.Body.String())
	}
	resp = testutil.ParseResponse(w)
	if n := resp["data"].(map[string]interface{})["initialized"].(float64); n != 2 {
		t.Fatalf("initialized = %v, want 2", n)
	}

	// A second initialize must be rejected.
	w = testutil.DoRequest(env.Router, "POST", base+"/initialize", nil, env.Token)
	if w.Code != http.StatusConflict {
		t.Fatalf("re-initialize: status %d, want 409", w.Code)
	}

	// Read the request back and find the paracetamol line.
	w = testutil.DoRequest(env.Router, "GET", base, nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("get: status %d", w.Code)
	}
	resp = testutil.ParseResponse(w)
	items := resp["data"].(map[string]interface{})["items"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	var itemID string
	for _, raw := range items {
		item := raw.(map[string]interface{})
		if item["drug_code"] == "D0001" {
			itemID = item["id"].(string)
			if est := item["estimated_usage"].(float64); est != 4594.45 {
				t.Errorf("estimated_usage = %v, want 4594.45", est)
			}
			if p := item["estimated_purchase"].(float64); p != 3743.45 {
				t.Errorf("estimated_purchase = %v, want 3743.45", p)
			}
		}
	}
	if itemID == "" {
		t.Fatal("paracetamol line not found")
	}

	// Submitting with zero-quantity lines must fail the invariants.
	w = testutil.DoRequest(env.Router, "POST", base+"/submit", nil, env.Token)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("submit with empty quantities: status %d, want 422", w.Code)
	}

	// Fill in both lines with consistent splits.
	for _, raw := range items {
		item := raw.(map[string]interface{})
		w = testutil.DoRequest(env.Router, "PATCH",
			fmt.Sprintf("%s/items/%s", base, item["id"].(string)),
			map[string]interface{}{
				"requested_qty": 1000, "budget_qty": 800, "fund_qty": 200,
				"q1_qty": 250, "q2_qty": 250, "q3_qty": 250, "q4_qty": 250,
			}, env.Token)
		if w.Code != http.StatusOK {
			t.Fatalf("update item: status %d, body %s", w.Code, w.Body.String())
		}
	}

	// An inconsistent split is rejected with field-level violations.
	w = testutil.DoRequest(env.Router, "PATCH", fmt.Sprintf("%s/items/%s", base, itemID),
		map[string]interface{}{"q1_qty": 999}, env.Token)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("broken split: status %d, want 422", w.Code)
	}

	// Submit, reject, reopen.
	w = testutil.DoRequest(env.Router, "POST", base+"/submit", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("submit: status %d, body %s", w.Code, w.Body.String())
	}

	// Submitted requests are frozen.
	w = testutil.DoRequest(env.Router, "PATCH", fmt.Sprintf("%s/items/%s", base, itemID),
		map[string]interface{}{"notes": "late edit"}, env.Token)
	if w.Code != http.StatusConflict {
		t.Fatalf("edit after submit: status %d, want 409", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", base+"/reject",
		map[string]interface{}{"reason": "quantities need review"}, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("reject: status %d, body %s", w.Code, w.Body.String())
	}
	resp = testutil.ParseResponse(w)
	if status := resp["data"].(map[string]interface{})["status"].(string); status != "rejected" {
		t.Errorf("status = %s, want rejected", status)
	}

	w = testutil.DoRequest(env.Router, "POST", base+"/reopen", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("reopen: status %d, body %s", w.Code, w.Body.String())
	}

	// Full approval chain.
	w = testutil.DoRequest(env.Router, "POST", base+"/submit", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("resubmit: status %d", w.Code)
	}
	w = testutil.DoRequest(env.Router, "POST", base+"/approve-dept", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("approve-dept: status %d, body %s", w.Code, w.Body.String())
	}
	w = testutil.DoRequest(env.Router, "POST", base+"/approve-finance", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("approve-finance: status %d, body %s", w.Code, w.Body.String())
	}

	// finance_approved is terminal.
	w = testutil.DoRequest(env.Router, "POST", base+"/reopen",
		map[string]interface{}{"force": true}, env.Token)
	if w.Code != http.StatusConflict {
		t.Fatalf("reopen terminal: status %d, want 409", w.Code)
	}

	// Summary rolls up both lines.
	w = testutil.DoRequest(env.Router, "GET", base+"/summary", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("summary: status %d", w.Code)
	}
	resp = testutil.ParseResponse(w)
	totals := resp["data"].(map[string]interface{})
	if qty := totals["requested_qty"].(float64); qty != 2000 {
		t.Errorf("requested_qty total = %v, want 2000", qty)
	}
}

func TestReopenFromSubmittedRequiresForce(t *testing.T) {
	db, env := setupAPI(t)
	testutil.SeedTestRequest(t, db, "req-sub-1", 2569, "submitted")
	base := "/api/v1/budget-requests/req-sub-1"

	w := testutil.DoRequest(env.Router, "POST", base+"/reopen", nil, env.Token)
	if w.Code != http.StatusConflict {
		t.Fatalf("reopen without force: status %d, want 409", w.Code)
	}

	w = testutil.DoRequest(env.Router, "POST", base+"/reopen",
		map[string]interface{}{"force": true}, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("reopen with force: status %d, body %s", w.Code, w.Body.String())
	}
	resp := testutil.ParseResponse(w)
	if status := resp["data"].(map[string]interface{})["status"].(string); status != "draft" {
		t.Errorf("status = %s, want draft", status)
	}
}

func TestApprovalsRequireRole(t *testing.T) {
	db, env := setupAPI(t)
	testutil.SeedTestRequest(t, db, "req-role-1", 2569, "submitted")
	base := "/api/v1/budget-requests/req-role-1"

	noRole := testutil.GenerateTestToken("user-plain", "Planner", "plan@test.com", nil, []string{"*"})
	w := testutil.DoRequest(env.Router, "POST", base+"/approve-dept", nil, noRole)
	if w.Code != http.StatusForbidden {
		t.Fatalf("approve-dept without role: status %d, want 403", w.Code)
	}

	deptToken := testutil.GenerateTestToken("user-dept", "Dept Head", "dept@test.com",
		[]string{"dept_approver"}, []string{"*"})
	w = testutil.DoRequest(env.Router, "POST", base+"/approve-dept", nil, deptToken)
	if w.Code != http.StatusOK {
		t.Fatalf("approve-dept with role: status %d, body %s", w.Code, w.Body.String())
	}

	// Department approvers cannot clear the finance stage.
	w = testutil.DoRequest(env.Router, "POST", base+"/approve-finance", nil, deptToken)
	if w.Code != http.StatusForbidden {
		t.Fatalf("approve-finance with dept role: status %d, want 403", w.Code)
	}

	finToken := testutil.GenerateTestToken("user-fin", "Finance", "fin@test.com",
		[]string{"finance_approver"}, []string{"*"})
	w = testutil.DoRequest(env.Router, "POST", base+"/approve-finance", nil, finToken)
	if w.Code != http.StatusOK {
		t.Fatalf("approve-finance with role: status %d, body %s", w.Code, w.Body.String())
	}
}

func TestExportDownload(t *testing.T) {
	db, env := setupAPI(t)

	testutil.SeedTestDrug(t, db, "drug-0001", "D0001", "Paracetamol 500 mg", 0.55, 851,
		map[string]float64{"2566": 4200, "2567": 4400, "2568": 4527})
	req := testutil.SeedTestRequest(t, db, "req-exp-1", 2569, "draft")

	w := testutil.DoRequest(env.Router, "GET",
		"/api/v1/budget-requests/"+req.ID+"/export?format=sscj", nil, env.Token)
	if w.Code != http.StatusOK {
		t.Fatalf("export: status %d, body %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Errorf("Content-Type = %s", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd == "" {
		t.Error("Content-Disposition missing")
	}
}

func TestAuthRequired(t *testing.T) {
	_, env := setupAPI(t)
	w := testutil.DoRequest(env.Router, "GET", "/api/v1/budget-requests", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated list: status %d, want 401", w.Code)
	}
}
