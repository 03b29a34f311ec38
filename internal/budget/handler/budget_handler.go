package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/medilink/drugbudget/internal/budget/service"
)

// BudgetHandler serves budget request lifecycle endpoints.
type BudgetHandler struct {
	svc *service.BudgetRequestService
}

func NewBudgetHandler(svc *service.BudgetRequestService) *BudgetHandler {
	return &BudgetHandler{svc: svc}
}

// Create creates a draft budget request.
// POST /api/v1/budget-requests
func (h *BudgetHandler) Create(c *gin.Context) {
	var input service.CreateRequestInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	req, err := h.svc.CreateRequest(c.Request.Context(), &input, GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Created(c, req)
}

// List returns budget requests with pagination and filters.
// GET /api/v1/budget-requests?fiscal_year=&department_id=&status=&search=
func (h *BudgetHandler) List(c *gin.Context) {
	page, pageSize := GetPagination(c)

	filters := map[string]string{}
	for _, key := range []string{"fiscal_year", "department_id", "status", "search"} {
		if v := c.Query(key); v != "" {
			filters[key] = v
		}
	}

	requests, total, err := h.svc.ListRequests(c.Request.Context(), page, pageSize, filters)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	Success(c, ListResponse{
		Items: requests,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages,
		},
	})
}

// Get returns one budget request with its items.
// GET /api/v1/budget-requests/:id
func (h *BudgetHandler) Get(c *gin.Context) {
	req, err := h.svc.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}

// Summary returns the rolled-up totals of one request.
// GET /api/v1/budget-requests/:id/summary
func (h *BudgetHandler) Summary(c *gin.Context) {
	totals, err := h.svc.Summary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, totals)
}

// Submit moves a draft into review.
// POST /api/v1/budget-requests/:id/submit
func (h *BudgetHandler) Submit(c *gin.Context) {
	req, err := h.svc.Submit(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}

// ApproveDept records department-level approval.
// POST /api/v1/budget-requests/:id/approve-dept
func (h *BudgetHandler) ApproveDept(c *gin.Context) {
	req, err := h.svc.ApproveDept(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}

// ApproveFinance records the terminal finance approval and books the
// allocation.
// POST /api/v1/budget-requests/:id/approve-finance
func (h *BudgetHandler) ApproveFinance(c *gin.Context) {
	req, err := h.svc.ApproveFinance(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}

type rejectInput struct {
	Reason string `json:"reason" binding:"required"`
}

// Reject sends a submitted or dept-approved request back with a reason.
// POST /api/v1/budget-requests/:id/reject
func (h *BudgetHandler) Reject(c *gin.Context) {
	var input rejectInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	req, err := h.svc.Reject(c.Request.Context(), c.Param("id"), GetUserID(c), input.Reason)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}

type reopenInput struct {
	Force bool `json:"force"`
}

// Reopen returns a request to draft. Reopening from submitted or
// dept-approved requires force.
// POST /api/v1/budget-requests/:id/reopen
func (h *BudgetHandler) Reopen(c *gin.Context) {
	var input reopenInput
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&input); err != nil {
			BadRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	req, err := h.svc.Reopen(c.Request.Context(), c.Param("id"), GetUserID(c), input.Force)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, req)
}
