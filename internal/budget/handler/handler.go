package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/medilink/drugbudget/internal/budget/entity"
	"github.com/medilink/drugbudget/internal/budget/service"
	"github.com/medilink/drugbudget/internal/middleware"
)

// Handlers is the budget context's handler set.
type Handlers struct {
	Budget   *BudgetHandler
	Item     *ItemHandler
	Transfer *TransferHandler
	Drug     *DrugHandler
}

func NewHandlers(svc *service.Services, drugs DrugSearcher) *Handlers {
	return &Handlers{
		Budget:   NewBudgetHandler(svc.Budget),
		Item:     NewItemHandler(svc.Budget),
		Transfer: NewTransferHandler(svc.Import, svc.Export),
		Drug:     NewDrugHandler(drugs),
	}
}

// RegisterRoutes mounts the budget API on an authenticated router group.
func (h *Handlers) RegisterRoutes(api *gin.RouterGroup) {
	api.GET("/drugs", h.Drug.Search)

	api.POST("/budget-requests", h.Budget.Create)
	api.GET("/budget-requests", h.Budget.List)
	api.GET("/budget-requests/:id", h.Budget.Get)
	api.GET("/budget-requests/:id/summary", h.Budget.Summary)

	api.POST("/budget-requests/:id/initialize", h.Item.Initialize)
	api.POST("/budget-requests/:id/items", h.Item.Add)
	api.PATCH("/budget-requests/:id/items/:itemId", h.Item.Update)
	api.POST("/budget-requests/:id/items/batch", h.Item.BatchUpdate)
	api.DELETE("/budget-requests/:id/items/:itemId", h.Item.Delete)

	api.POST("/budget-requests/:id/import", middleware.RequirePermission("budget:import"), h.Transfer.Import)
	api.GET("/budget-requests/:id/export", h.Transfer.Export)
	api.GET("/budget-requests/import-template", h.Transfer.Template)

	api.POST("/budget-requests/:id/submit", h.Budget.Submit)
	api.POST("/budget-requests/:id/approve-dept", middleware.RequireRole("dept_approver"), h.Budget.ApproveDept)
	api.POST("/budget-requests/:id/approve-finance", middleware.RequireRole("finance_approver"), h.Budget.ApproveFinance)
	api.POST("/budget-requests/:id/reject", h.Budget.Reject)
	api.POST("/budget-requests/:id/reopen", h.Budget.Reopen)
}

// Response is the common response envelope.
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ListResponse wraps paginated list payloads.
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(200, Response{Code: 0, Message: "success", Data: data})
}

func Created(c *gin.Context, data interface{}) {
	c.JSON(201, Response{Code: 0, Message: "success", Data: data})
}

func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{Code: code, Message: message})
}

func BadRequest(c *gin.Context, message string) {
	Error(c, 40000, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, 40400, message)
}

// Conflict reports a rejected precondition (not editable, already
// initialized, illegal transition).
func Conflict(c *gin.Context, message string) {
	Error(c, 40900, message)
}

// UnprocessableEntity reports an invariant violation on the payload.
func UnprocessableEntity(c *gin.Context, message string) {
	Error(c, 42200, message)
}

func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// GetUserID returns the acting user from the JWT context. Every mutating
// service call threads it explicitly.
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get("user_id")
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}
	return page, pageSize
}

// respondServiceError maps the service error taxonomy onto the envelope.
func respondServiceError(c *gin.Context, err error) {
	var invariant *service.InvariantError
	var illegal *entity.ErrIllegalTransition
	var format *service.FileFormatError

	switch {
	case errors.Is(err, service.ErrRequestNotFound), errors.Is(err, service.ErrItemNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, service.ErrNotEditable),
		errors.Is(err, service.ErrAlreadyInitialized),
		errors.Is(err, service.ErrDuplicateDrug),
		errors.Is(err, service.ErrReopenNotAllowed),
		errors.Is(err, service.ErrNoItems):
		Conflict(c, err.Error())
	case errors.Is(err, service.ErrDrugNotFound),
		errors.Is(err, service.ErrBatchTooLarge):
		BadRequest(c, err.Error())
	case errors.As(err, &invariant):
		UnprocessableEntity(c, invariant.Error())
	case errors.As(err, &illegal):
		Conflict(c, illegal.Error())
	case errors.As(err, &format):
		BadRequest(c, format.Error())
	default:
		InternalError(c, err.Error())
	}
}
