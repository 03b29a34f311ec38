package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/medilink/drugbudget/internal/budget/service"
)

// ItemHandler serves line item endpoints on a budget request.
type ItemHandler struct {
	svc *service.BudgetRequestService
}

func NewItemHandler(svc *service.BudgetRequestService) *ItemHandler {
	return &ItemHandler{svc: svc}
}

// Initialize populates an empty draft with one line per active drug,
// pre-filled from usage history.
// POST /api/v1/budget-requests/:id/initialize
func (h *ItemHandler) Initialize(c *gin.Context) {
	count, err := h.svc.Initialize(c.Request.Context(), c.Param("id"), GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, gin.H{"initialized": count})
}

// Add appends one line item to a draft request.
// POST /api/v1/budget-requests/:id/items
func (h *ItemHandler) Add(c *gin.Context) {
	var input service.ItemInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.AddItem(c.Request.Context(), c.Param("id"), &input, GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Created(c, item)
}

// Update applies a partial update to one line item.
// PATCH /api/v1/budget-requests/:id/items/:itemId
func (h *ItemHandler) Update(c *gin.Context) {
	var input service.UpdateItemInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	item, err := h.svc.UpdateItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), &input, GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, item)
}

type batchUpdateInput struct {
	Items []service.ItemDelta `json:"items" binding:"required"`
}

// BatchUpdate applies up to 100 partial item updates in one transaction.
// Invalid deltas are reported back without failing the rest.
// POST /api/v1/budget-requests/:id/items/batch
func (h *ItemHandler) BatchUpdate(c *gin.Context) {
	var input batchUpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	result, err := h.svc.BatchUpdateItems(c.Request.Context(), c.Param("id"), input.Items, GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, result)
}

// Delete removes one line item from a draft request.
// DELETE /api/v1/budget-requests/:id/items/:itemId
func (h *ItemHandler) Delete(c *gin.Context) {
	if err := h.svc.DeleteItem(c.Request.Context(), c.Param("id"), c.Param("itemId"), GetUserID(c)); err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, nil)
}
