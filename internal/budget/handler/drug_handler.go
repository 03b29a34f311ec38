package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/medilink/drugbudget/internal/budget/entity"
)

// DrugSearcher looks up the drug master for typeahead searches.
type DrugSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]entity.Drug, error)
	ListActive(ctx context.Context) ([]entity.Drug, error)
}

// DrugHandler serves read-only drug master lookups.
type DrugHandler struct {
	drugs DrugSearcher
}

func NewDrugHandler(drugs DrugSearcher) *DrugHandler {
	return &DrugHandler{drugs: drugs}
}

// Search returns active drugs matching a code or name fragment. Without a
// query it lists the whole active formulary.
// GET /api/v1/drugs?q=para&limit=20
func (h *DrugHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		drugs, err := h.drugs.ListActive(c.Request.Context())
		if err != nil {
			InternalError(c, err.Error())
			return
		}
		Success(c, drugs)
		return
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		if v, err := strconv.Atoi(l); err == nil && v > 0 && v <= 100 {
			limit = v
		}
	}

	drugs, err := h.drugs.Search(c.Request.Context(), query, limit)
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	Success(c, drugs)
}
