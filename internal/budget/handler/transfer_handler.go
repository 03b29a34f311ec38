package handler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medilink/drugbudget/internal/budget/service"
)

const spreadsheetMIME = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// TransferHandler serves file import and export endpoints.
type TransferHandler struct {
	importer *service.ImportService
	exporter *service.ExportService
}

func NewTransferHandler(importer *service.ImportService, exporter *service.ExportService) *TransferHandler {
	return &TransferHandler{importer: importer, exporter: exporter}
}

// Import ingests a CSV or xlsx item file into a draft request.
// POST /api/v1/budget-requests/:id/import?mode=replace-all|merge
func (h *TransferHandler) Import(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		BadRequest(c, "file is required")
		return
	}
	defer file.Close()

	mode := c.DefaultQuery("mode", service.ModeReplaceAll)

	result, err := h.importer.ImportFile(c.Request.Context(), c.Param("id"),
		header.Filename, file, header.Size, mode, GetUserID(c))
	if err != nil {
		respondServiceError(c, err)
		return
	}
	Success(c, result)
}

// Export streams the request as an xlsx workbook. format=sscj produces the
// regulator layout, format=flat the re-importable column layout.
// GET /api/v1/budget-requests/:id/export?format=sscj|flat
func (h *TransferHandler) Export(c *gin.Context) {
	format := c.DefaultQuery("format", service.FormatSSCJ)

	f, filename, err := h.exporter.ExportRequest(c.Request.Context(), c.Param("id"), format)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	defer f.Close()

	c.Header("Content-Type", spreadsheetMIME)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "failed to write file: "+err.Error())
	}
}

// Template downloads an empty import template for a fiscal year.
// GET /api/v1/budget-requests/import-template?fiscal_year=2569
func (h *TransferHandler) Template(c *gin.Context) {
	fiscalYear, err := strconv.Atoi(c.DefaultQuery("fiscal_year", ""))
	if err != nil || fiscalYear <= 0 {
		fiscalYear = time.Now().Year() + 543
	}

	f, err := h.exporter.Template(fiscalYear)
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	defer f.Close()

	c.Header("Content-Type", spreadsheetMIME)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=budget_items_template_%d.xlsx", fiscalYear))
	if err := f.Write(c.Writer); err != nil {
		InternalError(c, "failed to write file: "+err.Error())
	}
}
