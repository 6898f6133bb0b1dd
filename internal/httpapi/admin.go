package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"call-insights/internal/reporting"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RunReaper triggers one stuck-job pass.
func (h Handlers) RunReaper(c *gin.Context) {
	if h.Reaper == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reaper not configured"})
		return
	}
	res, err := h.Reaper.Run(c.Request.Context())
	if err != nil && len(res.Requeued) == 0 && res.Stuck == 0 {
		h.fail(c, err)
		return
	}
	body := gin.H{"result": res}
	if err != nil {
		body["errors"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// RunRetention triggers one retention sweep. ?dry_run=true only reports.
func (h Handlers) RunRetention(c *gin.Context) {
	if h.Retention == nil || !h.Retention.Enabled() {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "retention disabled"})
		return
	}
	dry, _ := strconv.ParseBool(c.Query("dry_run"))
	res, err := h.Retention.Sweep(c.Request.Context(), dry)
	if err != nil && len(res.Deleted) == 0 {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GenerateReport (re)computes the report for :date, or yesterday when
// :date is "yesterday".
func (h Handlers) GenerateReport(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	var date *time.Time
	if raw := c.Param("date"); raw != "yesterday" {
		d, err := time.Parse(reporting.DateLayout, raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD or yesterday"})
			return
		}
		date = &d
	}
	out, err := h.Reports.Generate(c.Request.Context(), date)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListReports returns stored reports in [from, to].
func (h Handlers) ListReports(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	out, err := h.Reports.List(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": out})
}

// ExportReports streams stored reports in [from, to] as a workbook.
func (h Handlers) ExportReports(c *gin.Context) {
	if h.Reports == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reports not configured"})
		return
	}
	from, to := c.Query("from"), c.Query("to")
	out, err := h.Reports.List(c.Request.Context(), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	name := "daily-reports.xlsx"
	if from != "" || to != "" {
		name = fmt.Sprintf("daily-reports_%s_%s.xlsx", from, to)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("Content-Type", xlsxContentType)
	c.Status(http.StatusOK)
	if err := reporting.ExportXLSX(c.Writer, out); err != nil {
		_ = c.Error(err)
	}
}
