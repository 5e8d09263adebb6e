package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 200
)

type runView struct {
	ID                string  `json:"id"`
	Mode              string  `json:"mode"`
	Status            string  `json:"status"`
	RawOutcome        string  `json:"raw_outcome,omitempty"`
	StructuredOutcome string  `json:"structured_outcome,omitempty"`
	RecordsWritten    int     `json:"records_written"`
	NetWorth          *string `json:"net_worth,omitempty"`
	Error             string  `json:"error,omitempty"`
	StartedAt         string  `json:"started_at"`
	FinishedAt        string  `json:"finished_at"`
}

// LastRun returns the most recent run of this process, including the
// captured snapshot when there is one.
func (h *Handler) LastRun(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "handler.last-run")
	defer span.End()

	if h.last == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run yet"})
		return
	}
	r, ok := h.last.Last()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run yet"})
		return
	}
	span.SetAttributes(attribute.String("run.id", r.ID))
	c.JSON(http.StatusOK, gin.H{
		"run":    r,
		"status": r.Status(),
	})
}

// RecentRuns lists persisted run history, newest first.
func (h *Handler) RecentRuns(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.recent-runs")
	defer span.End()

	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "run history disabled"})
		return
	}

	limit := defaultRunsLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxRunsLimit)
	}

	recs, err := h.history.RecentRuns(ctx, limit)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load runs"})
		return
	}

	out := make([]runView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, runView{
			ID:                rec.ID,
			Mode:              string(rec.Mode),
			Status:            rec.Status,
			RawOutcome:        rec.RawOutcome,
			StructuredOutcome: rec.StructuredOutcome,
			RecordsWritten:    rec.RecordsWritten,
			NetWorth:          rec.NetWorth,
			Error:             rec.Error,
			StartedAt:         rec.StartedAt.UTC().Format(time.RFC3339),
			FinishedAt:        rec.FinishedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": out, "count": len(out)})
}
