package handler

import (
	"context"
	"net/http"

	"portfolio-scraper/internal/domain"
	"portfolio-scraper/internal/service"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// LastRun returns the report of the most recent run in this process.
type LastRun interface {
	Last() (service.RunReport, bool)
}

// RunHistory reads persisted run records.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]domain.RunRecord, error)
}

type Handler struct {
	tracer  trace.Tracer
	last    LastRun
	history RunHistory
}

// New builds the handler. history may be nil when no database is configured.
func New(tracer trace.Tracer, last LastRun, history RunHistory) *Handler {
	return &Handler{
		tracer:  tracer,
		last:    last,
		history: history,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine, apiKey string) {
	r.GET("/health", h.Health)

	runs := r.Group("/runs", APIKeyAuth(apiKey))
	runs.GET("", h.RecentRuns)
	runs.GET("/last", h.LastRun)
}

// Health reports liveness only; it never touches the browser or the stores.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
