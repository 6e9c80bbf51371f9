package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger reports whether the database answers.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// GateStats exposes scraping slot usage.
type GateStats interface {
	InUse() int
	Capacity() int
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db   Pinger
	gate GateStats
}

// NewHealthHandler creates a new health handler. Either dependency may be nil.
func NewHealthHandler(db Pinger, gate GateStats) *HealthHandler {
	return &HealthHandler{db: db, gate: gate}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	code := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	if h.gate != nil {
		resp["scraper_slots"] = gin.H{"in_use": h.gate.InUse(), "capacity": h.gate.Capacity()}
	}
	c.JSON(code, resp)
}
