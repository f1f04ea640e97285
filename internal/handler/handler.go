package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
)

// Pinger reports broker connectivity for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	db     *sqlx.DB
	broker Pinger
}

func NewHandler(db *sqlx.DB, broker Pinger) *Handler {
	return &Handler{db: db, broker: broker}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "success",
		"data": gin.H{
			"status": "healthy",
		},
	})
}

func (h *Handler) ReadinessCheck(c *gin.Context) {
	checks := gin.H{"database": "ok", "broker": "ok"}
	status := http.StatusOK

	if err := h.db.PingContext(c.Request.Context()); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := h.broker.Ping(c.Request.Context()); err != nil {
		checks["broker"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	result := "healthy"
	if status != http.StatusOK {
		result = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status": "success",
		"data": gin.H{
			"status": result,
			"checks": checks,
		},
	})
}
