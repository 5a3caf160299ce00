package handler

import (
	"net/http"

	"github.com/JeanDecroos/XMLPrompt-sub001/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
)

type BreakerReporter interface {
	Configured() bool
	Breaker() circuitbreaker.Snapshot
}

// Handles system-related endpoints
type SystemHandler struct {
	upstream BreakerReporter
}

func NewSystemHandler(upstream BreakerReporter) *SystemHandler {
	return &SystemHandler{upstream: upstream}
}

// Handles GET /admin/upstream
func (h *SystemHandler) UpstreamStatus(c *gin.Context) {
	if !h.upstream.Configured() {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"configured":      true,
		"circuit_breaker": h.upstream.Breaker(),
	})
}
