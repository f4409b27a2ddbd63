package handlers

import (
	"github.com/broccoli-judge/judge-core/internal/common"
	"github.com/gin-gonic/gin"
)

// Ping is a liveness probe.
func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"status": "ok"})
}
