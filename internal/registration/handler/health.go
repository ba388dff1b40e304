package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/voterledger/voterledger/internal/health"
)

// ReadinessHandler returns a Gin handler that runs every dependency check and
// answers 503 when any of them fails.
func ReadinessHandler(checker *health.Checker) gin.HandlerFunc {
	return func(c *gin.Context) {
		report := checker.CheckAll(c.Request.Context())
		status := http.StatusOK
		if !report.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, report)
	}
}
