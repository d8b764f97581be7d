package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type MetricsHandlers struct {
	collector *MetricsCollector
}

func NewMetricsHandlers(collector *MetricsCollector) *MetricsHandlers {
	return &MetricsHandlers{collector: collector}
}

func (h *MetricsHandlers) GetMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"protocol": h.collector.GetProtocolMetrics(),
		"system":   GetSystemMetrics(),
	})
}
