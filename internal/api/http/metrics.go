package http

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GriffinCanCode/bundlemanager/internal/infrastructure/monitoring"
)

// MetricsSummary is the JSON metrics view.
type MetricsSummary struct {
	Timestamp     time.Time           `json:"timestamp"`
	UptimeSeconds float64             `json:"uptime_seconds"`
	Pipeline      monitoring.Snapshot `json:"pipeline"`
	Breakers      []BreakerView       `json:"breakers"`
}

// BreakerView reports one source circuit breaker.
type BreakerView struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// MetricsSummary returns pipeline counters and breaker states as JSON.
func (h *Handlers) MetricsSummary(c *gin.Context) {
	summary := MetricsSummary{
		Timestamp:     time.Now(),
		UptimeSeconds: time.Since(h.started).Seconds(),
		Pipeline:      h.metrics.GetSnapshot(),
		Breakers:      []BreakerView{},
	}
	for _, b := range h.breakers() {
		counts := b.Counts()
		summary.Breakers = append(summary.Breakers, BreakerView{
			Name:                b.Name(),
			State:               b.State().String(),
			Requests:            counts.Requests,
			ConsecutiveFailures: counts.ConsecutiveFailures,
		})
	}
	sort.Slice(summary.Breakers, func(i, j int) bool { return summary.Breakers[i].Name < summary.Breakers[j].Name })

	c.JSON(http.StatusOK, summary)
}
