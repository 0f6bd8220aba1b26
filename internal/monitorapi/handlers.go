package monitorapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/popkit/power-mode/internal/coordinator"
	"github.com/popkit/power-mode/internal/registry"
)

type handler struct {
	coord  *coordinator.Coordinator
	logger *zap.Logger
}

func (h *handler) healthz(c *gin.Context) {
	status := h.coord.Health(c.Request.Context())
	code := http.StatusOK
	statusText := "healthy"
	if !status.Healthy() {
		code = http.StatusServiceUnavailable
		statusText = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":          statusText,
		"service":         "power-mode-coordinator",
		"store_reachable": status.StoreReachable,
		"lease_held":      status.LeaseHeld,
		"self_id":         status.SelfID,
		"session_id":      status.SessionID,
	})
}

func (h *handler) objective(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.ObjectiveSnapshot())
}

func (h *handler) agents(c *gin.Context) {
	agents := h.coord.AgentsSnapshot()
	c.JSON(http.StatusOK, gin.H{"agents": agents})
}

func (h *handler) agent(c *gin.Context) {
	a, err := h.coord.AgentSnapshot(c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if err == registry.ErrNotFound {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *handler) barriers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"barriers": h.coord.BarriersSnapshot()})
}

func (h *handler) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, h.coord.MetricsSnapshot())
}

// pingInterval keeps idle websocket connections from being reaped by
// intermediate proxies.
const pingInterval = 30 * time.Second
