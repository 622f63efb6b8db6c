package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

const serviceName = "ean-import-service"

// DependencyCheck reports whether a backing dependency is reachable
type DependencyCheck func(ctx context.Context) error

// HealthHandler serves liveness and readiness probes. Readiness runs every
// registered dependency check; an empty set is always ready.
type HealthHandler struct {
	checks  map[string]DependencyCheck
	timeout time.Duration
}

// NewHealthHandler creates a health handler over the given checks
func NewHealthHandler(checks map[string]DependencyCheck) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 2 * time.Second}
}

// HealthCheck provides a liveness endpoint
// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
	})
}

// ReadinessCheck pings the database and optional dependencies
// @Summary Readiness check
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /ready [get]
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := gin.H{}
	ready := true
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = "unavailable: " + err.Error()
			ready = false
			continue
		}
		results[name] = "connected"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":    status,
		"service":   serviceName,
		"timestamp": time.Now().UTC(),
		"checks":    results,
	})
}
