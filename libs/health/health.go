// Package health serves liveness and readiness probes. Liveness is
// unconditional; readiness flips during startup and shutdown.
package health

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

type Manager struct {
	mu     sync.RWMutex
	ready  bool
	reason string
}

func NewManager(initialReady bool) *Manager {
	return &Manager{ready: initialReady}
}

func (m *Manager) SetReady(ready bool) {
	m.mu.Lock()
	m.ready = ready
	m.reason = ""
	m.mu.Unlock()
}

// SetNotReady marks the process not ready with an operator-visible reason.
func (m *Manager) SetNotReady(reason string) {
	m.mu.Lock()
	m.ready = false
	m.reason = reason
	m.mu.Unlock()
}

func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		ready, reason := m.ready, m.reason
		m.mu.RUnlock()

		if ready {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
			return
		}
		body := gin.H{"status": "not_ready"}
		if reason != "" {
			body["reason"] = reason
		}
		c.JSON(http.StatusServiceUnavailable, body)
	}
}
