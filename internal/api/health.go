package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lalith-99/chatrelay/internal/relay"
)

// Pinger is anything whose liveness the health endpoint reports; the
// Postgres pool satisfies it via db.Health.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler answers GET /v1/health. Public — load balancers have no
// tokens. Reports database reachability and this instance's live
// connection count; a failing database turns the response into a 503 so
// the balancer rotates the instance out.
type HealthHandler struct {
	db  Pinger
	hub *relay.Hub
}

func NewHealthHandler(db Pinger, hub *relay.Hub) *HealthHandler {
	return &HealthHandler{db: db, hub: hub}
}

func (h *HealthHandler) Check(c *gin.Context) {
	status := http.StatusOK
	dbStatus := "ok"

	if err := h.db.Health(c.Request.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}

	c.JSON(status, gin.H{
		"status":      dbStatus,
		"connections": h.hub.ConnCount(),
	})
}
