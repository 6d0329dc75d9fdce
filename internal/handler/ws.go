package handler

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/model"
	ws "github.com/makeavideo/api/internal/websocket"
	"github.com/makeavideo/api/pkg/response"
)

const localJob = "job"

type WSHandler struct {
	hub  *ws.Hub
	jobs *jobstore.Store
}

func NewWSHandler(hub *ws.Hub, jobs *jobstore.Store) *WSHandler {
	return &WSHandler{hub: hub, jobs: jobs}
}

// Upgrade rejects non-WebSocket requests and unknown jobs before the
// connection is upgraded.
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	job, ok := h.jobs.Get(c.Params("jobId"))
	if !ok {
		return response.NotFound(c, "Job not found")
	}
	c.Locals(localJob, job)
	return c.Next()
}

// Connect handles GET /ws/jobs/:jobId
func (h *WSHandler) Connect() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		job, ok := c.Locals(localJob).(*model.Job)
		if !ok {
			return
		}
		h.hub.HandleConnection(c, job)
	})
}
