package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/queue"
	"github.com/makeavideo/api/internal/resilience"
	"github.com/makeavideo/api/internal/resource"
	"github.com/makeavideo/api/pkg/response"
)

// HealthResponse reports the engine's view of itself and its collaborators.
type HealthResponse struct {
	Status             string                    `json:"status"`
	Timestamp          int64                     `json:"timestamp"`
	ResourcesAvailable bool                      `json:"resourcesAvailable"`
	Resources          resource.Stats            `json:"resources"`
	Breakers           []resilience.BreakerStats `json:"breakers"`
	Queue              QueueHealth               `json:"queue"`
	Services           map[string]bool           `json:"services"`
}

type QueueHealth struct {
	Queued int `json:"queued"`
	Active int `json:"active"`
	Failed int `json:"failed"`
	Stored int `json:"stored"`
}

type HealthHandler struct {
	resources *resource.Manager
	breakers  *resilience.Registry
	queue     *queue.Manager
	jobs      *jobstore.Store
	services  map[string]bool
}

// NewHealthHandler creates the health handler. services lists which
// collaborators have a real (non-mock) implementation configured.
func NewHealthHandler(resources *resource.Manager, breakers *resilience.Registry, q *queue.Manager, jobs *jobstore.Store, services map[string]bool) *HealthHandler {
	return &HealthHandler{
		resources: resources,
		breakers:  breakers,
		queue:     q,
		jobs:      jobs,
		services:  services,
	}
}

// Health handles GET /health. Status is "degraded" while any circuit is
// open or admission is closed.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := HealthResponse{
		Status:             "ok",
		Timestamp:          time.Now().Unix(),
		ResourcesAvailable: h.resources.IsResourceAvailable(c.UserContext()),
		Resources:          h.resources.Stats(),
		Breakers:           h.breakers.Stats(),
		Queue: QueueHealth{
			Queued: h.jobs.QueueLen(),
			Active: h.queue.ActiveCount(),
			Failed: len(h.jobs.FailedEntries()),
			Stored: h.jobs.Len(),
		},
		Services: h.services,
	}

	if !resp.ResourcesAvailable {
		resp.Status = "degraded"
	}
	for _, b := range resp.Breakers {
		if b.State != resilience.StateClosed.String() {
			resp.Status = "degraded"
		}
	}
	return response.OK(c, resp)
}
