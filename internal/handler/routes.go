package handler

import "github.com/gofiber/fiber/v2"

// Routes holds everything Register mounts. Auth and SubmitLimit may be nil.
type Routes struct {
	Jobs        *JobHandler
	Health      *HealthHandler
	WS          *WSHandler
	Auth        fiber.Handler
	SubmitLimit fiber.Handler
}

// Register mounts the HTTP and WebSocket routes on app.
func Register(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Health)

	var guards []fiber.Handler
	if r.Auth != nil {
		guards = append(guards, r.Auth)
	}

	api := app.Group("/api", guards...)

	submit := []fiber.Handler{r.Jobs.Submit}
	if r.SubmitLimit != nil {
		submit = append([]fiber.Handler{r.SubmitLimit}, submit...)
	}
	api.Post("/jobs", submit...)
	api.Get("/jobs", r.Jobs.List)
	api.Get("/jobs/:jobId", r.Jobs.Status)
	api.Get("/jobs/:jobId/result", r.Jobs.Result)
	api.Post("/jobs/:jobId/cancel", r.Jobs.Cancel)

	if r.WS != nil {
		wsHandlers := append(append([]fiber.Handler{}, guards...), r.WS.Upgrade, r.WS.Connect())
		app.Get("/ws/jobs/:jobId", wsHandlers...)
	}
}
