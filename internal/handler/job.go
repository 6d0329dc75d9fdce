package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/makeavideo/api/internal/jobstore"
	"github.com/makeavideo/api/internal/logger"
	"github.com/makeavideo/api/internal/model"
	"github.com/makeavideo/api/internal/queue"
	"github.com/makeavideo/api/internal/resilience"
	"github.com/makeavideo/api/internal/resource"
	"github.com/makeavideo/api/internal/service"
	"github.com/makeavideo/api/pkg/response"
)

const maxListLimit = 100

type JobHandler struct {
	service   *service.JobService
	validator *validator.Validate
	log       *zap.Logger
}

func NewJobHandler(svc *service.JobService, v *validator.Validate, log *zap.Logger) *JobHandler {
	log = logger.OrNop(log)
	return &JobHandler{
		service:   svc,
		validator: v,
		log:       log,
	}
}

// Submit handles POST /api/jobs
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), &req)
	if err != nil {
		return h.writeError(c, err)
	}

	return response.Accepted(c, result)
}

// List handles GET /api/jobs
func (h *JobHandler) List(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", maxListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	return response.OK(c, h.service.ListActive(c.UserContext(), limit))
}

// Status handles GET /api/jobs/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.GetStatus(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Result handles GET /api/jobs/:jobId/result
func (h *JobHandler) Result(c *fiber.Ctx) error {
	result, err := h.service.GetResult(c.UserContext(), c.Params("jobId"))
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	var req model.CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	result, err := h.service.Cancel(c.UserContext(), c.Params("jobId"), req.Reason)
	if err != nil {
		return h.writeError(c, err)
	}
	return response.OK(c, result)
}

func (h *JobHandler) writeError(c *fiber.Ctx, err error) error {
	var unavailable *resilience.UnavailableError
	switch {
	case errors.Is(err, jobstore.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrJobFinished):
		return response.Conflict(c, "Job already finished")
	case errors.Is(err, service.ErrResultNotReady):
		return response.Conflict(c, "Job result not available")
	case errors.As(err, &unavailable):
		return response.ServiceUnavailable(c, "Service temporarily unavailable", unavailable.RetryAfter)
	case errors.Is(err, resource.ErrAdmissionRejected), errors.Is(err, queue.ErrQueueClosed):
		return response.ServiceUnavailable(c, "Server is not accepting jobs", 0)
	}
	h.log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	return response.ServiceError(c, "Internal error")
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Namespace()] = e.Tag()
		}
		return fields
	}
	return nil
}

// ErrorHandler renders errors that escaped a handler in the standard
// error body.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	return response.Error(c, code, response.CodeServiceError, message, nil)
}
