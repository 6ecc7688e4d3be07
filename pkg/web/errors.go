package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/persistence"
	"github.com/memyselfmike/agiled/pkg/registry"
	"github.com/memyselfmike/agiled/pkg/store"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(fiber.StatusNotFound).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleDomainError maps typed errors from the core components onto RFC 7807
// responses.
func handleDomainError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, registry.ErrNoApplicableWorkflow):
		problem := problems.NewStatusProblem(fiber.StatusUnprocessableEntity).
			WithInstance(c.Path()).
			WithType("no_applicable_workflow").
			WithDetail(err.Error())

		return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)

	case store.IsStaleRevision(err):
		problem := problems.NewStatusProblem(fiber.StatusConflict).
			WithInstance(c.Path()).
			WithType("stale_revision").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, store.ErrInvalidTarget):
		problem := problems.NewStatusProblem(fiber.StatusBadRequest).
			WithInstance(c.Path()).
			WithType("invalid_target_state").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case persistence.IsEntityNotFound(err):
		return notFound(c, "entity not found")

	case errors.Is(err, orchestrator.ErrStaleClarification):
		problem := problems.NewStatusProblem(fiber.StatusGone).
			WithInstance(c.Path()).
			WithType("stale_clarification").
			WithDetail(err.Error())

		return c.Status(fiber.StatusGone).JSON(problem)

	default:
		return internalError(c, err)
	}
}
