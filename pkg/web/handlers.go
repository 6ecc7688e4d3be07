package web

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/persistence"
	"github.com/memyselfmike/agiled/pkg/registry"
	"github.com/memyselfmike/agiled/pkg/store"
)

type APIHandlers struct {
	orchestrator *orchestrator.Orchestrator
	store        *store.Store
	registry     *registry.Registry
	stream       EventStream
	validator    *validator.Validate
	logger       *slog.Logger
}

func NewAPIHandlers(
	orch *orchestrator.Orchestrator,
	st *store.Store,
	reg *registry.Registry,
	stream EventStream,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		orchestrator: orch,
		store:        st,
		registry:     reg,
		stream:       stream,
		validator:    validate,
		logger:       logger.With("module", "web"),
	}
}

// RegisterRoutes wires every endpoint onto the app. Binaries and tests share
// this so the route table exists in one place.
func (h *APIHandlers) RegisterRoutes(app *fiber.App) {
	app.Post("/tasks", h.SubmitTask)
	app.Post("/clarifications/:token", h.AnswerClarification)
	app.Delete("/clarifications/:token", h.AbandonClarification)

	entities := app.Group("/entities")
	entities.Get("/", h.ListEntities)
	entities.Post("/", h.CreateEntity)
	entities.Get("/:id", h.GetEntity)
	entities.Post("/:id/transitions", h.TransitionEntity)
	entities.Get("/:id/changelog", h.GetChangelog)

	app.Get("/workflows", h.ListWorkflows)
	app.Get("/events", h.StreamEvents)
}

// SubmitTask runs a task through the orchestrator. Streaming mode answers
// with a live SSE feed; the other modes answer synchronously with the
// workflow result (or the parked clarification prompt).
func (h *APIHandlers) SubmitTask(c fiber.Ctx) error {
	var req SubmitTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if !req.Mode.Valid() {
		return badRequest(c, "Unknown execution mode: "+string(req.Mode))
	}

	if req.Mode == models.ModeStreaming {
		return h.streamTask(c, req.ToRequestContext())
	}

	result, err := h.orchestrator.Execute(c.Context(), req.ToRequestContext())
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) AnswerClarification(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Clarification token is required")
	}

	var req AnswerClarificationRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.orchestrator.Resume(c.Context(), token, req.Answer)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) AbandonClarification(c fiber.Ctx) error {
	token := c.Params("token")
	if token == "" {
		return badRequest(c, "Clarification token is required")
	}

	if err := h.orchestrator.Abandon(token); err != nil {
		return handleDomainError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) CreateEntity(c fiber.Ctx) error {
	var req CreateEntityRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	entity, err := h.store.CreateEntity(c.Context(), req.Kind, req.Title, req.Actor)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(entity)
}

func (h *APIHandlers) GetEntity(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Entity ID is required")
	}

	entity, err := h.store.Read(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(entity)
}

func (h *APIHandlers) ListEntities(c fiber.Ctx) error {
	opts := persistence.ListEntitiesOptions{
		Kind:  models.EntityKind(c.Query("kind")),
		State: models.State(c.Query("state")),
	}

	if opts.State != "" && !opts.State.Valid() {
		return badRequest(c, "Unknown state filter: "+string(opts.State))
	}

	entities, err := h.store.List(c.Context(), opts)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"entities":    entities,
		"total_count": len(entities),
	})
}

func (h *APIHandlers) TransitionEntity(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Entity ID is required")
	}

	var req TransitionEntityRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	entity, err := h.store.Transition(c.Context(), models.StateTransitionRequest{
		EntityID:         id,
		ExpectedRevision: req.ExpectedRevision,
		Target:           req.Target,
		Actor:            req.Actor,
	})
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(entity)
}

func (h *APIHandlers) GetChangelog(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Entity ID is required")
	}

	// The changelog is authoritative for audit; surface it verbatim.
	records, err := h.store.ChangelogRecords(c.Context(), id)
	if err != nil {
		return handleDomainError(c, err)
	}

	return c.JSON(fiber.Map{
		"entity_id": id,
		"records":   records,
	})
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	definitions := h.registry.Definitions()

	return c.JSON(fiber.Map{
		"workflows":   definitions,
		"total_count": len(definitions),
	})
}

func parseFromSequence(c fiber.Ctx) (uint64, error) {
	raw := c.Query("from_sequence")
	if raw == "" {
		return 0, nil
	}

	return strconv.ParseUint(raw, 10, 64)
}
