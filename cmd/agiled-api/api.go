// Package main provides the agiled API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/registry"
	"github.com/memyselfmike/agiled/pkg/store"
	"github.com/memyselfmike/agiled/pkg/web"
)

type API struct {
	logger       *slog.Logger
	orchestrator *orchestrator.Orchestrator
	store        *store.Store
	registry     *registry.Registry
	bus          *eventbus.Bus
	validate     *validator.Validate
}

func NewAPI(
	logger *slog.Logger,
	orch *orchestrator.Orchestrator,
	st *store.Store,
	reg *registry.Registry,
	bus *eventbus.Bus,
) *API {
	return &API{
		logger:       logger,
		orchestrator: orch,
		store:        st,
		registry:     reg,
		bus:          bus,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.orchestrator, a.store, a.registry, a.bus, a.validate, a.logger)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Agiled API")
	})

	handlers.RegisterRoutes(app)

	return app
}

func (a *API) Start(port int) error {
	return a.App().Listen(":" + strconv.Itoa(port))
}
