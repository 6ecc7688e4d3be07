package main

import (
	"context"
	"os"

	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/ceremony"
	"github.com/memyselfmike/agiled/pkg/cmd"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/log"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/otelhelper"
	"github.com/memyselfmike/agiled/pkg/store"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9080

func main() {
	command := &cli.Command{
		Name:                  "agiled-api",
		Usage:                 "Run the agile delivery orchestration API",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL (file:// path or postgres://)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "agent-url",
				Usage:    "Base URL of the agent invocation service",
				Required: true,
				Sources:  cli.EnvVars("AGENT_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bridge",
				Usage:   "Mirror the activity stream externally (kafka, gochannel, empty for none)",
				Sources: cli.EnvVars("EVENT_BRIDGE"),
			},
			&cli.IntFlag{
				Name:    "event-buffer",
				Usage:   "Replay ring buffer capacity of the event bus",
				Value:   eventbus.DefaultCapacity,
				Sources: cli.EnvVars("EVENT_BUFFER"),
			},
			&cli.BoolFlag{
				Name:    "ceremonies",
				Usage:   "Run the ceremony scheduler",
				Value:   true,
				Sources: cli.EnvVars("CEREMONIES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runAPI,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func runAPI(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing agiled API")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bridge, err := cmd.NewBridge(command.String("event-bridge"), logger, "agiled-api")
	if err != nil {
		return err
	}

	var busOpts []eventbus.Option
	if bridge != nil {
		busOpts = append(busOpts, eventbus.WithBridge(bridge))
	}

	bus := eventbus.NewBus(int(command.Int("event-buffer")), logger, busOpts...)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	reg, err := cmd.NewRegistry(logger)
	if err != nil {
		return err
	}

	st := store.New(persistence, bus, logger)

	tracer, err := otelhelper.NewTracer(ctx, "agiled-api")
	if err != nil {
		return err
	}

	orch := orchestrator.NewOrchestrator(
		logger, reg, st, bus,
		agent.NewHTTPAgent(command.String("agent-url"), logger),
		orchestrator.WithTracer(tracer),
	)

	if command.Bool("ceremonies") {
		scheduler := ceremony.NewScheduler(bus, logger)
		if err := scheduler.Configure(ceremony.DefaultSchedules); err != nil {
			return err
		}

		if err := scheduler.Start(ctx); err != nil {
			return err
		}

		defer scheduler.Stop()
	}

	api := NewAPI(logger, orch, st, reg, bus)

	return api.Start(int(command.Int("port")))
}
