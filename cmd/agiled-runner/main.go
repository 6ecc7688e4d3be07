// Package main provides the agiled one-shot runner for headless executions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/memyselfmike/agiled/pkg/agent"
	"github.com/memyselfmike/agiled/pkg/cmd"
	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/log"
	"github.com/memyselfmike/agiled/pkg/models"
	"github.com/memyselfmike/agiled/pkg/orchestrator"
	"github.com/memyselfmike/agiled/pkg/store"
	cli "github.com/urfave/cli/v3"
)

func main() {
	command := &cli.Command{
		Name:                  "agiled-runner",
		Usage:                 "Execute one task headless and print the result as JSON",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "task",
				Aliases:  []string{"t"},
				Usage:    "Task description to execute",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "project-root",
				Usage:    "Project root the task applies to",
				Required: true,
				Sources:  cli.EnvVars("PROJECT_ROOT"),
			},
			&cli.IntFlag{
				Name:  "scale-level",
				Usage: "Request scale level (0=quick-fix .. 4=enterprise)",
				Value: 0,
			},
			&cli.StringFlag{
				Name:  "tags",
				Usage: "Comma-separated project-type tags",
			},
			&cli.StringFlag{
				Name:    "actor",
				Usage:   "Actor recorded on transitions",
				Value:   "runner",
				Sources: cli.EnvVars("ACTOR"),
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
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runTask,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runTask(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("runner")

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus := eventbus.NewBus(eventbus.DefaultCapacity, logger)
	defer func() { _ = bus.Close() }()

	reg, err := cmd.NewRegistry(logger)
	if err != nil {
		return err
	}

	st := store.New(persistence, bus, logger)

	orch := orchestrator.NewOrchestrator(
		logger, reg, st, bus,
		agent.NewHTTPAgent(command.String("agent-url"), logger),
	)

	var tags []string
	if raw := command.String("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	result, err := orch.Execute(ctx, models.RequestContext{
		TaskDescription: command.String("task"),
		ProjectRoot:     command.String("project-root"),
		ScaleLevel:      models.ScaleLevel(command.Int("scale-level")),
		Tags:            tags,
		Mode:            models.ModeHeadless,
		Actor:           command.String("actor"),
	})
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(result); err != nil {
		return err
	}

	if result.Status != models.WorkflowStatusSuccess {
		os.Exit(1)
	}

	return nil
}
