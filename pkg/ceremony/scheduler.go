// Package ceremony publishes ceremony.started events on a cron schedule so
// downstream listeners can kick off standups, reviews and retrospectives.
package ceremony

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/memyselfmike/agiled/pkg/eventbus"
	"github.com/memyselfmike/agiled/pkg/events"
	"github.com/robfig/cron/v3"
)

const origin = "ceremony"

// Schedule binds one ceremony name to a cron expression.
type Schedule struct {
	Ceremony string `json:"ceremony"` // standup, review, retro
	CronExpr string `json:"cron"`
}

// DefaultSchedules covers a plain weekly cadence.
var DefaultSchedules = []Schedule{
	{Ceremony: "standup", CronExpr: "0 9 * * MON-FRI"},
	{Ceremony: "review", CronExpr: "0 15 * * FRI"},
	{Ceremony: "retro", CronExpr: "30 15 * * FRI"},
}

type Scheduler struct {
	bus    eventbus.Publisher
	logger *slog.Logger

	mutex   sync.Mutex
	cron    *cron.Cron
	jobs    map[string]cron.EntryID
	pending []Schedule
}

func NewScheduler(bus eventbus.Publisher, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		bus:    bus,
		logger: logger.With("module", "ceremony_scheduler"),
		jobs:   make(map[string]cron.EntryID),
	}
}

// Configure validates and installs the schedules. Must be called before
// Start; calling it on a started scheduler is an error.
func (s *Scheduler) Configure(schedules []Schedule) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	if len(schedules) == 0 {
		return errors.New("no ceremony schedules configured")
	}

	for _, schedule := range schedules {
		if schedule.Ceremony == "" {
			return errors.New("ceremony name is required")
		}

		if _, err := cron.ParseStandard(schedule.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q for ceremony %s: %w",
				schedule.CronExpr, schedule.Ceremony, err)
		}
	}

	s.pending = schedules

	return nil
}

// Start installs the cron jobs and begins firing ceremony.started events.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.pending) == 0 {
		return errors.New("scheduler not configured")
	}

	s.cron = cron.New()

	for _, schedule := range s.pending {
		schedule := schedule

		entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
			s.fire(ctx, schedule.Ceremony)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule ceremony %s: %w", schedule.Ceremony, err)
		}

		s.jobs[schedule.Ceremony] = entryID

		s.logger.Info("Scheduled ceremony",
			"ceremony", schedule.Ceremony, "cron", schedule.CronExpr)
	}

	s.cron.Start()

	return nil
}

// Stop halts the cron loop and waits for in-flight jobs to return.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.cron == nil {
		return
	}

	<-s.cron.Stop().Done()
	s.cron = nil

	s.logger.Info("Ceremony scheduler stopped")
}

func (s *Scheduler) fire(ctx context.Context, ceremony string) {
	_, err := s.bus.Publish(ctx, origin, events.CeremonyStarted{
		Ceremony:    ceremony,
		ScheduledAt: time.Now().UTC(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish ceremony event",
			"ceremony", ceremony, "error", err)

		return
	}

	s.logger.InfoContext(ctx, "Ceremony started", "ceremony", ceremony)
}
