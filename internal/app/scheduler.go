/**
 * @description
 * Cron scheduler for background relay jobs. Rewards are never timer-driven;
 * the only scheduled work is draining the event outbox.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher *OutboxDispatcher
	logger     *slog.Logger
	outboxCron string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(dispatcher *OutboxDispatcher, logger *slog.Logger, outboxSchedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:       c,
		dispatcher: dispatcher,
		logger:     logger,
		outboxCron: outboxSchedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.outboxCron, s.dispatcher.Flush); err != nil {
		s.logger.Error("failed to schedule outbox flush job", "error", err)
		return err
	}
	s.logger.Info("scheduled outbox flush job", "schedule", s.outboxCron)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
