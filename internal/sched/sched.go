// Package sched runs the control loops on their cadences inside the
// process, for single-instance deployments that have no external scheduler
// hitting /v1/internal.
package sched

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cachebash/backend/internal/loops"
)

// Scheduler owns the embedded cron runner.
type Scheduler struct {
	cron   *cron.Cron
	runner *loops.Runner
	logger *log.Logger
}

// loopTimeout bounds one scheduled invocation.
const loopTimeout = 120 * time.Second

// New builds the scheduler around the shared loop runner.
func New(runner *loops.Runner) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		runner: runner,
		logger: log.New(os.Stdout, "[SCHED] ", log.LstdFlags),
	}
}

// Start registers the cadences and launches the cron goroutine.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) (loops.LoopStats, error)
	}{
		{"@every 1m", "wake", s.runner.WakeDaemon},
		{"@every 5m", "orphan_revival", s.runner.ReviveOrphans},
		{"@every 5m", "dream_timeout", s.runner.TimeoutDreams},
		{"@every 15m", "relay_expiry", s.runner.ExpireRelay},
		{"@every 15m", "dead_letters", s.runner.ProcessDeadLetters},
		{"@every 5m", "stale_sessions", s.runner.ArchiveStaleSessions},
		{"@every 15m", "sync_queue", s.runner.ProcessSyncQueue},
	}

	for _, job := range jobs {
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), loopTimeout)
			defer cancel()
			if _, err := job.run(ctx); err != nil {
				s.logger.Printf("%s: %v", job.name, err)
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Printf("embedded scheduler started with %d loops", len(jobs))
	return nil
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
