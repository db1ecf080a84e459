// Package scheduler runs named jobs on cron expressions with a seconds
// field.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Names of the node timers.
const (
	RefreshLock = "refreshLock"
	Healthcheck = "healthcheck"
	LeaderCheck = "leaderCheck"
)

// Job is the work run on every tick. Its error is logged and the job runs
// again on the next tick.
type Job func(ctx context.Context) error

type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// New creates a stopped scheduler. Overlapping runs of a job are skipped.
func New() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]cron.EntryID{},
	}
}

// Validate reports whether spec is a valid six-field expression.
func Validate(spec string) error {
	if _, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor).Parse(spec); err != nil {
		return fmt.Errorf("cron %q: %w", spec, err)
	}
	return nil
}

// Add registers job under name, replacing any job with the same name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
	id, err := s.cron.AddFunc(spec, func() {
		if err := job(s.ctx); err != nil {
			log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = id
	log.Debug().Str("job", name).Str("cron", spec).Msg("Job scheduled")
	return nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling, cancels the context passed to jobs and waits for
// running jobs to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
}
