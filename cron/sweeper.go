// Package cron schedules retention sweeps over the dispatcher job store.
package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	transition "github.com/goliatone/go-transition"
	"github.com/goliatone/go-transition/dispatcher"
	"github.com/goliatone/go-transition/engine"
)

const (
	DefaultSchedule    = "@every 1h"
	DefaultFinishedTTL = 24 * time.Hour
	DefaultFrozenTTL   = 7 * 24 * time.Hour
)

// SweepStatus summarizes the most recent sweeps.
type SweepStatus struct {
	Runs        int
	Removed     int
	LastRunAt   time.Time
	LastRemoved int
	LastError   string
}

// Sweeper purges terminal jobs once they outlive their retention window.
type Sweeper struct {
	mu   sync.Mutex
	jobs dispatcher.JobStore
	cron *rcron.Cron

	schedule     string
	finishedTTL  time.Duration
	frozenTTL    time.Duration
	location     *time.Location
	parser       Parser
	logger       engine.Logger
	errorHandler func(error)
	now          func() time.Time

	entryID rcron.EntryID
	running bool
	status  SweepStatus
}

// NewSweeper builds a sweeper and registers its schedule.
func NewSweeper(jobs dispatcher.JobStore, opts ...Option) (*Sweeper, error) {
	if jobs == nil {
		return nil, errors.New("sweeper requires a job store")
	}
	s := &Sweeper{
		jobs:        jobs,
		schedule:    DefaultSchedule,
		finishedTTL: DefaultFinishedTTL,
		frozenTTL:   DefaultFrozenTTL,
		location:    time.Local,
		parser:      DefaultParser,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = engine.WithLoggerFields(s.logger, map[string]any{"component": "sweeper"})
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("sweep failed: %v", err)
		}
	}

	s.cron = rcron.New(s.build()...)
	id, err := s.cron.AddJob(s.schedule, rcron.FuncJob(s.tick))
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins running sweeps on the schedule. Calling it twice is a no-op.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("sweeper started schedule=%s", s.schedule)
}

// Stop halts the schedule. The returned context is done once a running sweep completes.
func (s *Sweeper) Stop() context.Context {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return s.cron.Stop()
}

// Next reports when the next scheduled sweep fires.
func (s *Sweeper) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// Status returns a copy of the sweep counters.
func (s *Sweeper) Status() SweepStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SweepOnce purges finished and frozen jobs older than their TTLs.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	cutoffs := make(map[transition.JobStatus]time.Time, 2)
	if s.finishedTTL > 0 {
		cutoffs[transition.JobFinished] = now.Add(-s.finishedTTL)
	}
	if s.frozenTTL > 0 {
		cutoffs[transition.JobFrozen] = now.Add(-s.frozenTTL)
	}
	if len(cutoffs) == 0 {
		return 0, nil
	}

	removed, err := s.jobs.PurgeTerminal(ctx, cutoffs)
	s.record(now, removed, err)
	if err != nil {
		return removed, fmt.Errorf("purge terminal jobs: %w", err)
	}
	if removed > 0 {
		s.logger.Info("purged %d terminal jobs", removed)
	} else {
		s.logger.Debug("no terminal jobs to purge")
	}
	return removed, nil
}

func (s *Sweeper) tick() {
	if _, err := s.SweepOnce(context.Background()); err != nil {
		s.errorHandler(err)
	}
}

func (s *Sweeper) record(at time.Time, removed int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Runs++
	s.status.LastRunAt = at
	s.status.LastRemoved = removed
	s.status.Removed += removed
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
}

// build converts sweeper options to rcron options.
func (s *Sweeper) build() []rcron.Option {
	opts := []rcron.Option{
		rcron.WithLocation(s.location),
		rcron.WithLogger(&loggerAdapter{logger: s.logger}),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(&loggerAdapter{logger: s.logger}),
		),
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}
	return opts
}
