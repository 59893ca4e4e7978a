// Package sched drives periodic detection runs and probe-log retention
// from the persisted SchedulerConfig singleton.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/store"
)

// cleanupSpec fires the probe-log retention sweep nightly.
const cleanupSpec = "0 2 * * *"

// DetectionTrigger is the slice of the detection service the scheduler
// drives. Narrowed to an interface so tests can stub it.
type DetectionTrigger interface {
	TriggerFullDetection(ctx context.Context, withSync bool) (*detect.TriggerResult, error)
	TriggerChannelDetection(ctx context.Context, channelID uint, modelIDs []uint) (*detect.TriggerResult, error)
}

// Scheduler owns one cron runner with at most one detection entry plus the
// cleanup entry. Reload tears the detection entry down and rebuilds it from
// the current config.
type Scheduler struct {
	db            *store.Store
	trigger       DetectionTrigger
	log           *slog.Logger
	defaults      store.SchedulerDefaults
	retentionDays int

	mu        sync.Mutex
	runner    *cron.Cron
	detection cron.EntryID
}

// New builds a Scheduler. defaults seed the config singleton on first load.
func New(db *store.Store, trigger DetectionTrigger, log *slog.Logger, defaults store.SchedulerDefaults, retentionDays int) *Scheduler {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Scheduler{
		db:            db,
		trigger:       trigger,
		log:           log,
		defaults:      defaults,
		retentionDays: retentionDays,
	}
}

// Start loads the config and begins ticking. Call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) error {
	cfg, err := s.db.GetSchedulerConfig(ctx, s.defaults)
	if err != nil {
		return err
	}
	return s.rebuild(cfg)
}

// Reload re-reads the config and swaps the cron entries. Invoked by the
// config-update API.
func (s *Scheduler) Reload(ctx context.Context) error {
	cfg, err := s.db.GetSchedulerConfig(ctx, s.defaults)
	if err != nil {
		return err
	}
	return s.rebuild(cfg)
}

// Stop halts the runner and waits for in-flight entry functions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	runner := s.runner
	s.runner = nil
	s.mu.Unlock()

	if runner != nil {
		<-runner.Stop().Done()
	}
}

// NextRun reports when the detection entry fires next; zero when disabled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runner == nil || s.detection == 0 {
		return time.Time{}
	}
	return s.runner.Entry(s.detection).Next
}

// rebuild replaces the runner wholesale. A fresh cron.Cron per rebuild keeps
// the timezone change path trivial.
func (s *Scheduler) rebuild(cfg *store.SchedulerConfig) error {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return fmt.Errorf("sched: load timezone %q: %w", cfg.Timezone, err)
	}

	runner := cron.New(cron.WithLocation(loc))

	var detectionID cron.EntryID
	if cfg.Enabled {
		snapshot := *cfg
		detectionID, err = runner.AddFunc(cfg.CronExpr, func() { s.runDetection(&snapshot) })
		if err != nil {
			return fmt.Errorf("sched: add detection entry %q: %w", cfg.CronExpr, err)
		}
	}
	if _, err := runner.AddFunc(cleanupSpec, s.runCleanup); err != nil {
		return fmt.Errorf("sched: add cleanup entry: %w", err)
	}

	s.mu.Lock()
	old := s.runner
	s.runner = runner
	s.detection = detectionID
	s.mu.Unlock()

	if old != nil {
		<-old.Stop().Done()
	}
	runner.Start()

	s.log.Info("scheduler loaded",
		"enabled", cfg.Enabled, "cron", cfg.CronExpr, "timezone", cfg.Timezone, "probe_all", cfg.ProbeAll)
	return nil
}

// runDetection fires one scheduled run. A run already in progress is logged
// and skipped, never treated as an error.
func (s *Scheduler) runDetection(cfg *store.SchedulerConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if cfg.ProbeAll {
		_, err := s.trigger.TriggerFullDetection(ctx, true)
		s.logTriggerOutcome("full", err)
		return
	}

	for _, channelID := range cfg.SelectedChannelIDs {
		_, err := s.trigger.TriggerChannelDetection(ctx, channelID, cfg.SelectedModelIDs[channelID])
		s.logTriggerOutcome(fmt.Sprintf("channel %d", channelID), err)
	}
}

func (s *Scheduler) logTriggerOutcome(scope string, err error) {
	switch {
	case errors.Is(err, detect.ErrDetectionRunning):
		s.log.Info("scheduled detection skipped, run already active", "scope", scope)
	case err != nil:
		s.log.Error("scheduled detection failed", "scope", scope, "error", err)
	default:
		s.log.Info("scheduled detection started", "scope", scope)
	}
}

// runCleanup purges probe logs past the retention window.
func (s *Scheduler) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.retentionDays)
	removed, err := s.db.PurgeProbeLogs(ctx, cutoff)
	if err != nil {
		s.log.Error("probe log cleanup failed", "error", err)
		return
	}
	s.log.Info("probe log cleanup done", "removed", removed, "older_than", cutoff.Format(time.RFC3339))
}
