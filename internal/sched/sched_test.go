package sched

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/store"
)

type stubTrigger struct {
	mu       sync.Mutex
	full     int
	channels []uint
	err      error
}

func (s *stubTrigger) TriggerFullDetection(ctx context.Context, withSync bool) (*detect.TriggerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full++
	return &detect.TriggerResult{}, s.err
}

func (s *stubTrigger) TriggerChannelDetection(ctx context.Context, channelID uint, modelIDs []uint) (*detect.TriggerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = append(s.channels, channelID)
	return &detect.TriggerResult{}, s.err
}

func newTestScheduler(t *testing.T) (*Scheduler, *store.Store, *stubTrigger) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	trigger := &stubTrigger{}
	defaults := store.SchedulerDefaults{
		Enabled:  false,
		CronExpr: "0 */6 * * *",
		Timezone: "UTC",
	}
	return New(db, trigger, slog.Default(), defaults, 7), db, trigger
}

// TestStartSeedsConfig verifies the singleton is created from defaults and
// that a disabled config carries no detection entry.
func TestStartSeedsConfig(t *testing.T) {
	s, db, _ := newTestScheduler(t)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	cfg, err := db.GetSchedulerConfig(context.Background(), store.SchedulerDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.CronExpr != "0 */6 * * *" || cfg.Enabled {
		t.Fatalf("seeded config = %+v", cfg)
	}
	if !s.NextRun().IsZero() {
		t.Error("disabled scheduler must have no next detection run")
	}
}

// TestReloadRebuildsEntry verifies an enable-and-update cycle swaps the
// cron entry.
func TestReloadRebuildsEntry(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	cfg, err := db.GetSchedulerConfig(ctx, store.SchedulerDefaults{})
	if err != nil {
		t.Fatal(err)
	}
	cfg.Enabled = true
	cfg.CronExpr = "*/5 * * * *"
	cfg.ProbeAll = true
	if err := db.UpdateSchedulerConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}

	next := s.NextRun()
	if next.IsZero() {
		t.Fatal("enabled scheduler must have a next run")
	}
	if until := time.Until(next); until > 5*time.Minute+time.Second {
		t.Errorf("next run %v is further than the 5-minute schedule allows", until)
	}
}

// TestReloadRejectsBadTimezone verifies an invalid timezone fails without
// killing the running entry set.
func TestReloadRejectsBadTimezone(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	cfg, _ := db.GetSchedulerConfig(ctx, store.SchedulerDefaults{})
	cfg.Timezone = "Nowhere/Invalid"
	if err := db.UpdateSchedulerConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	if err := s.Reload(ctx); err == nil {
		t.Fatal("reload with bad timezone must fail")
	}
}

// TestRunDetectionSelective drives the selective path directly.
func TestRunDetectionSelective(t *testing.T) {
	s, _, trigger := newTestScheduler(t)

	s.runDetection(&store.SchedulerConfig{
		ProbeAll:           false,
		SelectedChannelIDs: []uint{3, 5},
		SelectedModelIDs:   map[uint][]uint{3: {10}},
	})

	trigger.mu.Lock()
	defer trigger.mu.Unlock()
	if trigger.full != 0 {
		t.Errorf("full triggers = %d, want 0", trigger.full)
	}
	if len(trigger.channels) != 2 || trigger.channels[0] != 3 || trigger.channels[1] != 5 {
		t.Errorf("channel triggers = %v", trigger.channels)
	}
}

// TestRunCleanup verifies the retention sweep removes only old rows.
func TestRunCleanup(t *testing.T) {
	s, db, _ := newTestScheduler(t)
	ctx := context.Background()

	ch := &store.Channel{Name: "c", BaseURL: "https://u.example", Credential: "K", Enabled: true}
	if err := db.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	m, _, err := db.EnsureModel(ctx, ch.ID, "gpt-4o")
	if err != nil {
		t.Fatal(err)
	}

	old := &store.ProbeLog{ModelID: m.ID, EndpointType: "CHAT", Status: store.ProbeSuccess}
	old.CreatedAt = time.Now().AddDate(0, 0, -30)
	if err := db.AppendProbeLog(ctx, old); err != nil {
		t.Fatal(err)
	}
	fresh := &store.ProbeLog{ModelID: m.ID, EndpointType: "CHAT", Status: store.ProbeSuccess}
	if err := db.AppendProbeLog(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	s.runCleanup()

	logs, err := db.ListProbeLogs(ctx, m.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs after cleanup = %d, want 1", len(logs))
	}
}
