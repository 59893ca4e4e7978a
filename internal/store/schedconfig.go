package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// SchedulerDefaults seeds the singleton row on first access.
type SchedulerDefaults struct {
	Enabled              bool
	CronExpr             string
	Timezone             string
	ChannelConcurrency   int
	MaxGlobalConcurrency int
	MinDelayMs           int
	MaxDelayMs           int
}

// GetSchedulerConfig returns the singleton scheduler configuration, creating
// it from defaults when the table is empty.
func (s *Store) GetSchedulerConfig(ctx context.Context, defaults SchedulerDefaults) (*SchedulerConfig, error) {
	var cfg SchedulerConfig
	err := s.db.WithContext(ctx).First(&cfg).Error
	if err == nil {
		return &cfg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: get scheduler config: %w", err)
	}

	cfg = SchedulerConfig{
		Enabled:              defaults.Enabled,
		CronExpr:             defaults.CronExpr,
		Timezone:             defaults.Timezone,
		ChannelConcurrency:   defaults.ChannelConcurrency,
		MaxGlobalConcurrency: defaults.MaxGlobalConcurrency,
		MinDelayMs:           defaults.MinDelayMs,
		MaxDelayMs:           defaults.MaxDelayMs,
		ProbeAll:             true,
	}
	if err := s.db.WithContext(ctx).Create(&cfg).Error; err != nil {
		// Concurrent seed; re-read the winner.
		var existing SchedulerConfig
		if ferr := s.db.WithContext(ctx).First(&existing).Error; ferr == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("store: seed scheduler config: %w", err)
	}
	return &cfg, nil
}

// UpdateSchedulerConfig replaces the singleton row atomically. The caller
// passes the full desired state; partial updates are composed by the API
// layer before calling this.
func (s *Store) UpdateSchedulerConfig(ctx context.Context, cfg *SchedulerConfig) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current SchedulerConfig
		err := tx.First(&current).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(cfg).Error; err != nil {
				return fmt.Errorf("store: create scheduler config: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("store: load scheduler config: %w", err)
		}

		cfg.ID = current.ID
		if err := tx.Save(cfg).Error; err != nil {
			return fmt.Errorf("store: update scheduler config: %w", err)
		}
		return nil
	})
}
