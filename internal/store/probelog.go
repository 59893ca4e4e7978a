package store

import (
	"context"
	"fmt"
	"time"
)

// AppendProbeLog inserts one probe outcome. Rows are append-only; nothing
// ever mutates an existing ProbeLog.
func (s *Store) AppendProbeLog(ctx context.Context, l *ProbeLog) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("store: append probe log: %w", err)
	}
	return nil
}

// ListProbeLogs returns the most recent probe logs for a model, newest first.
func (s *Store) ListProbeLogs(ctx context.Context, modelID uint, limit int) ([]ProbeLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var ls []ProbeLog
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&ls).Error
	if err != nil {
		return nil, fmt.Errorf("store: list probe logs of model %d: %w", modelID, err)
	}
	return ls, nil
}

// HasProbeSuccess reports whether a model ever had a successful probe for
// the given endpoint type.
func (s *Store) HasProbeSuccess(ctx context.Context, modelID uint, endpoint string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&ProbeLog{}).
		Where("model_id = ? AND endpoint_type = ? AND status = ?", modelID, endpoint, ProbeSuccess).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: count probe successes: %w", err)
	}
	return n > 0, nil
}

// PurgeProbeLogs deletes probe logs older than the cutoff and returns the
// number of rows removed. Invoked by the retention cron.
func (s *Store) PurgeProbeLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("created_at < ?", olderThan).
		Delete(&ProbeLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: purge probe logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}
