package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// GetModel fetches one model by id.
func (s *Store) GetModel(ctx context.Context, id uint) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get model %d: %w", id, err)
	}
	return &m, nil
}

// ListModels returns all models of a channel ordered by name.
func (s *Store) ListModels(ctx context.Context, channelID uint) ([]Model, error) {
	var ms []Model
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("name ASC").
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("store: list models of channel %d: %w", channelID, err)
	}
	return ms, nil
}

// FindModel looks up a model by its natural key (channel, name).
func (s *Store) FindModel(ctx context.Context, channelID uint, name string) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND name = ?", channelID, name).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find model %s: %w", name, err)
	}
	return &m, nil
}

// EnsureModel inserts a model row if the (channel, name) pair is unknown and
// returns the existing or new row. Used by the model-list sync.
func (s *Store) EnsureModel(ctx context.Context, channelID uint, name string) (*Model, bool, error) {
	m, err := s.FindModel(ctx, channelID, name)
	if err == nil {
		return m, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	m = &Model{ChannelID: channelID, Name: name}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		// Lost a race with a concurrent sync; fall back to the winner's row.
		if existing, ferr := s.FindModel(ctx, channelID, name); ferr == nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("store: create model %s: %w", name, err)
	}
	return m, true, nil
}

// DeleteModel removes a model and its probe logs.
func (s *Store) DeleteModel(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("model_id = ?", id).Delete(&ProbeLog{}).Error; err != nil {
			return fmt.Errorf("store: delete probe logs of model %d: %w", id, err)
		}
		res := tx.Delete(&Model{}, id)
		if res.Error != nil {
			return fmt.Errorf("store: delete model %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordProbeSuccess refreshes a model row after a successful probe: the
// endpoint joins the detected set and last-status fields are updated.
// Row-level serialisation comes from running inside a transaction keyed on
// the single row, so concurrent probes of different endpoints don't lose
// set entries.
func (s *Store) RecordProbeSuccess(ctx context.Context, modelID uint, endpoint string, latencyMs int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m Model
		if err := tx.First(&m, modelID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("store: load model %d: %w", modelID, err)
		}

		if !m.HasEndpoint(endpoint) {
			m.DetectedEndpoints = append(m.DetectedEndpoints, endpoint)
		}
		up := true
		t := now()
		m.LastStatus = &up
		m.LastLatencyMs = latencyMs
		m.LastCheckedAt = &t

		if err := tx.Save(&m).Error; err != nil {
			return fmt.Errorf("store: record probe success model %d: %w", modelID, err)
		}
		return nil
	})
}

// RecordProbeFailure refreshes last-status fields after a failed probe.
// The detected-endpoints set is deliberately left untouched so a transient
// failure does not un-detect an endpoint.
func (s *Store) RecordProbeFailure(ctx context.Context, modelID uint) error {
	down := false
	t := now()
	err := s.db.WithContext(ctx).Model(&Model{}).
		Where("id = ?", modelID).
		Updates(map[string]any{
			"last_status":     &down,
			"last_checked_at": &t,
		}).Error
	if err != nil {
		return fmt.Errorf("store: record probe failure model %d: %w", modelID, err)
	}
	return nil
}

// ListAvailableModels returns, per enabled channel, the models with at least
// one historical successful probe, in routing order. This backs /v1/models
// and router lookups.
func (s *Store) ListAvailableModels(ctx context.Context) ([]ChannelModels, error) {
	channels, err := s.ListEnabledChannels(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ChannelModels, 0, len(channels))
	for i := range channels {
		ms, err := s.ListModels(ctx, channels[i].ID)
		if err != nil {
			return nil, err
		}
		avail := ms[:0]
		for _, m := range ms {
			if m.Available() {
				avail = append(avail, m)
			}
		}
		out = append(out, ChannelModels{Channel: channels[i], Models: avail})
	}
	return out, nil
}

// ChannelModels pairs a channel with a subset of its models.
type ChannelModels struct {
	Channel Channel
	Models  []Model
}
