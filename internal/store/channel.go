package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// CreateChannel inserts a new channel.
func (s *Store) CreateChannel(ctx context.Context, c *Channel) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	return nil
}

// GetChannel fetches one channel by id.
func (s *Store) GetChannel(ctx context.Context, id uint) (*Channel, error) {
	var c Channel
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get channel %d: %w", id, err)
	}
	return &c, nil
}

// ListChannels returns all channels in deterministic routing order:
// sort_order, then name, then id.
func (s *Store) ListChannels(ctx context.Context) ([]Channel, error) {
	var cs []Channel
	err := s.db.WithContext(ctx).
		Order("sort_order ASC, name ASC, id ASC").
		Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list channels: %w", err)
	}
	return cs, nil
}

// ListEnabledChannels returns enabled channels in routing order.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]Channel, error) {
	var cs []Channel
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("sort_order ASC, name ASC, id ASC").
		Find(&cs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list enabled channels: %w", err)
	}
	return cs, nil
}

// UpdateChannel saves an edited channel row.
func (s *Store) UpdateChannel(ctx context.Context, c *Channel) error {
	if err := s.db.WithContext(ctx).Save(c).Error; err != nil {
		return fmt.Errorf("store: update channel %d: %w", c.ID, err)
	}
	return nil
}

// DeleteChannel removes a channel and cascades to its models and their
// probe logs.
func (s *Store) DeleteChannel(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var modelIDs []uint
		if err := tx.Model(&Model{}).Where("channel_id = ?", id).
			Pluck("id", &modelIDs).Error; err != nil {
			return fmt.Errorf("store: list models of channel %d: %w", id, err)
		}
		if len(modelIDs) > 0 {
			if err := tx.Where("model_id IN ?", modelIDs).
				Delete(&ProbeLog{}).Error; err != nil {
				return fmt.Errorf("store: delete probe logs of channel %d: %w", id, err)
			}
		}
		if err := tx.Where("channel_id = ?", id).Delete(&Model{}).Error; err != nil {
			return fmt.Errorf("store: delete models of channel %d: %w", id, err)
		}
		res := tx.Delete(&Channel{}, id)
		if res.Error != nil {
			return fmt.Errorf("store: delete channel %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// FindChannelByDedupeKey looks up a channel by its (baseURL, credential)
// identity. Used by import and the WebDAV reconcile.
func (s *Store) FindChannelByDedupeKey(ctx context.Context, baseURL, credential string) (*Channel, error) {
	var c Channel
	err := s.db.WithContext(ctx).
		Where("base_url = ? AND credential = ?", baseURL, credential).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find channel by identity: %w", err)
	}
	return &c, nil
}
