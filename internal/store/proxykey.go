package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// CreateProxyKey inserts a new gateway key.
func (s *Store) CreateProxyKey(ctx context.Context, k *ProxyKey) error {
	if err := s.db.WithContext(ctx).Create(k).Error; err != nil {
		return fmt.Errorf("store: create proxy key: %w", err)
	}
	return nil
}

// GetProxyKey fetches one key by id.
func (s *Store) GetProxyKey(ctx context.Context, id uint) (*ProxyKey, error) {
	var k ProxyKey
	err := s.db.WithContext(ctx).First(&k, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get proxy key %d: %w", id, err)
	}
	return &k, nil
}

// ListProxyKeys returns all keys, newest first.
func (s *Store) ListProxyKeys(ctx context.Context) ([]ProxyKey, error) {
	var ks []ProxyKey
	err := s.db.WithContext(ctx).Order("id DESC").Find(&ks).Error
	if err != nil {
		return nil, fmt.Errorf("store: list proxy keys: %w", err)
	}
	return ks, nil
}

// FindProxyKeyByValue looks up a key by its secret value.
func (s *Store) FindProxyKeyByValue(ctx context.Context, value string) (*ProxyKey, error) {
	var k ProxyKey
	err := s.db.WithContext(ctx).Where("key = ?", value).First(&k).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find proxy key: %w", err)
	}
	return &k, nil
}

// UpdateProxyKey saves an edited key row.
func (s *Store) UpdateProxyKey(ctx context.Context, k *ProxyKey) error {
	if err := s.db.WithContext(ctx).Save(k).Error; err != nil {
		return fmt.Errorf("store: update proxy key %d: %w", k.ID, err)
	}
	return nil
}

// DeleteProxyKey removes a key.
func (s *Store) DeleteProxyKey(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&ProxyKey{}, id)
	if res.Error != nil {
		return fmt.Errorf("store: delete proxy key %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProxyKey bumps the usage counter and last-used timestamp.
// Fire-and-forget on the auth path; failures only surface in logs.
func (s *Store) TouchProxyKey(ctx context.Context, id uint) error {
	t := now()
	err := s.db.WithContext(ctx).Model(&ProxyKey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": &t,
		}).Error
	if err != nil {
		return fmt.Errorf("store: touch proxy key %d: %w", id, err)
	}
	return nil
}
