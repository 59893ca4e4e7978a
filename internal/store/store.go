// Package store owns the relational entities: channels, models, probe logs,
// proxy keys and the scheduler-config singleton.
//
// The default build uses the embedded pure-Go sqlite driver so the gateway
// runs with no native dependencies. All queries go through the Store type;
// callers never touch *gorm.DB directly.
package store

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store wraps the database handle and exposes typed queries.
type Store struct {
	db *gorm.DB
}

// Open connects to the database named by databaseURL and runs migrations.
//
// Supported URL forms:
//
//	sqlite://<path>   — embedded sqlite file
//	file::memory:...  — in-memory sqlite (tests)
func Open(databaseURL string) (*Store, error) {
	dsn := databaseURL
	if strings.HasPrefix(dsn, "sqlite://") {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a fresh, isolated in-memory store. Intended for tests;
// each call gets its own database.
func OpenMemory() (*Store, error) {
	name := fmt.Sprintf("memdb%d", atomic.AddInt64(&memSeq, 1))
	return Open("file:" + name + "?mode=memory&cache=shared")
}

var memSeq int64

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&Channel{},
		&Model{},
		&ProbeLog{},
		&ProxyKey{},
		&SchedulerConfig{},
	); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Ping verifies the underlying connection. Used by /readiness.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return nil
	}
	return sqlDB.Close()
}

// now is a level of indirection for tests that need a fixed clock.
var now = time.Now
