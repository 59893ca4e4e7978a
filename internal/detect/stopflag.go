package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyStopFlag = "detection:stopflag"

	// stopFlagTTL bounds how long a stale stop flag can linger if the
	// clearing start never comes.
	stopFlagTTL = time.Hour
)

// StopFlag is the shared halt signal polled by workers before each job.
type StopFlag struct {
	rdb *redis.Client
}

// NewStopFlag wraps a Redis client.
func NewStopFlag(rdb *redis.Client) *StopFlag {
	return &StopFlag{rdb: rdb}
}

// Set raises the flag.
func (f *StopFlag) Set(ctx context.Context) error {
	if err := f.rdb.Set(ctx, keyStopFlag, "1", stopFlagTTL).Err(); err != nil {
		return fmt.Errorf("detect: set stop flag: %w", err)
	}
	return nil
}

// Clear lowers the flag; a fresh detection start always clears it.
func (f *StopFlag) Clear(ctx context.Context) error {
	if err := f.rdb.Del(ctx, keyStopFlag).Err(); err != nil {
		return fmt.Errorf("detect: clear stop flag: %w", err)
	}
	return nil
}

// IsSet reports whether the flag is raised.
func (f *StopFlag) IsSet(ctx context.Context) (bool, error) {
	n, err := f.rdb.Exists(ctx, keyStopFlag).Result()
	if err != nil {
		return false, fmt.Errorf("detect: read stop flag: %w", err)
	}
	return n > 0, nil
}
