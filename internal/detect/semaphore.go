package detect

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Semaphore key layout.
const (
	keySemGlobal        = "detection:semaphore:global"
	keySemChannelPrefix = "detection:semaphore:channel:"
)

// acquireScript increments the counter only while below the cap.
var acquireScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count < tonumber(ARGV[1]) then
  redis.call('INCR', KEYS[1])
  return 1
end
return 0
`)

// releaseScript decrements but never below zero, so a double release after
// a reset cannot wedge the counter negative.
var releaseScript = redis.NewScript(`
local count = tonumber(redis.call('GET', KEYS[1]) or '0')
if count > 0 then
  redis.call('DECR', KEYS[1])
end
return count
`)

// Semaphores holds the two-level probe admission counters in Redis.
type Semaphores struct {
	rdb        *redis.Client
	globalCap  int
	channelCap int
}

// NewSemaphores wraps a Redis client with the configured caps.
func NewSemaphores(rdb *redis.Client, globalCap, channelCap int) *Semaphores {
	return &Semaphores{rdb: rdb, globalCap: globalCap, channelCap: channelCap}
}

func channelSemKey(channelID uint) string {
	return keySemChannelPrefix + strconv.FormatUint(uint64(channelID), 10)
}

// AcquireGlobal tries to take a global slot.
func (s *Semaphores) AcquireGlobal(ctx context.Context) (bool, error) {
	ok, err := acquireScript.Run(ctx, s.rdb, []string{keySemGlobal}, s.globalCap).Int()
	if err != nil {
		return false, fmt.Errorf("detect: acquire global slot: %w", err)
	}
	return ok == 1, nil
}

// ReleaseGlobal frees a global slot.
func (s *Semaphores) ReleaseGlobal(ctx context.Context) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{keySemGlobal}).Err(); err != nil {
		return fmt.Errorf("detect: release global slot: %w", err)
	}
	return nil
}

// AcquireChannel tries to take a slot for one channel.
func (s *Semaphores) AcquireChannel(ctx context.Context, channelID uint) (bool, error) {
	ok, err := acquireScript.Run(ctx, s.rdb, []string{channelSemKey(channelID)}, s.channelCap).Int()
	if err != nil {
		return false, fmt.Errorf("detect: acquire channel %d slot: %w", channelID, err)
	}
	return ok == 1, nil
}

// ReleaseChannel frees a channel slot.
func (s *Semaphores) ReleaseChannel(ctx context.Context, channelID uint) error {
	if err := releaseScript.Run(ctx, s.rdb, []string{channelSemKey(channelID)}).Err(); err != nil {
		return fmt.Errorf("detect: release channel %d slot: %w", channelID, err)
	}
	return nil
}

// Reset zeroes the global counter and every per-channel counter. Used by
// pause-and-drain so a crashed worker cannot leak slots forever.
func (s *Semaphores) Reset(ctx context.Context) error {
	keys := []string{keySemGlobal}
	iter := s.rdb.Scan(ctx, 0, keySemChannelPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("detect: scan semaphores: %w", err)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("detect: reset semaphores: %w", err)
	}
	return nil
}

// GlobalCount reads the current global counter, for metrics and tests.
func (s *Semaphores) GlobalCount(ctx context.Context) (int, error) {
	v, err := s.rdb.Get(ctx, keySemGlobal).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("detect: read global counter: %w", err)
	}
	return v, nil
}

// ChannelCount reads one channel counter, for metrics and tests.
func (s *Semaphores) ChannelCount(ctx context.Context, channelID uint) (int, error) {
	v, err := s.rdb.Get(ctx, channelSemKey(channelID)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("detect: read channel %d counter: %w", channelID, err)
	}
	return v, nil
}
