// Package progress fans detection progress out to SSE subscribers over
// Redis pub/sub. Delivery is best-effort: a slow or absent subscriber never
// back-pressures the workers.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const pubsubChannel = "detection:progress"

// HeartbeatInterval is the maximum subscriber silence before a synthetic
// heartbeat event is injected.
const HeartbeatInterval = 30 * time.Second

// Event kinds.
const (
	KindConnected = "connected"
	KindProgress  = "progress"
	KindHeartbeat = "heartbeat"
	KindError     = "error"
)

// Event is one progress bus message.
type Event struct {
	Kind string `json:"kind"`

	ChannelID       uint   `json:"channelId,omitempty"`
	ModelID         uint   `json:"modelId,omitempty"`
	ModelName       string `json:"modelName,omitempty"`
	Status          string `json:"status,omitempty"`
	Latency         int64  `json:"latency,omitempty"`
	EndpointType    string `json:"endpointType,omitempty"`
	IsModelComplete bool   `json:"isModelComplete,omitempty"`

	// Message carries the diagnostic for error events.
	Message string `json:"message,omitempty"`

	At time.Time `json:"at"`
}

// Bus is the Redis-backed publish side plus subscription factory.
type Bus struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewBus wraps a Redis client.
func NewBus(rdb *redis.Client, log *slog.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

// Publish sends one event. Failures are logged, never propagated: progress
// is advisory and must not fail a probe.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("progress: marshal event failed", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, pubsubChannel, payload).Err(); err != nil {
		b.log.Warn("progress: publish failed", "error", err)
	}
}

// Subscribe opens a subscription that lives until ctx is done. The returned
// channel first yields a connected event, then decoded bus events, with
// heartbeats injected after HeartbeatInterval of silence. The channel closes
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event, 16)
	sub := b.rdb.Subscribe(ctx, pubsubChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		out <- Event{Kind: KindConnected, At: time.Now()}

		msgs := sub.Channel()
		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("progress: drop undecodable event", "error", err)
					continue
				}
				heartbeat.Reset(HeartbeatInterval)
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}

			case t := <-heartbeat.C:
				// Drop the heartbeat rather than block: progress events
				// always take precedence over liveness padding.
				select {
				case out <- Event{Kind: KindHeartbeat, At: t}:
				default:
				}
			}
		}
	}()

	return out
}
