// Package probelog implements a non-blocking, batched analytics mirror of
// probe outcomes into ClickHouse.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine — so mirroring never blocks the worker pool. If
// the channel fills up (> 10 000 entries), new entries are dropped and
// counted in Dropped. The mirror is optional: it only exists when
// CLICKHOUSE_URL is configured, and the relational store stays the source of
// truth either way.
package probelog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	tableDDL = `
CREATE TABLE IF NOT EXISTS probe_logs (
    id            UUID,
    channel_id    UInt32,
    channel_name  String,
    model_id      UInt32,
    model_name    String,
    endpoint_type LowCardinality(String),
    status        LowCardinality(String),
    latency_ms    UInt32,
    upstream_code UInt16,
    error_message String,
    created_at    DateTime
) ENGINE = MergeTree()
ORDER BY (model_id, created_at)
TTL created_at + INTERVAL 90 DAY`

	insertStmt = "INSERT INTO probe_logs"
)

// Entry is one mirrored probe outcome.
type Entry struct {
	ID           uuid.UUID
	ChannelID    uint32
	ChannelName  string
	ModelID      uint32
	ModelName    string
	EndpointType string
	Status       string
	LatencyMs    uint32
	UpstreamCode uint16
	ErrorMessage string
	CreatedAt    time.Time
}

// Mirror batches entries into ClickHouse.
type Mirror struct {
	conn      driver.Conn
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	log     *slog.Logger
}

// New connects using a ClickHouse DSN, creates the table, and starts the
// flusher.
func New(ctx context.Context, dsn string, log *slog.Logger) (*Mirror, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("probelog: parse dsn: %w", err)
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("probelog: connect: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("probelog: ping: %w", err)
	}
	if err := conn.Exec(ctx, tableDDL); err != nil {
		return nil, fmt.Errorf("probelog: create table: %w", err)
	}

	m := &Mirror{
		conn:    conn,
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     log,
	}
	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Log enqueues one entry without blocking.
func (m *Mirror) Log(entry Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	select {
	case m.ch <- entry:
	default:
		atomic.AddInt64(&m.dropped, 1)
	}
}

// Dropped reports how many entries were discarded due to backpressure.
func (m *Mirror) Dropped() int64 {
	return atomic.LoadInt64(&m.dropped)
}

// Close drains pending entries and shuts the connection.
func (m *Mirror) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return m.conn.Close()
}

func (m *Mirror) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := m.insert(batch); err != nil {
			m.log.Warn("probe log mirror flush failed", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-m.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-m.done:
			// Drain whatever is still buffered, then flush once.
			for {
				select {
				case entry := <-m.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (m *Mirror) insert(entries []Entry) error {
	ctx, cancel := context.WithTimeout(m.baseCtx, 10*time.Second)
	defer cancel()

	batch, err := m.conn.PrepareBatch(ctx, insertStmt)
	if err != nil {
		return fmt.Errorf("probelog: prepare batch: %w", err)
	}
	for _, e := range entries {
		if err := batch.Append(
			e.ID,
			e.ChannelID,
			e.ChannelName,
			e.ModelID,
			e.ModelName,
			e.EndpointType,
			e.Status,
			e.LatencyMs,
			e.UpstreamCode,
			e.ErrorMessage,
			e.CreatedAt,
		); err != nil {
			return fmt.Errorf("probelog: append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("probelog: send batch: %w", err)
	}
	return nil
}
