package detect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout. Everything lives under the detection: prefix so a
// shared Redis can host other tenants.
const (
	keyWaiting   = "detection:queue:waiting" // LIST of job ids, FIFO
	keyDelayed   = "detection:queue:delayed" // ZSET job id -> ready-at unix ms
	keyActive    = "detection:queue:active"  // HASH job id -> leased-at unix ms
	keyCompleted = "detection:queue:completed"
	keyFailed    = "detection:queue:failed"
	keyJobPrefix = "detection:job:" // job JSON per id
	keyJobSeq    = "detection:jobseq"
)

// Inspection paging limits.
const (
	inspectWaitingLimit = 1000
	inspectDelayedLimit = 1000
	inspectActiveLimit  = 100
)

// ErrJobNotFound is returned when a leased job's payload has expired or was
// cleared underneath the worker.
var ErrJobNotFound = errors.New("detect: job not found")

// Queue is the Redis-backed job store.
type Queue struct {
	rdb *redis.Client
}

// NewQueue wraps a Redis client.
func NewQueue(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// promoteScript atomically moves due members of the delayed zset onto the
// waiting list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #due
`)

// Enqueue stores the job payload and appends it to the waiting list. A fresh
// id is minted when the job has none.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.ID == "" {
		seq, err := q.rdb.Incr(ctx, keyJobSeq).Result()
		if err != nil {
			return fmt.Errorf("detect: job seq: %w", err)
		}
		job.ID = jobID(job.ChannelID, job.ModelID, job.EndpointType, time.Now(), seq)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}

	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, keyWaiting, job.ID).Err(); err != nil {
		return fmt.Errorf("detect: enqueue %s: %w", job.ID, err)
	}
	return nil
}

// EnqueueDelayed stores the job payload and schedules it for after delay.
func (q *Queue) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	if err := q.saveJob(ctx, job); err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: readyAt, Member: job.ID}).Err(); err != nil {
		return fmt.Errorf("detect: delay %s: %w", job.ID, err)
	}
	return nil
}

// PromoteDue moves delayed jobs whose ready time has passed onto the waiting
// list. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	nowMs := time.Now().UnixMilli()
	n, err := promoteScript.Run(ctx, q.rdb, []string{keyDelayed, keyWaiting}, nowMs).Int()
	if err != nil {
		return 0, fmt.Errorf("detect: promote due: %w", err)
	}
	return n, nil
}

// Lease pops one waiting job and marks it active. Returns (nil, nil) when
// the waiting list is empty.
func (q *Queue) Lease(ctx context.Context) (*Job, error) {
	id, err := q.rdb.LPop(ctx, keyWaiting).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("detect: lease: %w", err)
	}

	job, err := q.loadJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := q.rdb.HSet(ctx, keyActive, id, time.Now().UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("detect: mark active %s: %w", id, err)
	}
	return job, nil
}

// Requeue returns an active job to the waiting list without consuming an
// attempt, used when a semaphore slot was unavailable.
func (q *Queue) Requeue(ctx context.Context, job *Job, delay time.Duration) error {
	if err := q.rdb.HDel(ctx, keyActive, job.ID).Err(); err != nil {
		return fmt.Errorf("detect: unmark active %s: %w", job.ID, err)
	}
	return q.EnqueueDelayed(ctx, job, delay)
}

// Ack drops an active job without recording an outcome, used when the stop
// flag consumed it.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, keyActive, job.ID)
	pipe.Del(ctx, keyJobPrefix+job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("detect: ack %s: %w", job.ID, err)
	}
	return nil
}

// Complete moves an active job onto the capped completed list.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	job.Status = StatusSuccess
	return q.finish(ctx, job, keyCompleted, CompletedCap, CompletedRetention)
}

// Fail records a failed attempt. Jobs with attempts left are rescheduled
// with exponential backoff; exhausted jobs land on the capped failed list.
// Returns true when the job is finally failed.
func (q *Queue) Fail(ctx context.Context, job *Job, errMsg string) (bool, error) {
	job.Attempts++
	job.ErrorMessage = errMsg

	if job.Attempts < MaxAttempts {
		if err := q.rdb.HDel(ctx, keyActive, job.ID).Err(); err != nil {
			return false, fmt.Errorf("detect: unmark active %s: %w", job.ID, err)
		}
		return false, q.EnqueueDelayed(ctx, job, backoffDelay(job.Attempts))
	}

	job.Status = StatusFail
	if err := q.finish(ctx, job, keyFailed, FailedCap, FailedRetention); err != nil {
		return false, err
	}
	return true, nil
}

// FailFinal bypasses the retry policy, used by pause-and-drain to mark an
// in-flight job as stopped.
func (q *Queue) FailFinal(ctx context.Context, job *Job, errMsg string) error {
	job.Status = StatusFail
	job.ErrorMessage = errMsg
	return q.finish(ctx, job, keyFailed, FailedCap, FailedRetention)
}

func (q *Queue) finish(ctx context.Context, job *Job, listKey string, keep int, retention time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("detect: marshal job %s: %w", job.ID, err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, keyActive, job.ID)
	pipe.Del(ctx, keyJobPrefix+job.ID)
	pipe.LPush(ctx, listKey, payload)
	pipe.LTrim(ctx, listKey, 0, int64(keep-1))
	pipe.Expire(ctx, listKey, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("detect: finish %s: %w", job.ID, err)
	}
	return nil
}

// Counts is the queue snapshot served by the status endpoint.
type Counts struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Delayed   int64 `json:"delayed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	TestingChannelIDs []uint `json:"testingChannelIds"`
	TestingModelIDs   []uint `json:"testingModelIds"`
}

// Snapshot returns queue depths plus the channel/model ids currently in
// flight or queued, bounded by the inspection paging limits.
func (q *Queue) Snapshot(ctx context.Context) (*Counts, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.LLen(ctx, keyWaiting)
	active := pipe.HLen(ctx, keyActive)
	delayed := pipe.ZCard(ctx, keyDelayed)
	completed := pipe.LLen(ctx, keyCompleted)
	failed := pipe.LLen(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("detect: snapshot: %w", err)
	}

	counts := &Counts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}

	ids, err := q.pendingJobIDs(ctx)
	if err != nil {
		return nil, err
	}
	channelSet := map[uint]struct{}{}
	modelSet := map[uint]struct{}{}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, ok := channelSet[job.ChannelID]; !ok {
			channelSet[job.ChannelID] = struct{}{}
			counts.TestingChannelIDs = append(counts.TestingChannelIDs, job.ChannelID)
		}
		if _, ok := modelSet[job.ModelID]; !ok {
			modelSet[job.ModelID] = struct{}{}
			counts.TestingModelIDs = append(counts.TestingModelIDs, job.ModelID)
		}
	}
	return counts, nil
}

// HasPending reports whether any job is waiting, delayed, or active.
func (q *Queue) HasPending(ctx context.Context) (bool, error) {
	c, err := q.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return c.Waiting > 0 || c.Active > 0 || c.Delayed > 0, nil
}

// ChannelPending reports whether any pending job targets the channel.
func (q *Queue) ChannelPending(ctx context.Context, channelID uint) (bool, error) {
	ids, err := q.pendingJobIDs(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		job, err := q.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if job.ChannelID == channelID {
			return true, nil
		}
	}
	return false, nil
}

// Clear drops all waiting and delayed jobs with their payloads and returns
// how many were removed. Active jobs are untouched; the drain path cancels
// those individually.
func (q *Queue) Clear(ctx context.Context) (int, error) {
	waiting, err := q.rdb.LRange(ctx, keyWaiting, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("detect: clear waiting: %w", err)
	}
	delayed, err := q.rdb.ZRange(ctx, keyDelayed, 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("detect: clear delayed: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, keyWaiting, keyDelayed)
	for _, id := range append(waiting, delayed...) {
		pipe.Del(ctx, keyJobPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("detect: clear: %w", err)
	}
	return len(waiting) + len(delayed), nil
}

// pendingJobIDs enumerates waiting, delayed, and active job ids under the
// inspection paging limits.
func (q *Queue) pendingJobIDs(ctx context.Context) ([]string, error) {
	waiting, err := q.rdb.LRange(ctx, keyWaiting, 0, inspectWaitingLimit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("detect: list waiting: %w", err)
	}
	delayed, err := q.rdb.ZRange(ctx, keyDelayed, 0, inspectDelayedLimit-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("detect: list delayed: %w", err)
	}
	active, err := q.rdb.HKeys(ctx, keyActive).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("detect: list active: %w", err)
	}
	if len(active) > inspectActiveLimit {
		active = active[:inspectActiveLimit]
	}

	ids := make([]string, 0, len(waiting)+len(delayed)+len(active))
	ids = append(ids, waiting...)
	ids = append(ids, delayed...)
	ids = append(ids, active...)
	return ids, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("detect: marshal job %s: %w", job.ID, err)
	}
	// Payload TTL outlives any retry backoff chain by a wide margin.
	if err := q.rdb.Set(ctx, keyJobPrefix+job.ID, payload, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("detect: save job %s: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	payload, err := q.rdb.Get(ctx, keyJobPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("detect: load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("detect: decode job %s: %w", id, err)
	}
	return &job, nil
}
