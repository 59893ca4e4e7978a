package detect

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func testJob(channelID, modelID uint, endpoint string) *Job {
	return &Job{
		ChannelID:    channelID,
		ChannelName:  "ch",
		BaseURL:      "https://u.example",
		APIKey:       "K",
		ModelID:      modelID,
		ModelName:    "gpt-4o",
		EndpointType: endpoint,
	}
}

func TestQueueEnqueueLease(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	job := testJob(1, 2, "CHAT")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Fatal("enqueue must mint an id")
	}

	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if leased == nil || leased.ID != job.ID {
		t.Fatalf("leased = %+v, want id %s", leased, job.ID)
	}

	counts, err := q.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if counts.Active != 1 || counts.Waiting != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	if len(counts.TestingChannelIDs) != 1 || counts.TestingChannelIDs[0] != 1 {
		t.Fatalf("testing channels = %v", counts.TestingChannelIDs)
	}

	// Empty queue leases nothing.
	if extra, err := q.Lease(ctx); err != nil || extra != nil {
		t.Fatalf("lease on empty = (%+v, %v)", extra, err)
	}
}

func TestQueueJobIDsDistinctAcrossEnqueues(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	a := testJob(1, 2, "CHAT")
	b := testJob(1, 2, "CHAT")
	if err := q.Enqueue(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(ctx, b); err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID {
		t.Fatalf("simultaneous enqueues must get distinct ids, both %s", a.ID)
	}
}

func TestQueuePromoteDue(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	job := testJob(1, 2, "CHAT")
	job.ID = "1-2-CHAT-0-1"
	if err := q.EnqueueDelayed(ctx, job, -time.Second); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	later := testJob(1, 3, "CHAT")
	later.ID = "1-3-CHAT-0-2"
	if err := q.EnqueueDelayed(ctx, later, time.Hour); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}

	n, err := q.PromoteDue(ctx)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d, want 1", n)
	}

	counts, _ := q.Snapshot(ctx)
	if counts.Waiting != 1 || counts.Delayed != 1 {
		t.Fatalf("counts = %+v", counts)
	}
}

func TestQueueFailRetriesThenFinal(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	job := testJob(1, 2, "CHAT")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		leased := leaseRetry(t, q)
		final, err := q.Fail(ctx, leased, "connect refused")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		if final {
			t.Fatalf("attempt %d must not be final", attempt)
		}
		// Force the delayed retry due so the next lease sees it.
		if err := q.rdb.ZAdd(ctx, keyDelayed, redis.Z{Score: 0, Member: leased.ID}).Err(); err != nil {
			t.Fatal(err)
		}
		if _, err := q.PromoteDue(ctx); err != nil {
			t.Fatal(err)
		}
	}

	leased := leaseRetry(t, q)
	final, err := q.Fail(ctx, leased, "connect refused")
	if err != nil {
		t.Fatal(err)
	}
	if !final {
		t.Fatal("third failure must be final")
	}

	counts, _ := q.Snapshot(ctx)
	if counts.Failed != 1 || counts.Waiting != 0 || counts.Active != 0 || counts.Delayed != 0 {
		t.Fatalf("counts = %+v", counts)
	}
}

func leaseRetry(t *testing.T, q *Queue) *Job {
	t.Helper()
	job, err := q.Lease(context.Background())
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if job == nil {
		t.Fatal("expected a leased job")
	}
	return job
}

func TestQueueCompleteMovesToCappedList(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	job := testJob(1, 2, "CHAT")
	if err := q.Enqueue(ctx, job); err != nil {
		t.Fatal(err)
	}
	leased := leaseRetry(t, q)
	if err := q.Complete(ctx, leased); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, _ := q.Snapshot(ctx)
	if counts.Completed != 1 || counts.Active != 0 {
		t.Fatalf("counts = %+v", counts)
	}
	// Payload is gone once finished.
	if _, err := q.loadJob(ctx, leased.ID); err != ErrJobNotFound {
		t.Fatalf("load finished job err = %v, want ErrJobNotFound", err)
	}
}

func TestQueueClear(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testJob(1, uint(i+1), "CHAT")); err != nil {
			t.Fatal(err)
		}
	}
	delayed := testJob(2, 9, "CHAT")
	delayed.ID = "2-9-CHAT-0-9"
	if err := q.EnqueueDelayed(ctx, delayed, time.Hour); err != nil {
		t.Fatal(err)
	}

	cleared, err := q.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if cleared != 4 {
		t.Fatalf("cleared = %d, want 4", cleared)
	}

	counts, _ := q.Snapshot(ctx)
	if counts.Waiting != 0 || counts.Delayed != 0 {
		t.Fatalf("counts = %+v", counts)
	}

	// Second clear is a no-op.
	cleared, err = q.Clear(ctx)
	if err != nil || cleared != 0 {
		t.Fatalf("second clear = (%d, %v), want (0, nil)", cleared, err)
	}
}

func TestQueueChannelPending(t *testing.T) {
	q := NewQueue(newTestRedis(t))
	ctx := context.Background()

	if err := q.Enqueue(ctx, testJob(7, 1, "CHAT")); err != nil {
		t.Fatal(err)
	}

	pending, err := q.ChannelPending(ctx, 7)
	if err != nil || !pending {
		t.Fatalf("channel 7 pending = (%v, %v), want true", pending, err)
	}
	pending, err = q.ChannelPending(ctx, 8)
	if err != nil || pending {
		t.Fatalf("channel 8 pending = (%v, %v), want false", pending, err)
	}
}

func TestSemaphoreCaps(t *testing.T) {
	sems := NewSemaphores(newTestRedis(t), 2, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := sems.AcquireGlobal(ctx)
		if err != nil || !ok {
			t.Fatalf("acquire %d = (%v, %v)", i, ok, err)
		}
	}
	ok, err := sems.AcquireGlobal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("third acquire must refuse at cap 2")
	}

	if err := sems.ReleaseGlobal(ctx); err != nil {
		t.Fatal(err)
	}
	ok, _ = sems.AcquireGlobal(ctx)
	if !ok {
		t.Fatal("acquire after release must succeed")
	}

	ok, _ = sems.AcquireChannel(ctx, 3)
	if !ok {
		t.Fatal("first channel acquire must succeed")
	}
	ok, _ = sems.AcquireChannel(ctx, 3)
	if ok {
		t.Fatal("second channel acquire must refuse at cap 1")
	}
	// A different channel has its own counter.
	ok, _ = sems.AcquireChannel(ctx, 4)
	if !ok {
		t.Fatal("other channel acquire must succeed")
	}
}

func TestSemaphoreReleaseNeverGoesNegative(t *testing.T) {
	sems := NewSemaphores(newTestRedis(t), 2, 2)
	ctx := context.Background()

	if err := sems.ReleaseGlobal(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := sems.GlobalCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("count after spurious release = %d", n)
	}

	// Both slots must still be acquirable.
	for i := 0; i < 2; i++ {
		if ok, _ := sems.AcquireGlobal(ctx); !ok {
			t.Fatalf("acquire %d refused after spurious release", i)
		}
	}
}

func TestSemaphoreReset(t *testing.T) {
	sems := NewSemaphores(newTestRedis(t), 5, 5)
	ctx := context.Background()

	sems.AcquireGlobal(ctx)
	sems.AcquireChannel(ctx, 1)
	sems.AcquireChannel(ctx, 2)

	if err := sems.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}

	if n, _ := sems.GlobalCount(ctx); n != 0 {
		t.Fatalf("global after reset = %d", n)
	}
	if n, _ := sems.ChannelCount(ctx, 1); n != 0 {
		t.Fatalf("channel 1 after reset = %d", n)
	}
	if n, _ := sems.ChannelCount(ctx, 2); n != 0 {
		t.Fatalf("channel 2 after reset = %d", n)
	}
}

func TestStopFlag(t *testing.T) {
	flag := NewStopFlag(newTestRedis(t))
	ctx := context.Background()

	if set, _ := flag.IsSet(ctx); set {
		t.Fatal("flag must start cleared")
	}
	if err := flag.Set(ctx); err != nil {
		t.Fatal(err)
	}
	if set, _ := flag.IsSet(ctx); !set {
		t.Fatal("flag must be set after Set")
	}
	if err := flag.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if set, _ := flag.IsSet(ctx); set {
		t.Fatal("flag must be cleared after Clear")
	}
}

func TestBackoffDelay(t *testing.T) {
	if d := backoffDelay(1); d != 5*time.Second {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := backoffDelay(2); d != 10*time.Second {
		t.Errorf("attempt 2 delay = %v", d)
	}
	if d := backoffDelay(3); d != 20*time.Second {
		t.Errorf("attempt 3 delay = %v", d)
	}
}
