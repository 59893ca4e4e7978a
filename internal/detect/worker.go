package detect

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/channel-gateway/internal/probelog"
	"github.com/nulpointcorp/channel-gateway/internal/progress"
	"github.com/nulpointcorp/channel-gateway/internal/store"
)

const (
	// pollInterval paces workers when the waiting list is empty.
	pollInterval = 500 * time.Millisecond

	// requeueDelay reschedules a job whose semaphore slot was refused.
	requeueDelay = time.Second

	// promoteInterval paces the delayed-to-waiting promoter.
	promoteInterval = time.Second
)

// errStopped is the cancellation cause used by pause-and-drain.
var errStopped = errors.New("detect: stopped by user")

// Metrics is the slice of the metrics registry the pool reports to.
// Optional; a nil recorder disables reporting.
type Metrics interface {
	ObserveProbe(endpoint, status string, latencyMs int64)
}

// Mirror receives a copy of every final probe outcome for analytics.
// Optional; a nil mirror disables it.
type Mirror interface {
	Log(entry probelog.Entry)
}

// Pool drains the queue with a fixed number of workers under the semaphore
// caps.
type Pool struct {
	queue    *Queue
	sems     *Semaphores
	stop     *StopFlag
	detector *Detector
	db       *store.Store
	bus      *progress.Bus
	log      *slog.Logger

	workers  int
	minDelay time.Duration
	maxDelay time.Duration

	metrics Metrics
	mirror  Mirror

	paused atomic.Bool

	mu       sync.Mutex
	inflight map[string]context.CancelCauseFunc
}

// SetMetrics attaches an optional probe-metrics recorder. Call before Run.
func (p *Pool) SetMetrics(m Metrics) { p.metrics = m }

// SetMirror attaches an optional analytics mirror. Call before Run.
func (p *Pool) SetMirror(m Mirror) { p.mirror = m }

// mirrorOutcome forwards one final outcome to the mirror when present.
func (p *Pool) mirrorOutcome(job *Job, status string, result ProbeResult) {
	if p.mirror == nil {
		return
	}
	p.mirror.Log(probelog.Entry{
		ChannelID:    uint32(job.ChannelID),
		ChannelName:  job.ChannelName,
		ModelID:      uint32(job.ModelID),
		ModelName:    job.ModelName,
		EndpointType: job.EndpointType,
		Status:       status,
		LatencyMs:    uint32(result.LatencyMs),
		UpstreamCode: uint16(result.UpstreamStatus),
		ErrorMessage: result.ErrorMessage,
	})
}

// PoolConfig carries the tunables for NewPool.
type PoolConfig struct {
	Workers    int
	MinDelayMs int
	MaxDelayMs int
}

// NewPool wires a worker pool. It does not start anything; call Run.
func NewPool(queue *Queue, sems *Semaphores, stop *StopFlag, detector *Detector, db *store.Store, bus *progress.Bus, log *slog.Logger, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	return &Pool{
		queue:    queue,
		sems:     sems,
		stop:     stop,
		detector: detector,
		db:       db,
		bus:      bus,
		log:      log,
		workers:  cfg.Workers,
		minDelay: time.Duration(cfg.MinDelayMs) * time.Millisecond,
		maxDelay: time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		inflight: make(map[string]context.CancelCauseFunc),
	}
}

// Run blocks until ctx is cancelled, operating the promoter and all workers.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.promoteLoop(ctx) })
	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.workerLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Pause stops job leasing; in-flight jobs keep running until cancelled or
// finished.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume re-enables job leasing.
func (p *Pool) Resume() { p.paused.Store(false) }

// CancelInflight cancels every in-flight job with the stop cause and
// returns how many were signalled.
func (p *Pool) CancelInflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.inflight {
		cancel(errStopped)
	}
	return len(p.inflight)
}

// InflightCount reports how many jobs are currently being probed by this
// process.
func (p *Pool) InflightCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

func (p *Pool) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(promoteInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if p.paused.Load() {
				continue
			}
			if _, err := p.queue.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn("promote due jobs failed", "error", err)
			}
		}
	}
}

func (p *Pool) workerLoop(ctx context.Context) error {
	for {
		if err := sleepCtx(ctx, 0); err != nil {
			return err
		}
		if p.paused.Load() {
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		job, err := p.queue.Lease(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, ErrJobNotFound) {
				p.log.Warn("lease failed", "error", err)
			}
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}
		if job == nil {
			if err := sleepCtx(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		p.process(ctx, job)
	}
}

// process runs one leased job end to end. Semaphore slots are released on
// every exit path.
func (p *Pool) process(ctx context.Context, job *Job) {
	log := p.log.With("job", job.ID, "channel", job.ChannelName, "model", job.ModelName, "endpoint", job.EndpointType)

	stopped, err := p.stop.IsSet(ctx)
	if err != nil {
		log.Warn("stop flag read failed", "error", err)
	}
	if stopped {
		if err := p.queue.Ack(ctx, job); err != nil {
			log.Warn("ack dropped job failed", "error", err)
		}
		return
	}

	ok, err := p.sems.AcquireGlobal(ctx)
	if err != nil || !ok {
		if err != nil {
			log.Warn("global slot acquire failed", "error", err)
		}
		if err := p.queue.Requeue(ctx, job, requeueDelay); err != nil {
			log.Warn("requeue failed", "error", err)
		}
		return
	}
	defer func() {
		if err := p.sems.ReleaseGlobal(context.WithoutCancel(ctx)); err != nil {
			log.Warn("global slot release failed", "error", err)
		}
	}()

	ok, err = p.sems.AcquireChannel(ctx, job.ChannelID)
	if err != nil || !ok {
		if err != nil {
			log.Warn("channel slot acquire failed", "error", err)
		}
		if err := p.queue.Requeue(ctx, job, requeueDelay); err != nil {
			log.Warn("requeue failed", "error", err)
		}
		return
	}
	defer func() {
		if err := p.sems.ReleaseChannel(context.WithoutCancel(ctx), job.ChannelID); err != nil {
			log.Warn("channel slot release failed", "error", err)
		}
	}()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(job.ID, cancel)
	defer p.untrack(job.ID)

	// Inter-probe jitter so bursts do not hammer one upstream.
	if err := sleepCtx(jobCtx, p.jitter()); err != nil {
		if errors.Is(context.Cause(jobCtx), errStopped) {
			p.finishStopped(ctx, job, log)
		}
		return
	}

	result := p.detector.Probe(jobCtx, job)

	if errors.Is(context.Cause(jobCtx), errStopped) {
		p.finishStopped(ctx, job, log)
		return
	}

	switch result.Status {
	case StatusSuccess:
		p.finishSuccess(ctx, job, result, log)
	default:
		p.finishFailure(ctx, job, result, log)
	}
}

func (p *Pool) finishSuccess(ctx context.Context, job *Job, result ProbeResult, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if err := p.queue.Complete(ctx, job); err != nil {
		log.Warn("complete failed", "error", err)
	}
	if err := p.db.AppendProbeLog(ctx, &store.ProbeLog{
		ModelID:      job.ModelID,
		EndpointType: job.EndpointType,
		Status:       store.ProbeSuccess,
		LatencyMs:    result.LatencyMs,
		UpstreamCode: result.UpstreamStatus,
		Preview:      result.Preview,
	}); err != nil {
		log.Warn("probe log append failed", "error", err)
	}
	if err := p.db.RecordProbeSuccess(ctx, job.ModelID, job.EndpointType, result.LatencyMs); err != nil {
		log.Warn("record success failed", "error", err)
	}

	log.Info("probe succeeded", "latency_ms", result.LatencyMs)
	if p.metrics != nil {
		p.metrics.ObserveProbe(job.EndpointType, StatusSuccess, result.LatencyMs)
	}
	p.mirrorOutcome(job, StatusSuccess, result)
	p.publish(ctx, job, StatusSuccess, result.LatencyMs)
}

func (p *Pool) finishFailure(ctx context.Context, job *Job, result ProbeResult, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	// Transport-level failures (no upstream status) are retried; failures
	// reported by the upstream itself are deterministic and final.
	if result.UpstreamStatus == 0 {
		final, err := p.queue.Fail(ctx, job, result.ErrorMessage)
		if err != nil {
			log.Warn("fail transition failed", "error", err)
			return
		}
		if !final {
			log.Info("probe attempt failed, retrying", "attempt", job.Attempts, "error", result.ErrorMessage)
			return
		}
	} else {
		if err := p.queue.FailFinal(ctx, job, result.ErrorMessage); err != nil {
			log.Warn("fail transition failed", "error", err)
		}
	}

	if err := p.db.AppendProbeLog(ctx, &store.ProbeLog{
		ModelID:      job.ModelID,
		EndpointType: job.EndpointType,
		Status:       store.ProbeFail,
		LatencyMs:    result.LatencyMs,
		UpstreamCode: result.UpstreamStatus,
		ErrorMessage: result.ErrorMessage,
	}); err != nil {
		log.Warn("probe log append failed", "error", err)
	}
	if err := p.db.RecordProbeFailure(ctx, job.ModelID); err != nil {
		log.Warn("record failure failed", "error", err)
	}

	log.Info("probe failed", "upstream_status", result.UpstreamStatus, "error", result.ErrorMessage)
	if p.metrics != nil {
		p.metrics.ObserveProbe(job.EndpointType, StatusFail, result.LatencyMs)
	}
	p.mirrorOutcome(job, StatusFail, result)
	p.publish(ctx, job, StatusFail, result.LatencyMs)
}

// finishStopped marks a cancelled in-flight job per the stop contract.
func (p *Pool) finishStopped(ctx context.Context, job *Job, log *slog.Logger) {
	ctx = context.WithoutCancel(ctx)

	if err := p.queue.FailFinal(ctx, job, StoppedByUserMessage); err != nil {
		log.Warn("stop transition failed", "error", err)
	}
	if err := p.db.AppendProbeLog(ctx, &store.ProbeLog{
		ModelID:      job.ModelID,
		EndpointType: job.EndpointType,
		Status:       store.ProbeFail,
		ErrorMessage: StoppedByUserMessage,
	}); err != nil {
		log.Warn("probe log append failed", "error", err)
	}
	p.mirrorOutcome(job, StatusFail, ProbeResult{ErrorMessage: StoppedByUserMessage})

	log.Info("probe cancelled by stop")
}

// publish emits a progress event, deriving isModelComplete from whether any
// pending job still targets the model.
func (p *Pool) publish(ctx context.Context, job *Job, status string, latencyMs int64) {
	complete, err := p.modelComplete(ctx, job.ModelID)
	if err != nil {
		p.log.Warn("model completeness check failed", "error", err)
	}
	p.bus.Publish(ctx, progress.Event{
		Kind:            progress.KindProgress,
		ChannelID:       job.ChannelID,
		ModelID:         job.ModelID,
		ModelName:       job.ModelName,
		Status:          status,
		Latency:         latencyMs,
		EndpointType:    job.EndpointType,
		IsModelComplete: complete,
	})
}

func (p *Pool) modelComplete(ctx context.Context, modelID uint) (bool, error) {
	ids, err := p.queue.pendingJobIDs(ctx)
	if err != nil {
		return false, err
	}
	for _, id := range ids {
		job, err := p.queue.loadJob(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if job.ModelID == modelID {
			return false, nil
		}
	}
	return true, nil
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.inflight[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// jitter draws a uniform random delay from [minDelay, maxDelay].
func (p *Pool) jitter() time.Duration {
	if p.maxDelay <= p.minDelay {
		return p.minDelay
	}
	return p.minDelay + time.Duration(rand.Int63n(int64(p.maxDelay-p.minDelay)))
}

// sleepCtx sleeps for d or until ctx is done. A zero d only checks ctx.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
