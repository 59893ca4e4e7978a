package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/channel-gateway/internal/adapter"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
)

// ErrDetectionRunning signals a conflicting trigger; the API maps it to 409.
var ErrDetectionRunning = errors.New("detect: detection already running")

// Service is the probing engine's control surface: triggers, stop, and
// model-list sync.
type Service struct {
	db     *store.Store
	queue  *Queue
	sems   *Semaphores
	stop   *StopFlag
	pool   *Pool
	client *transport.Client
	log    *slog.Logger
}

// NewService wires the detection control surface.
func NewService(db *store.Store, queue *Queue, sems *Semaphores, stop *StopFlag, pool *Pool, client *transport.Client, log *slog.Logger) *Service {
	return &Service{db: db, queue: queue, sems: sems, stop: stop, pool: pool, client: client, log: log}
}

// TriggerResult summarizes a detection start.
type TriggerResult struct {
	ChannelCount int          `json:"channelCount"`
	ModelCount   int          `json:"modelCount"`
	JobCount     int          `json:"jobCount"`
	SyncResults  []SyncResult `json:"syncResults,omitempty"`
}

// SyncResult summarizes one channel's model-list sync.
type SyncResult struct {
	ChannelID   uint   `json:"channelId"`
	ChannelName string `json:"channelName"`
	Added       int    `json:"added"`
	Total       int    `json:"total"`
	Error       string `json:"error,omitempty"`
}

// TriggerFullDetection probes every enabled channel. With withSync, each
// channel's /v1/models is fetched first and unknown models are inserted
// (subject to the channel's keyword filter). Refuses with
// ErrDetectionRunning while any job is pending.
func (s *Service) TriggerFullDetection(ctx context.Context, withSync bool) (*TriggerResult, error) {
	pending, err := s.queue.HasPending(ctx)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrDetectionRunning
	}
	if err := s.stop.Clear(ctx); err != nil {
		return nil, err
	}

	channels, err := s.db.ListEnabledChannels(ctx)
	if err != nil {
		return nil, err
	}

	result := &TriggerResult{}
	for i := range channels {
		ch := &channels[i]
		if withSync {
			sr := s.syncChannel(ctx, ch)
			result.SyncResults = append(result.SyncResults, sr)
		}
		models, err := s.db.ListModels(ctx, ch.ID)
		if err != nil {
			return nil, err
		}
		if len(models) == 0 {
			continue
		}
		result.ChannelCount++
		result.ModelCount += len(models)
		n, err := s.enqueueModels(ctx, ch, models)
		if err != nil {
			return nil, err
		}
		result.JobCount += n
	}

	s.log.Info("full detection triggered",
		"channels", result.ChannelCount, "models", result.ModelCount, "jobs", result.JobCount, "sync", withSync)
	return result, nil
}

// TriggerChannelDetection probes one channel, optionally restricted to the
// given model ids. Refuses only while that channel is already in flight.
func (s *Service) TriggerChannelDetection(ctx context.Context, channelID uint, modelIDs []uint) (*TriggerResult, error) {
	pending, err := s.queue.ChannelPending(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrDetectionRunning
	}
	if err := s.stop.Clear(ctx); err != nil {
		return nil, err
	}

	ch, err := s.db.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	models, err := s.db.ListModels(ctx, ch.ID)
	if err != nil {
		return nil, err
	}
	if len(modelIDs) > 0 {
		wanted := make(map[uint]struct{}, len(modelIDs))
		for _, id := range modelIDs {
			wanted[id] = struct{}{}
		}
		kept := models[:0]
		for _, m := range models {
			if _, ok := wanted[m.ID]; ok {
				kept = append(kept, m)
			}
		}
		models = kept
	}

	result := &TriggerResult{ChannelCount: 1, ModelCount: len(models)}
	n, err := s.enqueueModels(ctx, ch, models)
	if err != nil {
		return nil, err
	}
	result.JobCount = n

	s.log.Info("channel detection triggered", "channel", ch.Name, "models", result.ModelCount, "jobs", n)
	return result, nil
}

// PauseAndDrain stops the engine: raises the stop flag, pauses leasing,
// clears queued jobs, cancels in-flight probes, zeroes the semaphores, and
// resumes leasing. Returns how many queued jobs were cleared. Idempotent.
func (s *Service) PauseAndDrain(ctx context.Context) (int, error) {
	if err := s.stop.Set(ctx); err != nil {
		return 0, err
	}

	s.pool.Pause()
	defer s.pool.Resume()

	cleared, err := s.queue.Clear(ctx)
	if err != nil {
		return 0, err
	}
	cancelled := s.pool.CancelInflight()

	if err := s.sems.Reset(ctx); err != nil {
		return 0, err
	}

	s.log.Info("detection stopped", "cleared", cleared, "cancelled", cancelled)
	return cleared, nil
}

// Snapshot exposes the queue state for the status endpoint.
func (s *Service) Snapshot(ctx context.Context) (*Counts, error) {
	return s.queue.Snapshot(ctx)
}

// SyncChannelModels fetches /v1/models for one channel and inserts unknown
// models. Exposed for the per-channel sync API.
func (s *Service) SyncChannelModels(ctx context.Context, channelID uint) (*SyncResult, error) {
	ch, err := s.db.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	sr := s.syncChannel(ctx, ch)
	if sr.Error != "" {
		return &sr, fmt.Errorf("detect: sync channel %s: %s", ch.Name, sr.Error)
	}
	return &sr, nil
}

// syncChannel never fails the surrounding trigger; errors land in the result.
func (s *Service) syncChannel(ctx context.Context, ch *store.Channel) SyncResult {
	sr := SyncResult{ChannelID: ch.ID, ChannelName: ch.Name}

	creds := ch.Credentials()
	if len(creds) == 0 {
		sr.Error = "channel has no credential"
		return sr
	}

	resp, err := s.client.Do(ctx, transport.Request{
		Method:   http.MethodGet,
		URL:      adapter.ModelListURL(ch.BaseURL),
		Headers:  map[string]string{"Authorization": "Bearer " + creds[0]},
		ProxyURL: ch.ProxyURL,
	})
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil {
		sr.Error = err.Error()
		return sr
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sr.Error = fmt.Sprintf("model list returned HTTP %d", resp.StatusCode)
		return sr
	}

	ids := adapter.FilterModels(adapter.ParseModelList(raw), ch.ModelFilter)
	sr.Total = len(ids)
	for _, id := range ids {
		_, created, err := s.db.EnsureModel(ctx, ch.ID, id)
		if err != nil {
			sr.Error = err.Error()
			return sr
		}
		if created {
			sr.Added++
		}
	}
	return sr
}

// enqueueModels expands (channel, model, endpoint) triples into jobs with
// round-robin credential assignment across the channel's key list.
func (s *Service) enqueueModels(ctx context.Context, ch *store.Channel, models []store.Model) (int, error) {
	creds := ch.Credentials()
	if len(creds) == 0 {
		s.log.Warn("skip channel without credential", "channel", ch.Name)
		return 0, nil
	}

	jobs := 0
	for _, m := range models {
		for _, endpoint := range adapter.EndpointsForModel(m.Name) {
			job := &Job{
				ChannelID:    ch.ID,
				ChannelName:  ch.Name,
				BaseURL:      ch.BaseURL,
				APIKey:       creds[jobs%len(creds)],
				ProxyURL:     ch.ProxyURL,
				ModelID:      m.ID,
				ModelName:    m.Name,
				EndpointType: endpoint,
			}
			if err := s.queue.Enqueue(ctx, job); err != nil {
				return jobs, err
			}
			jobs++
		}
	}
	return jobs, nil
}
