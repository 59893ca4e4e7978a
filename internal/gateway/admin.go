package gateway

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/channel-gateway/internal/config"
	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/pkg/apierr"
)

// mirrorDeadline bounds one background channel-list reconcile.
const mirrorDeadline = 30 * time.Second

// ── Auth ─────────────────────────────────────────────────────────────────────

// handleLogin exchanges the admin password for a session token.
func (s *Server) handleLogin(ctx *fasthttp.RequestCtx) {
	var req struct {
		Password string `json:"password"`
	}
	if !decodeJSON(ctx, &req) {
		return
	}
	if !s.auth.VerifyPassword(req.Password) {
		apierr.WriteAuthError(ctx, "invalid password", apierr.CodeInvalidAPIKey)
		return
	}
	token, err := s.auth.IssueToken()
	if err != nil {
		s.log.Error("issue session token failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"issue token failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"token": token})
}

// ── Detection control ────────────────────────────────────────────────────────

// handleDetectStatus reports the live queue snapshot.
func (s *Server) handleDetectStatus(ctx *fasthttp.RequestCtx) {
	counts, err := s.detect.Snapshot(ctx)
	if err != nil {
		s.log.Error("queue snapshot failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"queue snapshot failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, counts)
}

// handleDetectTrigger starts a detection run: full when no channelId is
// given, otherwise restricted to one channel (and optionally its modelIds).
func (s *Server) handleDetectTrigger(ctx *fasthttp.RequestCtx) {
	var req struct {
		ChannelID uint   `json:"channelId"`
		ModelIDs  []uint `json:"modelIds"`
		Sync      bool   `json:"sync"`
	}
	if len(ctx.PostBody()) > 0 && !decodeJSON(ctx, &req) {
		return
	}

	var (
		result *detect.TriggerResult
		err    error
	)
	if req.ChannelID > 0 {
		result, err = s.detect.TriggerChannelDetection(ctx, req.ChannelID, req.ModelIDs)
	} else {
		result, err = s.detect.TriggerFullDetection(ctx, req.Sync)
	}
	switch {
	case errors.Is(err, detect.ErrDetectionRunning):
		apierr.Write(ctx, fasthttp.StatusConflict,
			"detection already running", apierr.TypeConflict, apierr.CodeDetectionRunning)
		return
	case errors.Is(err, store.ErrNotFound):
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"channel not found", apierr.TypeNotFound, "")
		return
	case err != nil:
		s.log.Error("detection trigger failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"detection trigger failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, result)
}

// handleDetectStop halts the run and drains the queue.
func (s *Server) handleDetectStop(ctx *fasthttp.RequestCtx) {
	cleared, err := s.detect.PauseAndDrain(ctx)
	if err != nil {
		s.log.Error("detection stop failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"detection stop failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]int{"cleared": cleared})
}

// ── Scheduler config ─────────────────────────────────────────────────────────

func (s *Server) handleGetSchedulerConfig(ctx *fasthttp.RequestCtx) {
	cfg, err := s.db.GetSchedulerConfig(ctx, store.SchedulerDefaults{})
	if err != nil {
		s.log.Error("load scheduler config failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"load scheduler config failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	resp := struct {
		*store.SchedulerConfig
		NextRun *time.Time `json:"nextRun,omitempty"`
	}{SchedulerConfig: cfg}
	if s.sched != nil {
		if next := s.sched.NextRun(); !next.IsZero() {
			resp.NextRun = &next
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// handleUpdateSchedulerConfig replaces the singleton config and reloads the
// cron runner. Bad cron expressions, timezones or delay bounds are rejected
// before anything is persisted.
func (s *Server) handleUpdateSchedulerConfig(ctx *fasthttp.RequestCtx) {
	var cfg store.SchedulerConfig
	if !decodeJSON(ctx, &cfg) {
		return
	}

	if cfg.Enabled {
		if err := config.ValidateCronSpec(cfg.CronExpr); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"invalid cron expression: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeConfigInvalid)
			return
		}
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid timezone: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeConfigInvalid)
		return
	}
	if cfg.ChannelConcurrency < 1 || cfg.MaxGlobalConcurrency < 1 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"concurrency limits must be at least 1", apierr.TypeInvalidRequest, apierr.CodeConfigInvalid)
		return
	}
	if cfg.MinDelayMs < 0 || cfg.MaxDelayMs < 0 || cfg.MinDelayMs > cfg.MaxDelayMs {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"delay bounds must satisfy 0 <= min <= max", apierr.TypeInvalidRequest, apierr.CodeConfigInvalid)
		return
	}

	if err := s.db.UpdateSchedulerConfig(ctx, &cfg); err != nil {
		s.log.Error("save scheduler config failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"save scheduler config failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	if s.sched != nil {
		if err := s.sched.Reload(ctx); err != nil {
			s.log.Error("scheduler reload failed", "error", err)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"scheduler reload failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, &cfg)
}

// ── Channels ─────────────────────────────────────────────────────────────────

func (s *Server) handleListChannels(ctx *fasthttp.RequestCtx) {
	channels, err := s.db.ListChannels(ctx)
	if err != nil {
		s.log.Error("list channels failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"list channels failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, channels)
}

func (s *Server) handleGetChannel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	ch, err := s.db.GetChannel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "channel not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"load channel failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, ch)
}

func (s *Server) handleCreateChannel(ctx *fasthttp.RequestCtx) {
	var ch store.Channel
	if !decodeJSON(ctx, &ch) {
		return
	}
	ch.ID = 0
	if msg := validateChannel(&ch); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.db.CreateChannel(ctx, &ch); err != nil {
		s.log.Error("create channel failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"create channel failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	s.reconcileMirror()
	writeJSON(ctx, fasthttp.StatusCreated, &ch)
}

func (s *Server) handleUpdateChannel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	existing, err := s.db.GetChannel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "channel not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"load channel failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	ch := *existing
	if !decodeJSON(ctx, &ch) {
		return
	}
	ch.ID = existing.ID
	ch.CreatedAt = existing.CreatedAt
	if msg := validateChannel(&ch); msg != "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if err := s.db.UpdateChannel(ctx, &ch); err != nil {
		s.log.Error("update channel failed", "id", id, "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"update channel failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	// An edit may reorder the credential list; restart its rotation.
	s.router.InvalidateChannel(ch.ID)
	s.reconcileMirror()
	writeJSON(ctx, fasthttp.StatusOK, &ch)
}

func (s *Server) handleDeleteChannel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	err := s.db.DeleteChannel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "channel not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		s.log.Error("delete channel failed", "id", id, "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"delete channel failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	s.router.InvalidateChannel(id)
	s.reconcileMirror()
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"deleted": true})
}

// handleSyncChannel fetches the channel's upstream model list and inserts
// unknown models.
func (s *Server) handleSyncChannel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	sr, err := s.detect.SyncChannelModels(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "channel not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		if sr == nil {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"sync channel failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		// The sync result carries the upstream diagnostic.
		writeJSON(ctx, fasthttp.StatusBadGateway, sr)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, sr)
}

func (s *Server) handleListChannelModels(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	models, err := s.db.ListModels(ctx, id)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"list models failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, models)
}

// handleExportChannels dumps the full channel list, credentials included.
func (s *Server) handleExportChannels(ctx *fasthttp.RequestCtx) {
	channels, err := s.db.ListChannels(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"export channels failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	ctx.Response.Header.Set("Content-Disposition", `attachment; filename="channels.json"`)
	writeJSON(ctx, fasthttp.StatusOK, channels)
}

// handleImportChannels inserts channels from an exported dump. Rows whose
// (baseURL, credential) identity already exists are skipped, so importing
// the same file twice is a no-op.
func (s *Server) handleImportChannels(ctx *fasthttp.RequestCtx) {
	var channels []store.Channel
	if !decodeJSON(ctx, &channels) {
		return
	}

	imported, skipped := 0, 0
	for i := range channels {
		ch := channels[i]
		ch.ID = 0
		if msg := validateChannel(&ch); msg != "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"entry "+strconv.Itoa(i)+": "+msg, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		_, err := s.db.FindChannelByDedupeKey(ctx, ch.BaseURL, ch.Credential)
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, store.ErrNotFound) {
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"import channels failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		if err := s.db.CreateChannel(ctx, &ch); err != nil {
			s.log.Error("import channel failed", "name", ch.Name, "error", err)
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"import channels failed", apierr.TypeServerError, apierr.CodeInternalError)
			return
		}
		imported++
	}
	s.reconcileMirror()
	writeJSON(ctx, fasthttp.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

func validateChannel(ch *store.Channel) string {
	switch {
	case strings.TrimSpace(ch.Name) == "":
		return "channel name is required"
	case strings.TrimSpace(ch.BaseURL) == "":
		return "channel baseUrl is required"
	case strings.TrimSpace(ch.Credential) == "":
		return "channel credential is required"
	case strings.Contains(ch.Name, "/"):
		return "channel name must not contain '/'"
	}
	return ""
}

func (s *Server) reconcileMirror() {
	if s.mirror != nil {
		go s.mirror.Reconcile(mirrorDeadline)
	}
}

// ── Models ───────────────────────────────────────────────────────────────────

func (s *Server) handleDeleteModel(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	err := s.db.DeleteModel(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "model not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"delete model failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleModelLogs(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(string(ctx.QueryArgs().Peek("limit")))
	logs, err := s.db.ListProbeLogs(ctx, id, limit)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"list probe logs failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, logs)
}

// ── Proxy keys ───────────────────────────────────────────────────────────────

func (s *Server) handleListKeys(ctx *fasthttp.RequestCtx) {
	keys, err := s.db.ListProxyKeys(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"list keys failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, keys)
}

func (s *Server) handleCreateKey(ctx *fasthttp.RequestCtx) {
	var k store.ProxyKey
	if !decodeJSON(ctx, &k) {
		return
	}
	if strings.TrimSpace(k.Name) == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"key name is required", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	k.ID = 0
	k.Key = keyauth.GenerateKeyValue()
	k.Enabled = true
	k.UsageCount = 0
	k.LastUsedAt = nil
	if err := s.db.CreateProxyKey(ctx, &k); err != nil {
		s.log.Error("create proxy key failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"create key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, &k)
}

func (s *Server) handleUpdateKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	existing, err := s.db.GetProxyKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"load key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	k := *existing
	if !decodeJSON(ctx, &k) {
		return
	}
	// The secret and usage accounting are never editable through this path.
	k.ID = existing.ID
	k.Key = existing.Key
	k.UsageCount = existing.UsageCount
	k.LastUsedAt = existing.LastUsedAt
	k.CreatedAt = existing.CreatedAt
	if err := s.db.UpdateProxyKey(ctx, &k); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"update key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, &k)
}

func (s *Server) handleDeleteKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	err := s.db.DeleteProxyKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"delete key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]bool{"deleted": true})
}

// handleRegenerateKey rotates a key's secret in place, preserving its
// permissions and usage history.
func (s *Server) handleRegenerateKey(ctx *fasthttp.RequestCtx) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	k, err := s.db.GetProxyKey(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "key not found", apierr.TypeNotFound, "")
		return
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"load key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	k.Key = keyauth.GenerateKeyValue()
	if err := s.db.UpdateProxyKey(ctx, k); err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"regenerate key failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, k)
}
