// Package gateway is the HTTP boundary: the protocol-preserving proxy
// surface (/v1, /v1beta), the admin control API (/api), and the operational
// endpoints (/health, /readiness, /metrics).
package gateway

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/metrics"
	"github.com/nulpointcorp/channel-gateway/internal/progress"
	"github.com/nulpointcorp/channel-gateway/internal/routing"
	"github.com/nulpointcorp/channel-gateway/internal/sched"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
	"github.com/nulpointcorp/channel-gateway/pkg/apierr"
)

// ChannelMirror is the optional remote channel-list reconciler, invoked
// after channel mutations. Nil disables mirroring.
type ChannelMirror interface {
	Reconcile(deadline time.Duration)
}

// Options wires the server's collaborators.
type Options struct {
	DB      *store.Store
	Auth    *keyauth.Service
	Router  *routing.Router
	Detect  *detect.Service
	Sched   *sched.Scheduler
	Bus     *progress.Bus
	Client  *transport.Client
	Metrics *metrics.Registry
	Mirror  ChannelMirror
	Log     *slog.Logger

	CORSOrigins []string
	Version     string
}

// Server is the fasthttp front end.
type Server struct {
	db     *store.Store
	auth   *keyauth.Service
	router *routing.Router
	detect *detect.Service
	sched  *sched.Scheduler
	bus    *progress.Bus
	client *transport.Client
	reg    *metrics.Registry
	mirror ChannelMirror
	log    *slog.Logger

	version string
	handler fasthttp.RequestHandler
	srv     *fasthttp.Server
}

// New builds the server and its route table.
func New(opts Options) *Server {
	s := &Server{
		db:      opts.DB,
		auth:    opts.Auth,
		router:  opts.Router,
		detect:  opts.Detect,
		sched:   opts.Sched,
		bus:     opts.Bus,
		client:  opts.Client,
		reg:     opts.Metrics,
		mirror:  opts.Mirror,
		log:     opts.Log,
		version: opts.Version,
	}

	r := router.New()

	// ── Proxy surface ─────────────────────────────────────────────────────────
	r.POST("/v1/chat/completions", s.handleProxy(store.EndpointChat))
	r.POST("/v1/messages", s.handleProxy(store.EndpointClaude))
	r.POST("/v1/responses", s.handleProxy(store.EndpointCodex))
	r.POST("/v1/images/generations", s.handleProxy(store.EndpointImage))
	// The Gemini path carries "model:generateContent" or
	// "model:streamGenerateContent" as a single segment.
	r.POST("/v1beta/models/{model}", s.handleGeminiProxy)
	r.GET("/v1/models", s.handleListModels)

	// ── Admin control API ─────────────────────────────────────────────────────
	r.POST("/api/auth/login", s.handleLogin)

	r.GET("/api/detect", s.requireAdmin(s.handleDetectStatus))
	r.POST("/api/detect", s.requireAdmin(s.handleDetectTrigger))
	r.DELETE("/api/detect", s.requireAdmin(s.handleDetectStop))

	r.GET("/api/scheduler/config", s.requireAdmin(s.handleGetSchedulerConfig))
	r.PUT("/api/scheduler/config", s.requireAdmin(s.handleUpdateSchedulerConfig))

	r.GET("/api/channels", s.requireAdmin(s.handleListChannels))
	r.POST("/api/channels", s.requireAdmin(s.handleCreateChannel))
	r.GET("/api/channels/export", s.requireAdmin(s.handleExportChannels))
	r.POST("/api/channels/import", s.requireAdmin(s.handleImportChannels))
	r.GET("/api/channels/{id}", s.requireAdmin(s.handleGetChannel))
	r.PUT("/api/channels/{id}", s.requireAdmin(s.handleUpdateChannel))
	r.DELETE("/api/channels/{id}", s.requireAdmin(s.handleDeleteChannel))
	r.POST("/api/channels/{id}/sync", s.requireAdmin(s.handleSyncChannel))
	r.GET("/api/channels/{id}/models", s.requireAdmin(s.handleListChannelModels))

	r.DELETE("/api/models/{id}", s.requireAdmin(s.handleDeleteModel))
	r.GET("/api/models/{id}/logs", s.requireAdmin(s.handleModelLogs))

	r.GET("/api/keys", s.requireAdmin(s.handleListKeys))
	r.POST("/api/keys", s.requireAdmin(s.handleCreateKey))
	r.PUT("/api/keys/{id}", s.requireAdmin(s.handleUpdateKey))
	r.DELETE("/api/keys/{id}", s.requireAdmin(s.handleDeleteKey))
	r.POST("/api/keys/{id}/regenerate", s.requireAdmin(s.handleRegenerateKey))

	r.GET("/api/sse/progress", s.handleProgressSSE)

	// ── Operational endpoints ─────────────────────────────────────────────────
	r.GET("/health", s.handleHealth)
	r.GET("/readiness", s.handleReadiness)
	if s.reg != nil {
		r.GET("/metrics", s.reg.Handler())
	}

	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, "route not found", apierr.TypeNotFound, "")
	}

	s.handler = applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		observe(s.reg),
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)
	return s
}

// Handler exposes the composed request handler; used directly by tests.
func (s *Server) Handler() fasthttp.RequestHandler { return s.handler }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.srv = &fasthttp.Server{
		Handler:            s.handler,
		Name:               "channel-gateway/" + s.version,
		ReadTimeout:        60 * time.Second,
		WriteTimeout:       0, // streams stay open as long as the upstream talks
		MaxRequestBodySize: 32 << 20,
		StreamRequestBody:  true,
	}
	s.log.Info("http server listening", "addr", addr)
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown() error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown()
}

// ── Shared handler helpers ───────────────────────────────────────────────────

// writeJSON marshals v into the response with the given status.
func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, err := json.Marshal(v)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString(`{"error":{"message":"encode response","type":"server_error"}}`)
		return
	}
	ctx.SetBody(body)
}

// decodeJSON unmarshals the request body into v, replying 400 on failure.
func decodeJSON(ctx *fasthttp.RequestCtx, v any) bool {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON body: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return false
	}
	return true
}

// pathID parses the {id} route parameter, replying 400 on failure.
func pathID(ctx *fasthttp.RequestCtx) (uint, bool) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid id "+strconv.Quote(raw), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return 0, false
	}
	return uint(id), true
}

// requireAdmin gates control-API handlers behind a valid admin session token.
func (s *Server) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		token := bearerToken(string(ctx.Request.Header.Peek("Authorization")))
		if token == "" {
			apierr.WriteAuthError(ctx, "missing session token", apierr.CodeMissingAPIKey)
			return
		}
		if err := s.auth.VerifyToken(token); err != nil {
			apierr.WriteAuthError(ctx, "invalid session token", apierr.CodeInvalidAPIKey)
			return
		}
		next(ctx)
	}
}

func bearerToken(authorization string) string {
	const prefix = "Bearer "
	if len(authorization) > len(prefix) && authorization[:len(prefix)] == prefix {
		return authorization[len(prefix):]
	}
	return ""
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

// handleReadiness checks the store before declaring ready.
func (s *Server) handleReadiness(ctx *fasthttp.RequestCtx) {
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(ctx, fasthttp.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ready"})
}
