package gateway

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/channel-gateway/pkg/apierr"
)

// handleProgressSSE streams detection progress events as server-sent events.
// The admin token may arrive as a Bearer header or, because EventSource
// cannot set headers, as a ?token= query parameter.
func (s *Server) handleProgressSSE(ctx *fasthttp.RequestCtx) {
	token := bearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if token == "" {
		token = string(ctx.QueryArgs().Peek("token"))
	}
	if token == "" {
		apierr.WriteAuthError(ctx, "missing session token", apierr.CodeMissingAPIKey)
		return
	}
	if err := s.auth.VerifyToken(token); err != nil {
		apierr.WriteAuthError(ctx, "invalid session token", apierr.CodeInvalidAPIKey)
		return
	}

	subCtx, cancel := context.WithCancel(context.Background())
	events := s.bus.Subscribe(subCtx)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := w.WriteString("event: " + ev.Kind + "\n"); err != nil {
				return
			}
			if _, err := w.WriteString("data: " + string(payload) + "\n\n"); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				// Client disconnected; cancel tears the subscription down.
				return
			}
		}
	})
}
