package gateway

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/channel-gateway/internal/adapter"
	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/routing"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
	"github.com/nulpointcorp/channel-gateway/pkg/apierr"
)

// maxErrorBody bounds how much of an upstream error body is read back for
// the relayed diagnostic.
const maxErrorBody = 64 << 10

// handleProxy forwards one OpenAI/Anthropic-dialect request to the channel
// that owns the requested model. The request body passes through unchanged
// except for the model field, which is rewritten to the channel's actual
// model name.
func (s *Server) handleProxy(endpoint string) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		principal, ok := s.authenticateProxy(ctx)
		if !ok {
			return
		}

		body := ctx.PostBody()
		modelSpec := gjson.GetBytes(body, "model").String()
		if modelSpec == "" {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"missing model field", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		isStream := gjson.GetBytes(body, "stream").Bool()

		route, ok := s.resolveRoute(ctx, modelSpec, principal)
		if !ok {
			return
		}

		outBody, err := sjson.SetBytes(body, "model", route.ActualModelName)
		if err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				"rewrite model field: "+err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}

		upstreamURL := adapter.NormalizeBaseURL(route.BaseURL) + pathFor(endpoint)
		s.forward(ctx, endpoint, route, upstreamURL, outBody, isStream)
	}
}

// handleGeminiProxy forwards a Gemini generateContent call. The model and the
// operation travel in the path as "model:generateContent"; streaming is
// selected by the streamGenerateContent operation rather than a body field.
func (s *Server) handleGeminiProxy(ctx *fasthttp.RequestCtx) {
	principal, ok := s.authenticateProxy(ctx)
	if !ok {
		return
	}

	segment, _ := ctx.UserValue("model").(string)
	modelSpec, op, found := strings.Cut(segment, ":")
	if !found || modelSpec == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"expected /v1beta/models/<model>:generateContent", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if op != "generateContent" && op != "streamGenerateContent" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"unsupported operation "+op, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	isStream := op == "streamGenerateContent"

	route, ok := s.resolveRoute(ctx, modelSpec, principal)
	if !ok {
		return
	}

	upstreamURL := adapter.NormalizeBaseURL(route.BaseURL) +
		"/v1beta/models/" + url.PathEscape(route.ActualModelName) + ":" + op
	if qs := string(ctx.URI().QueryString()); qs != "" {
		upstreamURL += "?" + qs
	}

	// Gemini bodies carry no model field; nothing to rewrite.
	s.forward(ctx, store.EndpointGemini, route, upstreamURL, ctx.PostBody(), isStream)
}

// handleListModels serves the OpenAI-compatible model listing, restricted to
// what the presented key may see.
func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	principal, ok := s.authenticateProxy(ctx)
	if !ok {
		return
	}
	list, err := s.router.ListModels(ctx, principal)
	if err != nil {
		s.log.Error("list models failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"list models failed", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, list)
}

// authenticateProxy resolves the inbound key from any accepted header.
func (s *Server) authenticateProxy(ctx *fasthttp.RequestCtx) (*keyauth.Principal, bool) {
	presented := keyauth.ExtractKey(
		string(ctx.Request.Header.Peek("Authorization")),
		string(ctx.Request.Header.Peek("x-api-key")),
		string(ctx.Request.Header.Peek("x-goog-api-key")),
	)
	principal, err := s.auth.Authenticate(ctx, presented)
	switch {
	case errors.Is(err, keyauth.ErrNoKey):
		apierr.WriteAuthError(ctx, "missing api key", apierr.CodeMissingAPIKey)
		return nil, false
	case errors.Is(err, keyauth.ErrInvalidKey):
		apierr.WriteAuthError(ctx, "invalid api key", apierr.CodeInvalidAPIKey)
		return nil, false
	case err != nil:
		s.log.Error("proxy auth failed", "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"authentication failed", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, false
	}
	return principal, true
}

// resolveRoute maps the model spec onto an upstream. Unknown models and
// permission denials are both a 404.
func (s *Server) resolveRoute(ctx *fasthttp.RequestCtx, modelSpec string, principal *keyauth.Principal) (*routing.Route, bool) {
	route, err := s.router.Resolve(ctx, modelSpec, principal)
	if errors.Is(err, routing.ErrNoRoute) {
		apierr.WriteModelNotFound(ctx, modelSpec)
		return nil, false
	}
	if err != nil {
		s.log.Error("route resolution failed", "model", modelSpec, "error", err)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"route resolution failed", apierr.TypeServerError, apierr.CodeInternalError)
		return nil, false
	}
	return route, true
}

// forward performs the upstream call and relays the response, streaming
// byte-for-byte when isStream is set.
func (s *Server) forward(ctx *fasthttp.RequestCtx, endpoint string, route *routing.Route, upstreamURL string, body []byte, isStream bool) {
	headers := adapter.Headers(endpoint, route.UpstreamKey)
	if endpoint == store.EndpointClaude {
		// Clients may pin their own protocol version or request beta features;
		// both take precedence over the gateway default.
		if v := string(ctx.Request.Header.Peek("anthropic-version")); v != "" {
			headers["anthropic-version"] = v
		}
		if v := string(ctx.Request.Header.Peek("anthropic-beta")); v != "" {
			headers["anthropic-beta"] = v
		}
	}
	if accept := string(ctx.Request.Header.Peek("Accept")); accept != "" {
		headers["Accept"] = accept
	}

	// The stream writer runs after this handler returns, so the upstream call
	// cannot ride the request context.
	upCtx, cancel := context.WithCancel(context.Background())

	start := time.Now()
	resp, err := s.client.Do(upCtx, transport.Request{
		Method:   http.MethodPost,
		URL:      upstreamURL,
		Headers:  headers,
		Body:     body,
		ProxyURL: route.ChannelProxy,
		Stream:   isStream,
	})
	if err != nil {
		cancel()
		s.observeProxy(endpoint, 0, start)
		s.log.Warn("upstream call failed",
			"channel", route.ChannelName, "model", route.ActualModelName, "error", err)
		apierr.WriteUpstreamError(ctx, 0, "upstream unreachable: "+err.Error())
		return
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		s.observeProxy(endpoint, resp.StatusCode, start)
		s.log.Warn("upstream returned error",
			"channel", route.ChannelName, "model", route.ActualModelName, "status", resp.StatusCode)
		apierr.WriteUpstreamError(ctx, resp.StatusCode, upstreamErrorMessage(raw, resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")

	if !isStream {
		defer cancel()
		defer resp.Body.Close()
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			s.observeProxy(endpoint, 0, start)
			apierr.WriteUpstreamError(ctx, 0, "read upstream response: "+err.Error())
			return
		}
		s.observeProxy(endpoint, resp.StatusCode, start)
		ctx.SetStatusCode(resp.StatusCode)
		if contentType != "" {
			ctx.SetContentType(contentType)
		}
		ctx.SetBody(raw)
		return
	}

	// Streaming relay: raw bytes pass through unmodified so every client
	// dialect keeps its exact framing.
	s.observeProxy(endpoint, resp.StatusCode, start)
	ctx.SetStatusCode(resp.StatusCode)
	if contentType == "" {
		contentType = "text/event-stream"
	}
	ctx.SetContentType(contentType)
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// Client went away; cancelling tears the upstream down.
					return
				}
				if werr := w.Flush(); werr != nil {
					return
				}
			}
			if rerr != nil {
				if !errors.Is(rerr, io.EOF) {
					s.log.Warn("upstream stream ended abnormally",
						"channel", route.ChannelName, "error", rerr)
				}
				return
			}
		}
	})
}

func (s *Server) observeProxy(endpoint string, status int, start time.Time) {
	if s.reg != nil {
		s.reg.ObserveProxy(endpoint, status, time.Since(start))
	}
}

// pathFor maps an endpoint type to its canonical upstream path.
func pathFor(endpoint string) string {
	switch endpoint {
	case store.EndpointClaude:
		return adapter.PathClaude
	case store.EndpointCodex:
		return adapter.PathCodex
	case store.EndpointImage:
		return adapter.PathImage
	default:
		return adapter.PathChat
	}
}

// upstreamErrorMessage extracts a human-readable diagnostic from an upstream
// error body, falling back to the raw (truncated) payload.
func upstreamErrorMessage(raw []byte, status int) string {
	if msg := gjson.GetBytes(raw, "error.message").String(); msg != "" {
		return msg
	}
	if msg := gjson.GetBytes(raw, "message").String(); msg != "" {
		return msg
	}
	if len(raw) > 0 {
		return adapter.Truncate(strings.TrimSpace(string(raw)), adapter.PreviewLimit)
	}
	return "upstream returned HTTP " + strconv.Itoa(status)
}
