package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/channel-gateway/internal/detect"
	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/progress"
	"github.com/nulpointcorp/channel-gateway/internal/routing"
	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
)

const (
	testBuiltinKey = "test-builtin-key"
	testAdminPass  = "admin-pass"
)

type testServer struct {
	srv    *Server
	client *http.Client
	db     *store.Store
	auth   *keyauth.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := keyauth.New(db, testBuiltinKey, testAdminPass, "jwt-secret", log)
	client := transport.New("")
	queue := detect.NewQueue(rdb)
	sems := detect.NewSemaphores(rdb, 30, 5)
	stop := detect.NewStopFlag(rdb)
	bus := progress.NewBus(rdb, log)
	detector := detect.NewDetector(client, "1+1=2? yes or no")
	pool := detect.NewPool(queue, sems, stop, detector, db, bus, log, detect.PoolConfig{Workers: 1})
	service := detect.NewService(db, queue, sems, stop, pool, client, log)

	srv := New(Options{
		DB:      db,
		Auth:    auth,
		Router:  routing.New(db),
		Detect:  service,
		Bus:     bus,
		Client:  client,
		Log:     log,
		Version: "test",
	})

	ln := fasthttputil.NewInmemoryListener()
	go fasthttp.Serve(ln, srv.Handler()) //nolint:errcheck
	t.Cleanup(func() { ln.Close() })

	hc := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
	return &testServer{srv: srv, client: hc, db: db, auth: auth}
}

// seedRoutable inserts an enabled channel with one already-detected model so
// the router considers it.
func seedRoutable(t *testing.T, db *store.Store, name, baseURL, credential, modelName string, sortOrder int) *store.Channel {
	t.Helper()
	ctx := context.Background()
	ch := &store.Channel{Name: name, BaseURL: baseURL, Credential: credential, Enabled: true, SortOrder: sortOrder}
	if err := db.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	m, _, err := db.EnsureModel(ctx, ch.ID, modelName)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.RecordProbeSuccess(ctx, m.ID, store.EndpointChat, 42); err != nil {
		t.Fatal(err)
	}
	return ch
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, "http://gateway"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := ts.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

// adminToken logs in and returns a session token.
func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/api/auth/login",
		[]byte(`{"password":"`+testAdminPass+`"}`), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(readAll(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	return out.Token
}

// TestProxyRoutesAndRewritesBody targets a specific channel with the
// "<channel>/<model>" spec and verifies the upstream sees the bare model
// name and the channel's own credential.
func TestProxyRoutesAndRewritesBody(t *testing.T) {
	var (
		mu       sync.Mutex
		gotPath  string
		gotAuth  string
		gotModel string
	)
	upstreamB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload) //nolint:errcheck
		mu.Lock()
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotModel, _ = payload["model"].(string)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstreamB.Close()

	ts := newTestServer(t)
	seedRoutable(t, ts.db, "A", "https://a.invalid", "keyA", "gpt-4o", 0)
	seedRoutable(t, ts.db, "B", upstreamB.URL, "keyB", "gpt-4o", 1)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"B/gpt-4o","messages":[{"role":"user","content":"hello"}]}`),
		map[string]string{"Authorization": "Bearer " + testBuiltinKey})
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "cmpl-1") {
		t.Fatalf("body not relayed: %s", body)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotAuth != "Bearer keyB" {
		t.Errorf("upstream auth = %q, want channel B's key", gotAuth)
	}
	if gotModel != "gpt-4o" {
		t.Errorf("upstream model = %q, want bare name without channel prefix", gotModel)
	}
}

// TestProxyPermissionDenied verifies a key limited to channel A gets a 404
// for channel B's model, identical to a nonexistent model, and that
// /v1/models omits what the key cannot use.
func TestProxyPermissionDenied(t *testing.T) {
	ts := newTestServer(t)
	chA := seedRoutable(t, ts.db, "A", "https://a.invalid", "ka", "gpt-4o", 0)
	seedRoutable(t, ts.db, "B", "https://b.invalid", "kb", "claude-sonnet-4", 1)

	limited := &store.ProxyKey{
		Name:              "limited",
		Key:               "sk-limited-key",
		Enabled:           true,
		AllowedChannelIDs: []uint{chA.ID},
	}
	if err := ts.db.CreateProxyKey(context.Background(), limited); err != nil {
		t.Fatal(err)
	}
	hdr := map[string]string{"Authorization": "Bearer sk-limited-key"}

	resp := ts.do(t, http.MethodPost, "/v1/messages",
		[]byte(`{"model":"B/claude-sonnet-4","max_tokens":10,"messages":[]}`), hdr)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("denied status = %d, body = %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "model_not_found") {
		t.Errorf("denied body = %s, want model_not_found code", body)
	}

	resp = ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"totally-absent","messages":[]}`), hdr)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("absent-model status = %d", resp.StatusCode)
	}
	readAll(t, resp)

	resp = ts.do(t, http.MethodGet, "/v1/models", nil, hdr)
	var list routing.ModelList
	if err := json.Unmarshal(readAll(t, resp), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 || list.Data[0].ID != "A/gpt-4o" {
		t.Fatalf("visible models = %+v, want only A/gpt-4o", list.Data)
	}
}

// TestProxyStreamingPassthrough checks SSE frames arrive byte-identical.
func TestProxyStreamingPassthrough(t *testing.T) {
	frames := []string{
		"data: {\"delta\":\"a\"}\n\n",
		"data: {\"delta\":\"b\"}\n\n",
		"data: [DONE]\n\n",
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, f := range frames {
			io.WriteString(w, f) //nolint:errcheck
			flusher.Flush()
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer upstream.Close()

	ts := newTestServer(t)
	seedRoutable(t, ts.db, "S", upstream.URL, "ks", "gpt-4o", 0)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","stream":true,"messages":[]}`),
		map[string]string{"Authorization": "Bearer " + testBuiltinKey})
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Errorf("content type = %q", got)
	}
	if want := strings.Join(frames, ""); string(body) != want {
		t.Fatalf("stream body = %q, want byte-identical %q", body, want)
	}
}

// TestGeminiPathRouting resolves the model from the v1beta path segment and
// forwards to the upstream generateContent URL.
func TestGeminiPathRouting(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotKey  string
	)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer upstream.Close()

	ts := newTestServer(t)
	seedRoutable(t, ts.db, "G", upstream.URL, "gemini-key", "gemini-2.0-flash", 0)

	resp := ts.do(t, http.MethodPost, "/v1beta/models/gemini-2.0-flash:generateContent",
		[]byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`),
		map[string]string{"x-goog-api-key": testBuiltinKey})
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/v1beta/models/gemini-2.0-flash:generateContent" {
		t.Errorf("upstream path = %q", gotPath)
	}
	if gotKey != "gemini-key" {
		t.Errorf("upstream x-goog-api-key = %q, want channel credential", gotKey)
	}
}

// TestProxyUpstreamErrorRelay preserves the upstream status and wraps the
// diagnostic in the proxy_error envelope.
func TestProxyUpstreamErrorRelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"quota exceeded","type":"rate_limit"}}`))
	}))
	defer upstream.Close()

	ts := newTestServer(t)
	seedRoutable(t, ts.db, "E", upstream.URL, "ke", "gpt-4o", 0)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[]}`),
		map[string]string{"Authorization": "Bearer " + testBuiltinKey})
	body := readAll(t, resp)

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want upstream 429 preserved", resp.StatusCode)
	}
	var env struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Type != "proxy_error" || env.Error.Message != "quota exceeded" {
		t.Fatalf("error envelope = %+v", env.Error)
	}
}

// TestProxyAuthRequired rejects keyless and bogus-key requests with 401.
func TestProxyAuthRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o"}`), nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o"}`),
		map[string]string{"Authorization": "Bearer nope"})
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad key status = %d", resp.StatusCode)
	}
}

// TestAdminAuthFlow exercises login, token gating, and a config round trip.
func TestAdminAuthFlow(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/api/auth/login", []byte(`{"password":"wrong"}`), nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/api/channels", nil, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("tokenless admin call status = %d", resp.StatusCode)
	}

	token := ts.adminToken(t)
	auth := map[string]string{"Authorization": "Bearer " + token}

	resp = ts.do(t, http.MethodGet, "/api/channels", nil, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authed channel list status = %d", resp.StatusCode)
	}
	readAll(t, resp)

	// Bad cron expressions never reach the store.
	resp = ts.do(t, http.MethodPut, "/api/scheduler/config",
		[]byte(`{"enabled":true,"cronExpr":"not a cron","timezone":"UTC","channelConcurrency":5,"maxGlobalConcurrency":30}`), auth)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad cron status = %d, body = %s", resp.StatusCode, body)
	}

	resp = ts.do(t, http.MethodPut, "/api/scheduler/config",
		[]byte(`{"enabled":false,"cronExpr":"0 */6 * * *","timezone":"UTC","channelConcurrency":5,"maxGlobalConcurrency":30,"minDelayMs":0,"maxDelayMs":100,"probeAll":true}`), auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("valid config status = %d, body = %s", resp.StatusCode, readAll(t, resp))
	}
	readAll(t, resp)
}

// TestChannelCRUD walks create, update, and delete through the API.
func TestChannelCRUD(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.adminToken(t)}

	resp := ts.do(t, http.MethodPost, "/api/channels",
		[]byte(`{"name":"prov","baseUrl":"https://prov.example/v1","credential":"sk-x"}`), auth)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", resp.StatusCode, body)
	}
	var ch store.Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		t.Fatal(err)
	}
	if ch.ID == 0 || !ch.Enabled {
		t.Fatalf("created channel = %+v", ch)
	}

	// Missing required fields are rejected.
	resp = ts.do(t, http.MethodPost, "/api/channels", []byte(`{"name":"only-name"}`), auth)
	readAll(t, resp)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid create status = %d", resp.StatusCode)
	}

	ch.Name = "prov-renamed"
	upd, _ := json.Marshal(ch)
	resp = ts.do(t, http.MethodPut, "/api/channels/"+itoa(ch.ID), upd, auth)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", resp.StatusCode, readAll(t, resp))
	}
	readAll(t, resp)

	got, err := ts.db.GetChannel(context.Background(), ch.ID)
	if err != nil || got.Name != "prov-renamed" {
		t.Fatalf("after update: %+v, err %v", got, err)
	}

	resp = ts.do(t, http.MethodDelete, "/api/channels/"+itoa(ch.ID), nil, auth)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if _, err := ts.db.GetChannel(context.Background(), ch.ID); err == nil {
		t.Fatal("channel still present after delete")
	}
}

// TestImportSkipsDuplicates verifies import dedupes on (baseUrl, credential).
func TestImportSkipsDuplicates(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.adminToken(t)}

	dump := []byte(`[
		{"name":"one","baseUrl":"https://one.example","credential":"k1"},
		{"name":"two","baseUrl":"https://two.example","credential":"k2"}
	]`)
	resp := ts.do(t, http.MethodPost, "/api/channels/import", dump, auth)
	var out map[string]int
	if err := json.Unmarshal(readAll(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out["imported"] != 2 || out["skipped"] != 0 {
		t.Fatalf("first import = %v", out)
	}

	resp = ts.do(t, http.MethodPost, "/api/channels/import", dump, auth)
	if err := json.Unmarshal(readAll(t, resp), &out); err != nil {
		t.Fatal(err)
	}
	if out["imported"] != 0 || out["skipped"] != 2 {
		t.Fatalf("second import = %v, want all skipped", out)
	}
}

// TestProxyKeyLifecycle creates, rotates, and uses a key at the boundary.
func TestProxyKeyLifecycle(t *testing.T) {
	ts := newTestServer(t)
	auth := map[string]string{"Authorization": "Bearer " + ts.adminToken(t)}

	resp := ts.do(t, http.MethodPost, "/api/keys",
		[]byte(`{"name":"ci","allowAllModels":true}`), auth)
	body := readAll(t, resp)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key status = %d, body = %s", resp.StatusCode, body)
	}
	var k store.ProxyKey
	if err := json.Unmarshal(body, &k); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(k.Key, "sk-") {
		t.Fatalf("generated key = %q", k.Key)
	}

	resp = ts.do(t, http.MethodPost, "/api/keys/"+itoa(k.ID)+"/regenerate", nil, auth)
	var rotated store.ProxyKey
	if err := json.Unmarshal(readAll(t, resp), &rotated); err != nil {
		t.Fatal(err)
	}
	if rotated.Key == k.Key {
		t.Fatal("regenerate kept the old secret")
	}

	// The old secret stops working, the new one authenticates.
	resp = ts.do(t, http.MethodGet, "/v1/models", nil,
		map[string]string{"Authorization": "Bearer " + k.Key})
	readAll(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old secret status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/v1/models", nil,
		map[string]string{"Authorization": "Bearer " + rotated.Key})
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotated secret status = %d", resp.StatusCode)
	}
}

// TestHealthEndpoints are reachable without any credentials.
func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/health", nil, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/readiness", nil, nil)
	readAll(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readiness status = %d", resp.StatusCode)
	}
}

func itoa(id uint) string { return strconv.FormatUint(uint64(id), 10) }
