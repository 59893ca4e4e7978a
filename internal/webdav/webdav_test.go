package webdav

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
)

// fakeDAV is a single-file WebDAV stand-in with basic auth.
type fakeDAV struct {
	mu   sync.Mutex
	file []byte
	puts int
}

func (f *fakeDAV) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			if f.file == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Write(f.file)
		case http.MethodPut:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("read put body: %v", err)
			}
			f.file = body
			f.puts++
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}
}

func (f *fakeDAV) entries(t *testing.T) []entry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var es []entry
	if err := json.Unmarshal(f.file, &es); err != nil {
		t.Fatalf("decode remote file: %v", err)
	}
	return es
}

func newTestMirror(t *testing.T, url string) (*Mirror, *store.Store) {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New(db, transport.New(""), Config{URL: url, Username: "u", Password: "p"}, log)
	if m == nil {
		t.Fatal("mirror disabled despite full config")
	}
	return m, db
}

// TestNewRequiresFullConfig treats a partial config as disabled.
func TestNewRequiresFullConfig(t *testing.T) {
	if New(nil, nil, Config{URL: "https://dav.example/f.json"}, nil) != nil {
		t.Fatal("mirror enabled without credentials")
	}
}

// TestReconcileMergesBothWays pulls unknown remote channels and pushes the
// merged list back.
func TestReconcileMergesBothWays(t *testing.T) {
	dav := &fakeDAV{}
	remote, _ := json.Marshal([]entry{
		{Name: "remote-only", BaseURL: "https://r.example", Credential: "rk", Enabled: true},
	})
	dav.file = remote

	srv := httptest.NewServer(dav.handler(t))
	defer srv.Close()

	m, db := newTestMirror(t, srv.URL+"/channels.json")
	ctx := context.Background()
	if err := db.CreateChannel(ctx, &store.Channel{
		Name: "local-only", BaseURL: "https://l.example", Credential: "lk", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	m.Reconcile(5 * time.Second)

	channels, err := db.ListChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 2 {
		t.Fatalf("local channels = %d, want remote one pulled in", len(channels))
	}

	names := map[string]bool{}
	for _, e := range dav.entries(t) {
		names[e.Name] = true
	}
	if !names["remote-only"] || !names["local-only"] {
		t.Fatalf("pushed file = %v, want both channels", names)
	}
}

// TestReconcileIsIdempotent verifies a second run adds nothing.
func TestReconcileIsIdempotent(t *testing.T) {
	dav := &fakeDAV{}
	srv := httptest.NewServer(dav.handler(t))
	defer srv.Close()

	m, db := newTestMirror(t, srv.URL+"/channels.json")
	ctx := context.Background()
	if err := db.CreateChannel(ctx, &store.Channel{
		Name: "only", BaseURL: "https://o.example", Credential: "ok", Enabled: true,
	}); err != nil {
		t.Fatal(err)
	}

	m.Reconcile(5 * time.Second)
	m.Reconcile(5 * time.Second)

	channels, err := db.ListChannels(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(channels) != 1 {
		t.Fatalf("channels = %d after double reconcile", len(channels))
	}
	if es := dav.entries(t); len(es) != 1 || es[0].Name != "only" {
		t.Fatalf("remote entries = %+v", es)
	}
}
