// Package webdav mirrors the channel list to a single JSON file on a WebDAV
// share, so several gateway instances (or a rebuilt one) converge on the same
// channel set.
//
// Reconciliation is pull-merge-push keyed on each channel's (baseURL,
// credential) identity: remote channels unknown locally are inserted, then
// the merged list is uploaded. It runs in the background after channel
// mutations and never sits on a request path.
package webdav

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nulpointcorp/channel-gateway/internal/store"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
)

// maxFileSize bounds the remote file read.
const maxFileSize = 8 << 20

// Config selects the remote file and its credentials. All fields must be set
// for the mirror to activate.
type Config struct {
	URL      string
	Username string
	Password string
}

// entry is the mirrored wire form of one channel. Only identity and routing
// fields travel; probe state stays local.
type entry struct {
	Name        string `json:"name"`
	BaseURL     string `json:"baseUrl"`
	Credential  string `json:"credential"`
	ProxyURL    string `json:"proxyUrl,omitempty"`
	ModelFilter string `json:"modelFilter,omitempty"`
	Enabled     bool   `json:"enabled"`
	SortOrder   int    `json:"sortOrder"`
}

// Mirror reconciles the channel list with the remote file.
type Mirror struct {
	db     *store.Store
	client *transport.Client
	cfg    Config
	log    *slog.Logger

	// One reconcile at a time; later requests coalesce into the running one.
	mu sync.Mutex
}

// New builds a Mirror. Returns nil when the config is incomplete, which
// callers treat as "mirroring disabled".
func New(db *store.Store, client *transport.Client, cfg Config, log *slog.Logger) *Mirror {
	if cfg.URL == "" || cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	return &Mirror{db: db, client: client, cfg: cfg, log: log}
}

// Reconcile runs one pull-merge-push cycle bounded by deadline. Failures are
// logged, never propagated: the local store is always the working copy.
func (m *Mirror) Reconcile(deadline time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	if err := m.reconcile(ctx); err != nil {
		m.log.Warn("webdav reconcile failed", "error", err)
	}
}

func (m *Mirror) reconcile(ctx context.Context) error {
	remote, err := m.fetch(ctx)
	if err != nil {
		return err
	}

	local, err := m.db.ListChannels(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(local))
	for i := range local {
		known[local[i].DedupeKey()] = struct{}{}
	}

	added := 0
	for _, e := range remote {
		ch := store.Channel{
			Name:        e.Name,
			BaseURL:     e.BaseURL,
			Credential:  e.Credential,
			ProxyURL:    e.ProxyURL,
			ModelFilter: e.ModelFilter,
			Enabled:     e.Enabled,
			SortOrder:   e.SortOrder,
		}
		if _, ok := known[ch.DedupeKey()]; ok {
			continue
		}
		if err := m.db.CreateChannel(ctx, &ch); err != nil {
			return err
		}
		known[ch.DedupeKey()] = struct{}{}
		added++
	}

	if added > 0 {
		if local, err = m.db.ListChannels(ctx); err != nil {
			return err
		}
	}

	if err := m.push(ctx, local); err != nil {
		return err
	}
	m.log.Info("webdav reconcile done", "remote", len(remote), "pulled", added, "pushed", len(local))
	return nil
}

// fetch downloads the remote file. A 404 means the file has not been created
// yet and is treated as an empty list.
func (m *Mirror) fetch(ctx context.Context) ([]entry, error) {
	resp, err := m.client.Do(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     m.cfg.URL,
		Headers: m.headers(),
	})
	if err != nil {
		return nil, fmt.Errorf("webdav: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webdav: fetch returned HTTP %d", resp.StatusCode)
	}

	var entries []entry
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxFileSize))
	if err := dec.Decode(&entries); err != nil {
		return nil, fmt.Errorf("webdav: decode remote file: %w", err)
	}
	return entries, nil
}

// push uploads the merged channel list.
func (m *Mirror) push(ctx context.Context, channels []store.Channel) error {
	entries := make([]entry, 0, len(channels))
	for i := range channels {
		ch := &channels[i]
		entries = append(entries, entry{
			Name:        ch.Name,
			BaseURL:     ch.BaseURL,
			Credential:  ch.Credential,
			ProxyURL:    ch.ProxyURL,
			ModelFilter: ch.ModelFilter,
			Enabled:     ch.Enabled,
			SortOrder:   ch.SortOrder,
		})
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("webdav: encode channel list: %w", err)
	}

	resp, err := m.client.Do(ctx, transport.Request{
		Method:  http.MethodPut,
		URL:     m.cfg.URL,
		Headers: m.headers(),
		Body:    payload,
	})
	if err != nil {
		return fmt.Errorf("webdav: push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webdav: push returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func (m *Mirror) headers() map[string]string {
	token := base64.StdEncoding.EncodeToString([]byte(m.cfg.Username + ":" + m.cfg.Password))
	return map[string]string{
		"Authorization": "Basic " + token,
		"Content-Type":  "application/json",
	}
}
