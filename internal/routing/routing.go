// Package routing maps a requested model name onto a concrete upstream:
// channel, actual model, and one credential picked round-robin from the
// channel's key list.
package routing

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/nulpointcorp/channel-gateway/internal/keyauth"
	"github.com/nulpointcorp/channel-gateway/internal/store"
)

// ErrNoRoute covers unknown models, disabled channels, never-successful
// models, and permission denials alike. The boundary maps all of them to
// 404 so a denied caller cannot distinguish "hidden" from "absent".
var ErrNoRoute = errors.New("routing: no matching model")

// Route is the resolved upstream target for one request.
type Route struct {
	ChannelID    uint
	ChannelName  string
	BaseURL      string
	UpstreamKey  string
	ChannelProxy string

	ActualModelName string
	ModelID         uint
	LastStatus      *bool
}

// Router resolves model specs against the store. Round-robin cursors are
// advisory in-process counters, reset whenever a channel is edited.
type Router struct {
	db *store.Store

	mu       sync.Mutex
	counters map[uint]uint64
}

// New builds a Router.
func New(db *store.Store) *Router {
	return &Router{db: db, counters: make(map[uint]uint64)}
}

// SplitModelSpec parses "<channelName>/<model>". A non-empty prefix before
// the first slash is a channel filter; otherwise the whole spec is the
// model name.
func SplitModelSpec(spec string) (channelName, modelName string) {
	if i := strings.Index(spec, "/"); i > 0 {
		return spec[:i], spec[i+1:]
	}
	return "", spec
}

// Resolve finds the first enabled channel owning the requested model that
// the principal may use, in store order (sort_order, name, id). Only models
// with at least one historical successful probe are eligible.
func (r *Router) Resolve(ctx context.Context, modelSpec string, principal *keyauth.Principal) (*Route, error) {
	channelName, modelName := SplitModelSpec(modelSpec)
	if modelName == "" {
		return nil, ErrNoRoute
	}

	channels, err := r.db.ListAvailableModels(ctx)
	if err != nil {
		return nil, err
	}

	for i := range channels {
		ch := &channels[i].Channel
		if channelName != "" && ch.Name != channelName {
			continue
		}
		for j := range channels[i].Models {
			m := &channels[i].Models[j]
			if m.Name != modelName {
				continue
			}
			if !principal.Allows(ch.ID, m.ID) {
				continue
			}
			return &Route{
				ChannelID:       ch.ID,
				ChannelName:     ch.Name,
				BaseURL:         ch.BaseURL,
				UpstreamKey:     r.pickCredential(ch),
				ChannelProxy:    ch.ProxyURL,
				ActualModelName: m.Name,
				ModelID:         m.ID,
				LastStatus:      m.LastStatus,
			}, nil
		}
	}
	return nil, ErrNoRoute
}

// pickCredential round-robins across the channel's delimited key list.
// Single-key channels skip the counter entirely.
func (r *Router) pickCredential(ch *store.Channel) string {
	creds := ch.Credentials()
	switch len(creds) {
	case 0:
		return ""
	case 1:
		return creds[0]
	}

	r.mu.Lock()
	n := r.counters[ch.ID]
	r.counters[ch.ID] = n + 1
	r.mu.Unlock()
	return creds[n%uint64(len(creds))]
}

// InvalidateChannel resets the round-robin cursor after a channel edit, so
// a reordered key list starts from its first entry again.
func (r *Router) InvalidateChannel(channelID uint) {
	r.mu.Lock()
	delete(r.counters, channelID)
	r.mu.Unlock()
}

// ModelEntry is one row of the OpenAI-compatible model listing.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models payload.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ListModels enumerates "<channel>/<model>" ids visible to the principal,
// restricted to models with at least one historical success. Denied entries
// are omitted, never errored.
func (r *Router) ListModels(ctx context.Context, principal *keyauth.Principal) (*ModelList, error) {
	channels, err := r.db.ListAvailableModels(ctx)
	if err != nil {
		return nil, err
	}

	list := &ModelList{Object: "list", Data: []ModelEntry{}}
	for i := range channels {
		ch := &channels[i].Channel
		for j := range channels[i].Models {
			m := &channels[i].Models[j]
			if !principal.Allows(ch.ID, m.ID) {
				continue
			}
			list.Data = append(list.Data, ModelEntry{
				ID:      ch.Name + "/" + m.Name,
				Object:  "model",
				Created: 0,
				OwnedBy: ch.Name,
			})
		}
	}
	return list, nil
}
