package store

import (
	"strings"
	"time"
)

// Endpoint type tags recorded on models and probe logs. These mirror the
// request shapes the adapter knows how to build.
const (
	EndpointChat   = "CHAT"
	EndpointClaude = "CLAUDE"
	EndpointGemini = "GEMINI"
	EndpointCodex  = "CODEX"
	EndpointImage  = "IMAGE"
)

// Probe outcome statuses stored on ProbeLog rows.
const (
	ProbeSuccess = "SUCCESS"
	ProbeFail    = "FAIL"
)

// Channel is a configured upstream provider.
type Channel struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"size:255;not null" json:"name"`

	// BaseURL is the upstream root, e.g. "https://api.example.com".
	// Trailing "/" and "/v1" are normalised away when building request URLs.
	BaseURL string `gorm:"size:1024;not null" json:"baseUrl"`

	// Credential is the upstream API key. It may hold several keys separated
	// by newlines or commas; the router round-robins across them.
	Credential string `gorm:"size:4096;not null" json:"credential"`

	// ProxyURL optionally routes this channel's outbound traffic through an
	// http://, https:// or socks5:// proxy. Empty uses the global default.
	ProxyURL string `gorm:"size:1024" json:"proxyUrl,omitempty"`

	// ModelFilter is an optional keyword filter applied when syncing the
	// upstream model list; only model ids containing the keyword are added.
	ModelFilter string `gorm:"size:255" json:"modelFilter,omitempty"`

	Enabled   bool      `gorm:"default:true" json:"enabled"`
	SortOrder int       `gorm:"default:0" json:"sortOrder"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Models []Model `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// Credentials splits the Credential field into individual upstream keys.
// Both newline and comma act as delimiters; blanks are dropped.
func (c *Channel) Credentials() []string {
	fields := strings.FieldsFunc(c.Credential, func(r rune) bool {
		return r == '\n' || r == ',' || r == '\r'
	})
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		if k := strings.TrimSpace(f); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// DedupeKey identifies a channel for mirror reconciliation: two channels with
// the same base URL and credential are the same upstream.
func (c *Channel) DedupeKey() string {
	return strings.TrimRight(c.BaseURL, "/") + "\x00" + c.Credential
}

// Model is a (channel, model-name) pair known to the gateway.
type Model struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ChannelID uint   `gorm:"not null;index;uniqueIndex:idx_channel_model" json:"channelId"`
	Name      string `gorm:"size:512;not null;uniqueIndex:idx_channel_model" json:"name"`

	// DetectedEndpoints is the set of endpoint types confirmed reachable at
	// least once. Transient failures never remove entries.
	DetectedEndpoints []string `gorm:"serializer:json" json:"detectedEndpoints"`

	// LastStatus is nil before the first probe, then true/false.
	LastStatus    *bool      `json:"lastStatus"`
	LastLatencyMs int64      `json:"lastLatencyMs"`
	LastCheckedAt *time.Time `json:"lastCheckedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasEndpoint reports whether ep is already in the detected set.
func (m *Model) HasEndpoint(ep string) bool {
	for _, e := range m.DetectedEndpoints {
		if e == ep {
			return true
		}
	}
	return false
}

// Available reports whether the model ever had a successful probe and is
// therefore eligible for /v1/models and proxy routing.
func (m *Model) Available() bool {
	return len(m.DetectedEndpoints) > 0
}

// ProbeLog is the append-only outcome of a single probe.
type ProbeLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ModelID      uint      `gorm:"not null;index:idx_probelog_model_created,priority:1" json:"modelId"`
	EndpointType string    `gorm:"size:16;not null" json:"endpointType"`
	Status       string    `gorm:"size:16;not null" json:"status"`
	LatencyMs    int64     `json:"latencyMs"`
	UpstreamCode int       `json:"upstreamCode"`
	ErrorMessage string    `gorm:"size:500" json:"errorMessage,omitempty"`
	Preview      string    `gorm:"size:500" json:"preview,omitempty"`
	CreatedAt    time.Time `gorm:"index;index:idx_probelog_model_created,priority:2" json:"createdAt"`
}

// ProxyKey is a gateway-issued credential accepted at the proxy boundary.
type ProxyKey struct {
	ID      uint   `gorm:"primaryKey" json:"id"`
	Name    string `gorm:"size:255;not null" json:"name"`
	Key     string `gorm:"size:255;not null;uniqueIndex" json:"key"`
	Enabled bool   `gorm:"default:true" json:"enabled"`

	// AllowAllModels short-circuits the allow-lists. When false and both
	// lists are empty the key denies everything.
	AllowAllModels    bool   `gorm:"default:false" json:"allowAllModels"`
	AllowedChannelIDs []uint `gorm:"serializer:json" json:"allowedChannelIds"`
	AllowedModelIDs   []uint `gorm:"serializer:json" json:"allowedModelIds"`

	LastUsedAt *time.Time `json:"lastUsedAt"`
	UsageCount int64      `gorm:"default:0" json:"usageCount"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Allows applies the permission predicate for an operation targeting
// (channelID, modelID). Membership in either allow-list grants access.
func (k *ProxyKey) Allows(channelID, modelID uint) bool {
	if k.AllowAllModels {
		return true
	}
	for _, id := range k.AllowedChannelIDs {
		if id == channelID {
			return true
		}
	}
	for _, id := range k.AllowedModelIDs {
		if id == modelID {
			return true
		}
	}
	return false
}

// SchedulerConfig is the singleton probe-scheduling configuration.
// There is exactly one row; updates replace it atomically.
type SchedulerConfig struct {
	ID       uint   `gorm:"primaryKey" json:"-"`
	Enabled  bool   `json:"enabled"`
	CronExpr string `gorm:"size:128" json:"cronExpr"`
	Timezone string `gorm:"size:64" json:"timezone"`

	ChannelConcurrency   int `json:"channelConcurrency"`
	MaxGlobalConcurrency int `json:"maxGlobalConcurrency"`
	MinDelayMs           int `json:"minDelayMs"`
	MaxDelayMs           int `json:"maxDelayMs"`

	// ProbeAll selects every enabled channel; otherwise SelectedChannelIDs
	// and SelectedModelIDs (keyed by channel id) restrict the run.
	ProbeAll           bool            `json:"probeAll"`
	SelectedChannelIDs []uint          `gorm:"serializer:json" json:"selectedChannelIds"`
	SelectedModelIDs   map[uint][]uint `gorm:"serializer:json" json:"selectedModelIds"`

	UpdatedAt time.Time `json:"updatedAt"`
}
