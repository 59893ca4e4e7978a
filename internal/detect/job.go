// Package detect is the probing engine: a Redis-backed job queue drained by
// a bounded worker pool under global and per-channel semaphores, with
// progress fan-out over the bus.
package detect

import (
	"fmt"
	"time"
)

// Probe outcome values persisted in ProbeLog rows and job records.
const (
	StatusSuccess = "SUCCESS"
	StatusFail    = "FAIL"
)

// StoppedByUserMessage marks jobs cancelled by the stop operation.
const StoppedByUserMessage = "Detection stopped by user"

// Retry policy defaults.
const (
	MaxAttempts    = 3
	BackoffInitial = 5 * time.Second
)

// Retention policy for finished jobs.
const (
	CompletedRetention = time.Hour
	CompletedCap       = 1000
	FailedRetention    = 24 * time.Hour
	FailedCap          = 500
)

// Job is one probe unit of work: a (channel, model, endpoint) triple plus
// everything needed to reach the upstream without further DB reads.
type Job struct {
	ID string `json:"id"`

	ChannelID   uint   `json:"channelId"`
	ChannelName string `json:"channelName"`
	BaseURL     string `json:"baseUrl"`
	APIKey      string `json:"apiKey"`
	ProxyURL    string `json:"proxyUrl,omitempty"`

	ModelID      uint   `json:"modelId"`
	ModelName    string `json:"modelName"`
	EndpointType string `json:"endpointType"`

	// Attempts counts processing attempts made so far.
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueuedAt"`

	// Final outcome, populated when the job lands in completed/failed.
	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// jobID builds the deterministic id "<channel>-<model>-<endpoint>-<ts>-<seq>".
// The (ts, seq) tail keeps simultaneous enqueues of the same triple distinct
// while retries reuse the id.
func jobID(channelID, modelID uint, endpoint string, ts time.Time, seq int64) string {
	return fmt.Sprintf("%d-%d-%s-%d-%d", channelID, modelID, endpoint, ts.UnixMilli(), seq)
}

// backoffDelay returns the delay before retry attempt n (1-based), doubling
// from BackoffInitial.
func backoffDelay(attempt int) time.Duration {
	d := BackoffInitial
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}
