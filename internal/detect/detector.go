package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nulpointcorp/channel-gateway/internal/adapter"
	"github.com/nulpointcorp/channel-gateway/internal/transport"
)

// maxProbeBody caps how much of an upstream response a probe will read.
const maxProbeBody = 1 << 20

// ProbeResult is the outcome of one probe.
type ProbeResult struct {
	Status         string
	LatencyMs      int64
	UpstreamStatus int
	ErrorMessage   string
	Preview        string
}

// Detector runs a single synchronous probe against an upstream.
type Detector struct {
	client *transport.Client
	prompt string
}

// NewDetector builds a Detector. prompt is the probe question sent to every
// text endpoint.
func NewDetector(client *transport.Client, prompt string) *Detector {
	return &Detector{client: client, prompt: prompt}
}

// Probe sends the canonical probe for the job's endpoint type and classifies
// the result. Latency is wall clock from pre-send to full body decode.
// Transport failures never return an error; they become FAIL results so the
// caller's retry policy owns recovery.
func (d *Detector) Probe(ctx context.Context, job *Job) ProbeResult {
	body, err := adapter.ProbeBody(job.EndpointType, job.ModelName, d.prompt)
	if err != nil {
		return ProbeResult{Status: StatusFail, ErrorMessage: err.Error()}
	}

	req := transport.Request{
		Method:   http.MethodPost,
		URL:      adapter.ProbeURL(job.BaseURL, job.EndpointType, job.ModelName),
		Headers:  adapter.Headers(job.EndpointType, job.APIKey),
		Body:     body,
		ProxyURL: job.ProxyURL,
	}

	start := time.Now()
	resp, err := d.client.Do(ctx, req)
	if err != nil {
		return ProbeResult{
			Status:       StatusFail,
			LatencyMs:    time.Since(start).Milliseconds(),
			ErrorMessage: transportMessage(err),
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return ProbeResult{
			Status:         StatusFail,
			LatencyMs:      latency,
			UpstreamStatus: resp.StatusCode,
			ErrorMessage:   transportMessage(err),
		}
	}

	result := ProbeResult{
		LatencyMs:      latency,
		UpstreamStatus: resp.StatusCode,
	}

	// Provider-reported failure wins over the HTTP status: relays tunnel
	// upstream errors inside 200 bodies.
	if msg, failed := adapter.DetectBodyError(raw); failed {
		result.Status = StatusFail
		result.ErrorMessage = msg
		return result
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Status = StatusFail
		result.ErrorMessage = fmt.Sprintf("upstream returned HTTP %d: %s",
			resp.StatusCode, adapter.Truncate(string(raw), adapter.PreviewLimit))
		return result
	}

	if job.EndpointType == adapter.EndpointImage && !adapter.ImageSuccess(raw) {
		result.Status = StatusFail
		result.ErrorMessage = "image response carries no data[0].url or b64_json"
		return result
	}

	result.Status = StatusSuccess
	result.Preview = adapter.ExtractPreview(job.EndpointType, raw)
	return result
}

// transportMessage flattens a transport error into a stored diagnostic.
func transportMessage(err error) string {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Error()
	}
	return err.Error()
}
