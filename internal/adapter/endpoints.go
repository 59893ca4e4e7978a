// Package adapter knows the wire shape of every upstream endpoint type:
// URL layout, auth headers, canonical probe bodies, and how to read a
// response back out (typed SDK decode with a permissive JSON fallback).
package adapter

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Endpoint types. Values are persisted in Model.DetectedEndpoints and in
// ProbeLog rows, so they never change.
const (
	EndpointChat   = "CHAT"
	EndpointClaude = "CLAUDE"
	EndpointGemini = "GEMINI"
	EndpointCodex  = "CODEX"
	EndpointImage  = "IMAGE"
)

// Canonical inbound/outbound paths per endpoint type.
const (
	PathChat   = "/v1/chat/completions"
	PathClaude = "/v1/messages"
	PathCodex  = "/v1/responses"
	PathImage  = "/v1/images/generations"
	PathModels = "/v1/models"
)

// AnthropicVersion is pinned; upstream requires the header on /v1/messages.
const AnthropicVersion = "2023-06-01"

// NormalizeBaseURL strips a trailing slash and a trailing "/v1" so stored
// base URLs compose with the canonical paths regardless of how the operator
// entered them.
func NormalizeBaseURL(base string) string {
	base = strings.TrimSpace(base)
	base = strings.TrimSuffix(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimSuffix(base, "/")
}

// ProbeURL returns the full probe URL for an endpoint type. The model name
// only matters for GEMINI, whose path embeds it.
func ProbeURL(baseURL, endpoint, model string) string {
	base := NormalizeBaseURL(baseURL)
	switch endpoint {
	case EndpointClaude:
		return base + PathClaude
	case EndpointGemini:
		return base + "/v1beta/models/" + url.PathEscape(model) + ":generateContent"
	case EndpointCodex:
		return base + PathCodex
	case EndpointImage:
		return base + PathImage
	default:
		return base + PathChat
	}
}

// Headers returns the auth header set for an endpoint type.
func Headers(endpoint, credential string) map[string]string {
	switch endpoint {
	case EndpointClaude:
		return map[string]string{
			"x-api-key":         credential,
			"anthropic-version": AnthropicVersion,
		}
	case EndpointGemini:
		return map[string]string{
			"x-goog-api-key": credential,
		}
	default:
		return map[string]string{
			"Authorization": "Bearer " + credential,
		}
	}
}

// ProbeBody builds the canonical minimal request body for an endpoint type.
func ProbeBody(endpoint, model, prompt string) ([]byte, error) {
	var body any
	switch endpoint {
	case EndpointChat:
		body = map[string]any{
			"model":      model,
			"max_tokens": 50,
			"stream":     false,
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		}
	case EndpointClaude:
		body = map[string]any{
			"model":      model,
			"max_tokens": 50,
			"stream":     false,
			"messages": []map[string]any{
				{"role": "user", "content": prompt},
			},
		}
	case EndpointGemini:
		body = map[string]any{
			"contents": []map[string]any{
				{"parts": []map[string]any{{"text": prompt}}},
			},
			"generationConfig": map[string]any{"maxOutputTokens": 10},
		}
	case EndpointCodex:
		body = map[string]any{
			"model":  model,
			"stream": false,
			"input": []map[string]any{
				{
					"role": "user",
					"content": []map[string]any{
						{"type": "input_text", "text": prompt},
					},
				},
			},
		}
	case EndpointImage:
		// Minimal request; success is judged by data[0].url|b64_json.
		body = map[string]any{
			"model":  model,
			"prompt": prompt,
			"n":      1,
			"size":   "256x256",
		}
	default:
		return nil, fmt.Errorf("adapter: unknown endpoint type %q", endpoint)
	}
	return json.Marshal(body)
}

var codexNamePattern = regexp.MustCompile(`gpt-4o|gpt-5|^o[134](-|$)`)

// EndpointsForModel derives the endpoint types to probe from the model name.
// CHAT is always included; the family-specific endpoint is added when the
// name matches.
func EndpointsForModel(name string) []string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case strings.HasPrefix(n, "claude"):
		return []string{EndpointChat, EndpointClaude}
	case strings.HasPrefix(n, "gemini"):
		return []string{EndpointChat, EndpointGemini}
	case codexNamePattern.MatchString(n):
		return []string{EndpointChat, EndpointCodex}
	default:
		return []string{EndpointChat}
	}
}
