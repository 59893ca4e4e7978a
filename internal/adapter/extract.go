package adapter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

// PreviewLimit caps stored response previews and error messages.
const PreviewLimit = 500

var thinkPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// ExtractPreview pulls the human-readable answer out of a probe response
// body for the given endpoint type. Thinking sentinels are stripped and the
// result is truncated to PreviewLimit characters. Returns "" when nothing
// recognizable is present.
func ExtractPreview(endpoint string, body []byte) string {
	var text string
	switch endpoint {
	case EndpointClaude:
		text = extractClaude(body)
	case EndpointGemini:
		text = extractGemini(body)
	case EndpointCodex:
		text = extractCodex(body)
	case EndpointImage:
		text = extractImage(body)
	default:
		text = extractChat(body)
	}

	text = thinkPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	return Truncate(text, PreviewLimit)
}

// Truncate clips s to at most limit runes.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}

// extractChat reads an OpenAI chat completion. The SDK type covers the
// standard shape; reasoning_content and streaming-delta leftovers only exist
// in relay dialects, so those come from raw JSON lookups.
func extractChat(body []byte) string {
	var cc openaiSDK.ChatCompletion
	if err := json.Unmarshal(body, &cc); err == nil && len(cc.Choices) > 0 {
		msg := cc.Choices[0].Message
		if msg.Content != "" {
			return msg.Content
		}
		if msg.Refusal != "" {
			// Keep looking at relay-only fields first; refusal is last resort
			// among message fields below.
			if rc := gjson.GetBytes(body, "choices.0.message.reasoning_content"); rc.Type == gjson.String && rc.Str != "" {
				return rc.Str
			}
			return msg.Refusal
		}
	}

	for _, path := range []string{
		"choices.0.message.content",
		"choices.0.message.reasoning_content",
		"choices.0.message.refusal",
		"choices.0.delta.content",
		"choices.0.text",
	} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

// extractClaude reads an Anthropic message: first content block of type text.
func extractClaude(body []byte) string {
	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err == nil {
		for _, block := range msg.Content {
			if block.Type == "text" && block.Text != "" {
				return block.Text
			}
		}
	}

	var out string
	gjson.GetBytes(body, "content").ForEach(func(_, block gjson.Result) bool {
		if block.Get("type").Str == "text" && block.Get("text").Str != "" {
			out = block.Get("text").Str
			return false
		}
		return true
	})
	return out
}

// extractGemini prefers the first non-thought text part, then any text part.
func extractGemini(body []byte) string {
	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(body, &resp); err == nil && len(resp.Candidates) > 0 {
		if c := resp.Candidates[0].Content; c != nil {
			var anyText string
			for _, part := range c.Parts {
				if part == nil || part.Text == "" {
					continue
				}
				if !part.Thought {
					return part.Text
				}
				if anyText == "" {
					anyText = part.Text
				}
			}
			if anyText != "" {
				return anyText
			}
		}
	}

	var first, nonThought string
	gjson.GetBytes(body, "candidates.0.content.parts").ForEach(func(_, part gjson.Result) bool {
		text := part.Get("text").Str
		if text == "" {
			return true
		}
		if first == "" {
			first = text
		}
		if !part.Get("thought").Bool() {
			nonThought = text
			return false
		}
		return true
	})
	if nonThought != "" {
		return nonThought
	}
	return first
}

// extractCodex reads a Responses API body: output[i].content[j] of type
// output_text, falling back to output[i].text.
func extractCodex(body []byte) string {
	var typed, loose string
	gjson.GetBytes(body, "output").ForEach(func(_, item gjson.Result) bool {
		item.Get("content").ForEach(func(_, c gjson.Result) bool {
			if c.Get("type").Str == "output_text" && c.Get("text").Str != "" {
				typed = c.Get("text").Str
				return false
			}
			return true
		})
		if typed != "" {
			return false
		}
		if loose == "" && item.Get("text").Str != "" {
			loose = item.Get("text").Str
		}
		return true
	})
	if typed != "" {
		return typed
	}
	return loose
}

// extractImage synthesizes a readable summary from the first generation.
func extractImage(body []byte) string {
	first := gjson.GetBytes(body, "data.0")
	if !first.Exists() {
		return ""
	}
	if u := first.Get("url").Str; u != "" {
		if rp := first.Get("revised_prompt").Str; rp != "" {
			return fmt.Sprintf("image url: %s (revised prompt: %s)", u, rp)
		}
		return "image url: " + u
	}
	if first.Get("b64_json").Str != "" {
		if rp := first.Get("revised_prompt").Str; rp != "" {
			return fmt.Sprintf("image (base64, %d chars) (revised prompt: %s)", len(first.Get("b64_json").Str), rp)
		}
		return fmt.Sprintf("image (base64, %d chars)", len(first.Get("b64_json").Str))
	}
	return ""
}

// ImageSuccess reports whether an IMAGE probe body carries a generation.
func ImageSuccess(body []byte) bool {
	first := gjson.GetBytes(body, "data.0")
	return first.Get("url").Str != "" || first.Get("b64_json").Str != ""
}

// DetectBodyError inspects a JSON body for provider-reported failure even
// when the HTTP status was 2xx. Relays routinely tunnel upstream errors in
// 200 responses. Returns the extracted message and true on a match.
func DetectBodyError(body []byte) (string, bool) {
	if !gjson.ValidBytes(body) {
		return "", false
	}

	if e := gjson.GetBytes(body, "error"); e.Exists() {
		switch {
		case e.Type == gjson.String && e.Str != "":
			return Truncate(e.Str, PreviewLimit), true
		case e.IsObject():
			if msg := e.Get("message").Str; msg != "" {
				return Truncate(msg, PreviewLimit), true
			}
			return Truncate(e.Raw, PreviewLimit), true
		}
	}

	if ok := gjson.GetBytes(body, "success"); ok.Exists() && ok.Type == gjson.False {
		if msg := gjson.GetBytes(body, "message").Str; msg != "" {
			return Truncate(msg, PreviewLimit), true
		}
		return "request reported success=false", true
	}

	if code := gjson.GetBytes(body, "code"); code.Type == gjson.Number && code.Int() != 0 {
		if msg := gjson.GetBytes(body, "message").Str; msg != "" {
			return Truncate(fmt.Sprintf("[%d] %s", code.Int(), msg), PreviewLimit), true
		}
	}

	switch strings.ToLower(gjson.GetBytes(body, "status").Str) {
	case "error", "fail", "failed":
		if msg := gjson.GetBytes(body, "message").Str; msg != "" {
			return Truncate(msg, PreviewLimit), true
		}
		return "request reported status=" + gjson.GetBytes(body, "status").Str, true
	}

	return "", false
}
