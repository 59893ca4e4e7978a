package adapter

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ModelListURL returns the upstream model enumeration URL.
func ModelListURL(baseURL string) string {
	return NormalizeBaseURL(baseURL) + PathModels
}

// ParseModelList reads OpenAI-style `data[].id` out of a /v1/models body.
// Blank ids are dropped; order is preserved.
func ParseModelList(body []byte) []string {
	var ids []string
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		if id := strings.TrimSpace(item.Get("id").Str); id != "" {
			ids = append(ids, id)
		}
		return true
	})
	return ids
}

// FilterModels keeps only ids containing any of the comma-separated
// keywords (case-insensitive). An empty filter keeps everything.
func FilterModels(ids []string, filter string) []string {
	filter = strings.TrimSpace(filter)
	if filter == "" {
		return ids
	}
	var keywords []string
	for _, kw := range strings.Split(filter, ",") {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		return ids
	}

	var out []string
	for _, id := range ids {
		lower := strings.ToLower(id)
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
