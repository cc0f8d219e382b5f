// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fencedRegex captures the body of a markdown code fence, with or without a language tag.
// \x60 is a backtick; raw strings cannot hold one.
var fencedRegex = regexp.MustCompile("(?s)^\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60\\s*$")

// ParseJSONResponse decodes a model response into T. Responses wrapped in markdown
// fences or surrounded by chatter are unwrapped to the outermost JSON value first.
func ParseJSONResponse[T any](response string) (*T, error) {
	payload := ExtractJSON(response)
	if payload == "" {
		return nil, fmt.Errorf("model response contained no JSON")
	}

	var result T
	if err := json.UnmarshalFromString(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model JSON response: %w. Extracted JSON (truncated): %s", err, truncate(payload, 500))
	}
	return &result, nil
}

// ExtractJSON returns the JSON object or array embedded in a model response.
func ExtractJSON(response string) string {
	text := strings.TrimSpace(response)
	if m := fencedRegex.FindStringSubmatch(text); len(m) > 1 {
		text = strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}

	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return ""
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end <= start {
		return ""
	}
	return text[start : end+1]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
