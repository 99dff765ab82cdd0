// Package formatting turns free-form model output into typed JSON values.
package formatting

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrParseFailed is returned when content is not a JSON object or array,
// either directly or inside a markdown code fence.
var ErrParseFailed = errors.New("failed to parse response")

var fenceRegex = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*\\n?(.*?)\\n?```")

// StripFences returns the body of the first markdown code fence in content,
// or the trimmed content when there is none.
func StripFences(content string) string {
	content = strings.TrimSpace(content)
	if m := fenceRegex.FindStringSubmatch(content); len(m) >= 2 {
		return strings.TrimSpace(m[1])
	}
	return content
}

// ParseJSON returns content as compact raw JSON. Only objects and arrays are
// accepted; bare scalars or prose are ErrParseFailed. Content that is already
// a JSON document is used as is, so fences inside its string values are kept.
func ParseJSON(content string) (json.RawMessage, error) {
	if raw, ok := compactDocument(strings.TrimSpace(content)); ok {
		return raw, nil
	}

	cleaned := StripFences(content)
	if cleaned == "" || (cleaned[0] != '{' && cleaned[0] != '[') {
		return nil, fmt.Errorf("%w: not a JSON document: %s", ErrParseFailed, truncate(cleaned))
	}

	raw, ok := compactDocument(cleaned)
	if !ok {
		return nil, fmt.Errorf("%w: invalid JSON: %s", ErrParseFailed, truncate(cleaned))
	}
	return raw, nil
}

func compactDocument(s string) (json.RawMessage, bool) {
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, false
	}
	return json.RawMessage(buf.Bytes()), true
}

// Parse unmarshals fenced or bare JSON content into T.
func Parse[T any](content string) (T, error) {
	var result T

	raw, err := ParseJSON(content)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("%w: %v", ErrParseFailed, err)
	}

	return result, nil
}

func truncate(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
