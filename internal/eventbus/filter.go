package eventbus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"eventbus/pkg/models"
)

// matchesFilter reports whether every key of filter equals the same top-level
// payload key. An empty filter matches everything.
func matchesFilter(filter map[string]interface{}, payload interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	m, ok := payload.(map[string]interface{})
	if !ok {
		return false
	}
	for k, want := range filter {
		got, ok := m[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

var tokenPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// applyTransform renders template against the JSON form of event and parses
// the result as the new payload. String values are inserted JSON-escaped, so
// string tokens belong inside quotes; other values are inserted as raw JSON.
// A template made of a single token yields the resolved value itself.
func applyTransform(template string, event models.Event) (interface{}, error) {
	doc, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	trimmed := strings.TrimSpace(template)
	if m := tokenPattern.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		r := gjson.GetBytes(doc, m[1])
		if !r.Exists() {
			return nil, fmt.Errorf("path %q not found in event", m[1])
		}
		return r.Value(), nil
	}

	var missing []string
	rendered := tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		path := tokenPattern.FindStringSubmatch(token)[1]
		r := gjson.GetBytes(doc, path)
		if !r.Exists() {
			missing = append(missing, path)
			return ""
		}
		if r.Type == gjson.String {
			quoted, _ := json.Marshal(r.Str)
			return string(quoted[1 : len(quoted)-1])
		}
		return r.Raw
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("paths not found in event: %s", strings.Join(missing, ", "))
	}

	var payload interface{}
	if err := json.Unmarshal([]byte(rendered), &payload); err != nil {
		return nil, fmt.Errorf("transformed payload is not valid JSON: %w", err)
	}
	return payload, nil
}

// normalize round-trips v through JSON so payloads and filters compare by value.
func normalize(v interface{}) (interface{}, int, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, 0, err
	}
	return out, len(raw), nil
}
