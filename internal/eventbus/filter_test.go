package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchesFilter(t *testing.T) {
	payload := map[string]interface{}{
		"severity": "ERROR",
		"code":     500.0,
		"nested":   map[string]interface{}{"k": "v"},
	}

	tests := []struct {
		name    string
		filter  map[string]interface{}
		payload interface{}
		want    bool
	}{
		{"empty filter", nil, payload, true},
		{"empty filter non-object payload", nil, "text", true},
		{"equal string", map[string]interface{}{"severity": "ERROR"}, payload, true},
		{"different string", map[string]interface{}{"severity": "INFO"}, payload, false},
		{"equal number", map[string]interface{}{"code": 500.0}, payload, true},
		{"all keys must match", map[string]interface{}{"severity": "ERROR", "code": 404.0}, payload, false},
		{"missing key", map[string]interface{}{"region": "eu"}, payload, false},
		{"nested value", map[string]interface{}{"nested": map[string]interface{}{"k": "v"}}, payload, true},
		{"non-object payload", map[string]interface{}{"severity": "ERROR"}, []interface{}{"ERROR"}, false},
		{"nil payload", map[string]interface{}{"severity": "ERROR"}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesFilter(tt.filter, tt.payload))
		})
	}
}

func TestNormalize(t *testing.T) {
	type order struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}

	out, size, err := normalize(order{ID: "o1", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "o1", "count": 2.0}, out)
	assert.Equal(t, len(`{"id":"o1","count":2}`), size)

	out, _, err = normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, out)

	_, _, err = normalize(func() {})
	assert.Error(t, err)
}
