package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.c", "a.b.d", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", true},
		{"a.b.*", "a.b.c", true},
		{"a.b.*", "a.c.d", false},
		{"*", "anything.at.all", true},
		{"audit.*", "audit.login", true},
		{"audit.*", "auditx.login", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a+b.*", "a+b.c", true},
		{"a+b.*", "aab.c", false},
		{"billing.*", "billing.*", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.name))
		})
	}
}

func TestIndexKeys(t *testing.T) {
	assert.Equal(t, []string{"a.b.c"}, IndexKeys("a.b.c"))
	assert.Equal(t, []string{"a.*"}, IndexKeys("a.*"))
	assert.Equal(t, []string{"a.*.c", "a.*"}, IndexKeys("a.*.c"))
	assert.Equal(t, []string{"*.b.*", "*"}, IndexKeys("*.b.*"))
}

func TestRegexp(t *testing.T) {
	assert.Equal(t, `^order\.created$`, Regexp("order.created"))
	assert.Equal(t, `^order\..*$`, Regexp("order.*"))
}

func TestValidate(t *testing.T) {
	assert.True(t, Validate("a.b"))
	assert.True(t, Validate("*"))
	assert.False(t, Validate(""))
	assert.False(t, Validate("a..b"))
	assert.False(t, Validate(".a"))
}

func TestMatchAny(t *testing.T) {
	assert.True(t, MatchAny([]string{"user.*", "order.created"}, "order.created"))
	assert.False(t, MatchAny(nil, "order.created"))
}
