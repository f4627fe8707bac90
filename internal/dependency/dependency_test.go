package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternMatch(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"messages:list", "messages:list", true},
		{"messages:list", `messages:list({"channel":"a"})`, true},
		{"messages:list", "messages:listAll", false},
		{"messages:*", "messages:list", true},
		{"messages:*", `messages:list({"channel":"a"})`, true},
		{"messages:*", "users:list", false},
		{"*:list", "users:list", true},
		{"messages:lis?", "messages:list", true},
		{"messages:lis?", "messages:lis", false},
		{"*", "anything/at:all", true},
		{"a*b*c", "aXXbYYc", true},
		{"a*b*c", "aXXbYY", false},
		{`messages:list({"channel":"a"})`, `messages:list({"channel":"a"})`, true},
		{`messages:list({"channel":"a"})`, `messages:list({"channel":"b"})`, false},
		{"", "", true},
		{"", "x", false},
		{"café:?et", "café:get", true},
		{"notes:caf?", "notes:café", true},
		{"notes:caf??", "notes:café", false},
		{`notes:list({"tag":"?"})`, `notes:list({"tag":"日"})`, true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"~"+tt.key, func(t *testing.T) {
			assert.Equal(t, tt.want, Pattern(tt.pattern).Match(tt.key))
		})
	}
}

func TestIsGlob(t *testing.T) {
	assert.True(t, Pattern("a*").IsGlob())
	assert.True(t, Pattern("a?").IsGlob())
	assert.False(t, Pattern("messages:list").IsGlob())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Define("messages:send", "messages:list", "messages:count"))
	require.NoError(t, r.Define("messages:*", "activity:*", "messages:list"))
	require.NoError(t, r.Define("messages:send", "messages:list"))

	assert.Equal(t, 2, r.Len())
	assert.Equal(t,
		[]Pattern{"messages:list", "messages:count", "activity:*"},
		r.MatchesFor("messages:send"))
	assert.Equal(t,
		[]Pattern{"activity:*", "messages:list"},
		r.MatchesFor("messages:delete"))
	assert.Empty(t, r.MatchesFor("users:create"))
}

func TestRegistryRejectsEmpty(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.Define("", "x"), ErrEmptyPattern)
	assert.ErrorIs(t, r.Define("x", ""), ErrEmptyPattern)
	assert.Equal(t, 0, r.Len())
}

func TestMatcher(t *testing.T) {
	match := Matcher(Patterns("messages:list", "", "users:*"))
	assert.True(t, match(`messages:list({"c":1})`))
	assert.True(t, match("users:get"))
	assert.False(t, match("messages:count"))

	assert.False(t, Matcher(nil)("anything"))
}
