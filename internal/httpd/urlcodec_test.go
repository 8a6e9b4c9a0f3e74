package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrdecode(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "index.html", "index.html"},
		{"space", "foo%20bar", "foo bar"},
		{"invalid pct passthrough", "foo%zzbar", "foo%zzbar"},
		{"truncated at end", "foo%2", "foo%2"},
		{"plus not decoded", "a+b", "a+b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, strdecode(tt.in))
		})
	}
}

func TestDeDotDot(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "a/b/c", "a/b/c"},
		{"double slash collapsed", "a//b", "a/b"},
		{"leading slash stripped", "/a/b", "a/b"},
		{"dot segment removed", "./a/b", "a/b"},
		{"mid dot segment removed", "a/./b", "a/b"},
		{"leading dotdot removed", "../../a", "a"},
		{"mid dotdot collapsed", "a/b/../c", "a/c"},
		{"trailing dotdot stripped", "a/..", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deDotDot(tt.in))
		})
	}
}

func TestEscapesRoot(t *testing.T) {
	assert.True(t, escapesRoot("../etc/passwd"))
	assert.True(t, escapesRoot("/etc/passwd"))
	assert.True(t, escapesRoot(".."))
	assert.False(t, escapesRoot("a/b"))
	assert.False(t, escapesRoot("index.html"))
}

func TestDefang(t *testing.T) {
	assert.Equal(t, "&lt;script&gt;", defang("<script>"))
	assert.Equal(t, "a&amp;b", defang("a&b"))
}
