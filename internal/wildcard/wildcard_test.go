package wildcard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	var g Glob
	assert.True(t, g.Match("cgi-bin/*", "cgi-bin/hello"))
	assert.False(t, g.Match("cgi-bin/*", "static/hello"))
	assert.True(t, g.Match("*.cgi", "script.cgi"))
	assert.False(t, g.Match("*.cgi", "script.cgx"))
}
