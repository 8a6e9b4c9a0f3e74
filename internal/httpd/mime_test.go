package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFigureMIME(t *testing.T) {
	tbl := newMimeTable("utf-8")

	tests := []struct {
		name     string
		file     string
		wantKind string
		wantEnc  []string
	}{
		{"html", "index.html", "text/html", nil},
		{"css", "style.css", "text/css", nil},
		{"gzipped html", "index.html.gz", "text/html", []string{"gzip"}},
		{"unknown extension defaults", "thing.xyz", "text/plain; charset=utf-8", nil},
		{"no extension defaults", "README", "text/plain; charset=utf-8", nil},
		{"json", "data.json", "application/json", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, enc := tbl.figureMIME(tt.file)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantEnc, enc)
		})
	}
}

func TestLookupTypeBinarySearch(t *testing.T) {
	tbl := newMimeTable("utf-8")
	kind, ok := tbl.lookupType(".png")
	assert.True(t, ok)
	assert.Equal(t, "image/png", kind)

	_, ok = tbl.lookupType(".doesnotexist")
	assert.False(t, ok)
}
