package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestReaderHTTP09(t *testing.T) {
	r := newRequestReader()
	buf := []byte("GET /index.html\n")
	res, end := r.Feed(buf)
	require.Equal(t, readGotRequest, res)
	assert.Equal(t, len(buf), end)
}

func TestRequestReaderHTTP10CRLF(t *testing.T) {
	r := newRequestReader()
	buf := []byte("GET / HTTP/1.0\r\nHost: example.com\r\n\r\n")
	res, end := r.Feed(buf)
	require.Equal(t, readGotRequest, res)
	assert.Equal(t, len(buf), end)
}

func TestRequestReaderIncrementalFeed(t *testing.T) {
	r := newRequestReader()
	part1 := []byte("GET / HTTP/1.1\r\nHost: ex")
	res, _ := r.Feed(part1)
	assert.Equal(t, readNoRequest, res)

	full := append(part1, []byte("ample.com\r\n\r\n")...)
	res, end := r.Feed(full)
	require.Equal(t, readGotRequest, res)
	assert.Equal(t, len(full), end)
}

func TestRequestReaderBareLFBlankLine(t *testing.T) {
	r := newRequestReader()
	buf := []byte("GET / HTTP/1.0\nHost: example.com\n\n")
	res, end := r.Feed(buf)
	require.Equal(t, readGotRequest, res)
	assert.Equal(t, len(buf), end)
}

func TestRequestReaderBadRequestLine(t *testing.T) {
	r := newRequestReader()
	buf := []byte("\r\n")
	res, _ := r.Feed(buf)
	assert.Equal(t, readBadRequest, res)
}

func TestRequestReaderResetReusable(t *testing.T) {
	r := newRequestReader()
	buf := []byte("GET / HTTP/1.0\r\n\r\n")
	res, _ := r.Feed(buf)
	require.Equal(t, readGotRequest, res)

	r.Reset()
	buf2 := []byte("GET /again HTTP/1.0\r\n\r\n")
	res, end := r.Feed(buf2)
	require.Equal(t, readGotRequest, res)
	assert.Equal(t, len(buf2), end)
}
