package httpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequestGetOneOne(t *testing.T) {
	c := &Connection{}
	raw := []byte("GET /foo/bar.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	err := parseRequest(c, raw)
	require.NoError(t, err)
	assert.Equal(t, "GET", c.Method)
	assert.True(t, c.OneOne)
	assert.Equal(t, "example.com", c.Host)
	assert.Equal(t, "/foo/bar.html", c.OrigFilename)
}

func TestParseRequestHTTP09(t *testing.T) {
	c := &Connection{}
	err := parseRequest(c, []byte("GET /index.html\n"))
	require.NoError(t, err)
	assert.False(t, c.OneOne)
	assert.Equal(t, "/index.html", c.OrigFilename)
}

func TestParseRequestRejectsEscapingPath(t *testing.T) {
	c := &Connection{}
	err := parseRequest(c, []byte("GET /../../etc/passwd HTTP/1.0\r\n\r\n"))
	require.Error(t, err)
	assert.Equal(t, 400, statusFor(err))
}

func TestParseRequestUnknownMethodIsNotImplemented(t *testing.T) {
	c := &Connection{}
	err := parseRequest(c, []byte("FROB / HTTP/1.0\r\n\r\n"))
	require.Error(t, err)
	assert.Equal(t, 501, statusFor(err))
}

func TestParseRequestHTTP11RequiresHost(t *testing.T) {
	c := &Connection{}
	err := parseRequest(c, []byte("GET / HTTP/1.1\r\n\r\n"))
	require.Error(t, err)
	assert.Equal(t, 400, statusFor(err))
}

// TestDecideKeepAliveHonorsConnectionClose is a regression test for a
// bug where an HTTP/1.1 client sending "Connection: close" was still
// granted keep-alive.
func TestDecideKeepAliveHonorsConnectionClose(t *testing.T) {
	c := &Connection{}
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n")
	require.NoError(t, parseRequest(c, raw))
	assert.False(t, c.DoKeepAlive)
}

func TestDecideKeepAliveHTTP11DefaultsOn(t *testing.T) {
	c := &Connection{}
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n")
	require.NoError(t, parseRequest(c, raw))
	assert.True(t, c.DoKeepAlive)
}

func TestDecideKeepAliveHTTP10RequiresExplicitHeader(t *testing.T) {
	c := &Connection{}
	raw := []byte("GET / HTTP/1.0\r\n\r\n")
	require.NoError(t, parseRequest(c, raw))
	assert.False(t, c.DoKeepAlive)

	c2 := &Connection{}
	raw2 := []byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n")
	require.NoError(t, parseRequest(c2, raw2))
	assert.True(t, c2.DoKeepAlive)
}

func TestDecideKeepAliveBrokenAgentNeverKeepsAlive(t *testing.T) {
	c := &Connection{}
	raw := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: Mozilla/2.0 (compatible)\r\n\r\n")
	require.NoError(t, parseRequest(c, raw))
	assert.False(t, c.DoKeepAlive)
}

func TestParseRangeSingleInterval(t *testing.T) {
	c := &Connection{}
	parseRange(c, "bytes=100-199")
	assert.True(t, c.Range.Got)
	assert.Equal(t, int64(100), c.Range.First)
	assert.Equal(t, int64(199), c.Range.Last)
}

func TestParseRangeOpenEnded(t *testing.T) {
	c := &Connection{}
	parseRange(c, "bytes=500-")
	assert.True(t, c.Range.Got)
	assert.Equal(t, int64(500), c.Range.First)
	assert.Equal(t, int64(-1), c.Range.Last)
}

func TestParseRangeSuffixFormNotParsed(t *testing.T) {
	c := &Connection{}
	parseRange(c, "bytes=-500")
	assert.False(t, c.Range.Got)
}

func TestParseRangeMultiRangeNotParsed(t *testing.T) {
	c := &Connection{}
	parseRange(c, "bytes=0-99,200-299")
	assert.False(t, c.Range.Got)
}

func TestAcceptsGzip(t *testing.T) {
	assert.True(t, acceptsGzip("gzip, deflate"))
	assert.True(t, acceptsGzip("gzip;q=0.8"))
	assert.False(t, acceptsGzip("gzip;q=0"))
	assert.False(t, acceptsGzip("deflate"))
	assert.True(t, acceptsGzip("*"))
}
