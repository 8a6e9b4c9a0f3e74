package httpd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideCompressionServesGzipSibling(t *testing.T) {
	root := t.TempDir()
	mtime := time.Now()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.js"), []byte("var x=1;"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.js"), mtime, mtime))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.js.gz"), []byte("fake-gz"), 0o644))
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.js.gz"), mtime.Add(time.Second), mtime.Add(time.Second)))

	d := decideCompression(root, "a.js", 8, mtime, "application/javascript", false, true)
	assert.True(t, d.ServeGzipSibling)
	assert.False(t, d.RuntimeGzip)
}

func TestDecideCompressionRuntimeGzipForLargeTextWhenAccepted(t *testing.T) {
	root := t.TempDir()
	d := decideCompression(root, "a.txt", 1024, time.Now(), "text/plain", false, true)
	assert.False(t, d.ServeGzipSibling)
	assert.True(t, d.RuntimeGzip)
}

func TestDecideCompressionSkipsSmallFiles(t *testing.T) {
	root := t.TempDir()
	d := decideCompression(root, "a.txt", 10, time.Now(), "text/plain", false, true)
	assert.False(t, d.RuntimeGzip)
}

func TestDecideCompressionSkipsAlreadyEncoded(t *testing.T) {
	root := t.TempDir()
	d := decideCompression(root, "a.txt.gz", 1024, time.Now(), "text/plain", true, true)
	assert.False(t, d.RuntimeGzip)
	assert.False(t, d.ServeGzipSibling)
}

func TestDecideCompressionSkipsWhenClientDoesNotAcceptGzip(t *testing.T) {
	root := t.TempDir()
	d := decideCompression(root, "a.txt", 1024, time.Now(), "text/plain", false, false)
	assert.False(t, d.RuntimeGzip)
}

func TestComposeSetsContentLengthAndStatus(t *testing.T) {
	s := NewServer(Config{DocRoot: t.TempDir()}, nil)
	c := &Connection{File: fileRecord{Size: 100, Mtime: time.Now()}, DoKeepAlive: true}
	resp := s.compose(c, 200, "text/plain", nil, "", false, false)
	assert.Equal(t, 200, resp.Status)
	assert.Contains(t, string(resp.Header), "Content-Length: 100")
	assert.Contains(t, string(resp.Header), "Connection: keep-alive")
}

func TestComposeHandlesRange(t *testing.T) {
	s := NewServer(Config{DocRoot: t.TempDir()}, nil)
	c := &Connection{
		File:  fileRecord{Size: 1000, Mtime: time.Now()},
		Range: rangeState{Got: true, First: 10, Last: 19},
	}
	resp := s.compose(c, 200, "text/plain", nil, "", false, false)
	assert.Equal(t, 206, resp.Status)
	assert.Equal(t, int64(10), resp.RangeStart)
	assert.Equal(t, int64(10), resp.RangeLen)
	assert.Contains(t, string(resp.Header), "Content-Range: bytes 10-19/1000")
}

func TestEtagForIsStableForSameBytes(t *testing.T) {
	a := etagFor([]byte("hello"))
	b := etagFor([]byte("hello"))
	c := etagFor([]byte("world"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestErrorBodyPrefersVhostOverRoot(t *testing.T) {
	root := t.TempDir()
	vhost := filepath.Join(root, "vhost")
	require.NoError(t, os.Mkdir(vhost, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(vhost, "err404.html"), []byte("vhost 404"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "err404.html"), []byte("root 404"), 0o644))

	s := NewServer(Config{DocRoot: root}, nil)
	body, ct := s.errorBody(vhost, root, 404)
	assert.Equal(t, "vhost 404", body)
	assert.Contains(t, ct, "text/html")
}

func TestErrorBodyFallsBackToBuiltin(t *testing.T) {
	root := t.TempDir()
	s := NewServer(Config{DocRoot: root}, nil)
	body, _ := s.errorBody("", root, 403)
	assert.Contains(t, body, "403")
}
