package httpd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webd-project/webd/internal/wildcard"
)

func newTestServer(root string, cfg Config) *Server {
	cfg.DocRoot = root
	return NewServer(cfg, nil)
}

func TestResolveServesPlainFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("hi"), 0o644))

	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: "a.html", EncodedURL: "/a.html"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.True(t, outcome.ServeFile)
	assert.Equal(t, "a.html", outcome.RelPath)
}

func TestResolveMissingFileIs404(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: "missing.html", EncodedURL: "/missing.html"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.Equal(t, 404, outcome.Status)
}

func TestResolveDirectoryWithoutTrailingSlashRedirects(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: "sub", EncodedURL: "/sub"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.Equal(t, 302, outcome.Status)
	assert.Equal(t, "/sub/", outcome.Location)
}

func TestResolveDirectoryServesIndex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "index.html"), []byte("hi"), 0o644))

	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: "sub/", EncodedURL: "/sub/"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.True(t, outcome.ServeFile)
	assert.Equal(t, filepath.Join("sub", "index.html"), outcome.RelPath)
}

func TestResolveDirectoryWithoutIndexListsIt(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("hi"), 0o644))

	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: "sub/", EncodedURL: "/sub/"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.True(t, outcome.ServeIndex)
}

func TestResolveProtectedFilenameIs403(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, htpasswdName), []byte("a:b\n"), 0o644))

	s := newTestServer(root, Config{})
	c := &Connection{Method: "GET", OrigFilename: htpasswdName, EncodedURL: "/" + htpasswdName}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.Equal(t, 403, outcome.Status)
}

func TestResolveCGIScriptDispatches(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "cgi-bin"), 0o755))
	script := filepath.Join(root, "cgi-bin", "hello")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755))

	s := newTestServer(root, Config{CGIPattern: "cgi-bin/*"})
	c := &Connection{Method: "GET", OrigFilename: "cgi-bin/hello", EncodedURL: "/cgi-bin/hello"}
	outcome, err := s.resolve(c, root)
	require.NoError(t, err)
	assert.True(t, outcome.ServeCGI)
}

func TestVhostRootFallsBackWithoutHostDir(t *testing.T) {
	root := t.TempDir()
	s := newTestServer(root, Config{Vhost: true})
	got := s.vhostRoot(root, "nonexistent.example.com")
	assert.Equal(t, root, got)
}

func TestVhostRootUsesHostDirWhenPresent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "example.com"), 0o755))

	s := newTestServer(root, Config{Vhost: true})
	got := s.vhostRoot(root, "example.com:8080")
	assert.Equal(t, filepath.Join(root, "example.com"), got)
}

func TestRefererOKWithoutPatternAlwaysPasses(t *testing.T) {
	s := newTestServer(t.TempDir(), Config{})
	c := &Connection{}
	assert.True(t, s.refererOK(c))
}

func TestRefererOKEnforcesLocalHostPattern(t *testing.T) {
	s := newTestServer(t.TempDir(), Config{URLPattern: "*.html", LocalHostPattern: "*.example.com"})
	s.match = wildcard.Glob{}

	c := &Connection{OrigFilename: "a.html", Referer: "http://evil.com/x"}
	assert.False(t, s.refererOK(c))

	c2 := &Connection{OrigFilename: "a.html", Referer: "http://www.example.com/x"}
	assert.True(t, s.refererOK(c2))
}
