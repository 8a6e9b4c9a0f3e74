package httpd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandSymlinksPlainFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.html"), []byte("hi"), 0o644))

	exp, err := expandSymlinks(root, "index.html", false)
	require.NoError(t, err)
	assert.Equal(t, "index.html", exp.Path)
	assert.Empty(t, exp.Trailer)
}

func TestExpandSymlinksFollowsLink(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "real"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real", "a.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.Symlink("real", filepath.Join(root, "link")))

	exp, err := expandSymlinks(root, "link/a.txt", false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("real", "a.txt"), exp.Path)
}

func TestExpandSymlinksMissingComponentYieldsTrailer(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "cgi-bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cgi-bin", "script"), []byte("#!/bin/sh"), 0o755))

	exp, err := expandSymlinks(root, "cgi-bin/script/extra/path", false)
	require.NoError(t, err)
	assert.Equal(t, "cgi-bin/script", exp.Path)
	assert.Equal(t, "extra/path", exp.Trailer)
}

func TestExpandSymlinksDotDotNeverGoesNegative(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	exp, err := expandSymlinks(root, "../../a.txt", false)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", exp.Path)
}

func TestExpandSymlinksLoopDetected(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Symlink("loop", filepath.Join(root, "loop")))

	_, err := expandSymlinks(root, "loop/x", false)
	assert.ErrorIs(t, err, ErrSymlinkLoop)
}

func TestExpandSymlinksNoSymlinkCheckShortCircuits(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("hi"), 0o644))

	exp, err := expandSymlinks(root, "a.txt", true)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", exp.Path)
}
