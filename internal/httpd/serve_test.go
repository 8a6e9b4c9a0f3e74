// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package httpd

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readResponse reads one full HTTP response (status line, headers, and
// exactly Content-Length body bytes if present) off br so a second
// request can safely follow on the same keep-alive connection without
// racing leftover unread body bytes.
func readResponse(t *testing.T, br *bufio.Reader) (statusLine string, headers map[string]string, body []byte) {
	t.Helper()
	var err error
	statusLine, err = br.ReadString('\n')
	require.NoError(t, err)

	headers = map[string]string{}
	for {
		line, rerr := br.ReadString('\n')
		require.NoError(t, rerr)
		if line == "\r\n" {
			break
		}
		k, v, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":")
		if ok {
			headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if cl, ok := headers["Content-Length"]; ok {
		n, _ := strconv.Atoi(cl)
		if n > 0 {
			body = make([]byte, n)
			_, err = io.ReadFull(br, body)
			require.NoError(t, err)
		}
	}
	return statusLine, headers, body
}

// newServeHarness runs Serve on one side of a net.Pipe and returns the
// other side for the test to drive, plus a channel closed when Serve
// returns.
func newServeHarness(t *testing.T, cfg Config) (client net.Conn, done chan struct{}) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	s := NewServer(cfg, nil)
	done = make(chan struct{})
	go func() {
		s.Serve(serverSide)
		close(done)
	}()
	return clientSide, done
}

func TestServeHandlesSimpleGet(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("hello world"), 0o644))

	client, done := newServeHarness(t, Config{DocRoot: root, ServerSoftware: "webd/1.0"})
	defer client.Close()

	client.SetDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Write([]byte("GET /a.html HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, _, body := readResponse(t, br)
	assert.Contains(t, statusLine, "200")
	assert.Equal(t, "hello world", string(body))

	<-done
}

func TestServeKeepAliveSecondRequestOnSameConn(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.html"), []byte("two"), 0o644))

	client, done := newServeHarness(t, Config{DocRoot: root, ServerSoftware: "webd/1.0"})
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(client)

	_, err := client.Write([]byte("GET /a.html HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	require.NoError(t, err)
	line1, _, body1 := readResponse(t, br)
	assert.Contains(t, line1, "200")
	assert.Equal(t, "one", string(body1))

	_, err = client.Write([]byte("GET /b.html HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"))
	require.NoError(t, err)
	line2, _, body2 := readResponse(t, br)
	assert.Contains(t, line2, "200")
	assert.Equal(t, "two", string(body2))

	<-done
}

func TestServeMissingFileReturns404(t *testing.T) {
	root := t.TempDir()
	client, done := newServeHarness(t, Config{DocRoot: root, ServerSoftware: "webd/1.0"})
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	_, err := client.Write([]byte("GET /nope.html HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, _, _ := readResponse(t, br)
	assert.Contains(t, statusLine, "404")

	<-done
}

func TestServeProtectedFilenameReturns403(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, htpasswdName), []byte("a:b\n"), 0o644))

	client, done := newServeHarness(t, Config{DocRoot: root, ServerSoftware: "webd/1.0"})
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	_, err := client.Write([]byte("GET /" + htpasswdName + " HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, _, _ := readResponse(t, br)
	assert.Contains(t, statusLine, "403")

	<-done
}

func TestServeUnauthorizedRequiresBasicAuth(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.html"), []byte("secret"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, htpasswdName), []byte("alice:$2a$10$bogusbogusbogusbogusbobogusbogusbogusbogusbogusbogusbo\n"), 0o644))

	client, done := newServeHarness(t, Config{DocRoot: root, ServerSoftware: "webd/1.0"})
	defer client.Close()
	client.SetDeadline(time.Now().Add(5 * time.Second))

	_, err := client.Write([]byte("GET /a.html HTTP/1.0\r\n\r\n"))
	require.NoError(t, err)

	br := bufio.NewReader(client)
	statusLine, _, _ := readResponse(t, br)
	assert.Contains(t, statusLine, "401")

	<-done
}
