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
	"bytes"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// cgiTimeLimit and cgiKillGrace are the two watchdog stages §4.10 names:
// SIGINT at cgiTimeLimit, SIGKILL cgiKillGrace later.
const (
	cgiTimeLimit = 30 * time.Second
	cgiKillGrace = 5 * time.Second
)

// cgiDispatcher is C10: it forks CGI executables, tracks their pids in
// a bounded slot table (§3 "fixed-length tracker of live CGI process
// identifiers", §8 invariant 9), and arms the two-stage watchdog.
type cgiDispatcher struct {
	srv   *Server
	limit *semaphore.Weighted

	mu      sync.Mutex
	tracker []int // 0 means free
}

func newCGIDispatcher(srv *Server, limit int) *cgiDispatcher {
	if limit <= 0 {
		limit = 32
	}
	return &cgiDispatcher{
		srv:     srv,
		limit:   semaphore.NewWeighted(int64(limit)),
		tracker: make([]int, limit),
	}
}

// acquireSlot reserves a tracker slot for pid, or reports false if
// every slot is taken; it does not touch the semaphore. Overflow
// should be unreachable since the semaphore already bounds
// concurrency to len(tracker), but is defended anyway per §4.10
// ("logs overflow and continues").
func (d *cgiDispatcher) acquireSlot(pid int) (slot int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.tracker {
		if p == 0 {
			d.tracker[i] = pid
			return i, true
		}
	}
	return 0, false
}

func (d *cgiDispatcher) releaseSlot(slot int) {
	d.mu.Lock()
	d.tracker[slot] = 0
	d.mu.Unlock()
}

// cgiRequest is everything the dispatcher needs from the connection
// and resolver to spawn and wire a CGI child (§4.10).
type cgiRequest struct {
	Method        string
	ScriptRelPath string // relative to root, e.g. "cgi-bin/echo"
	PathInfo      string
	Query         string
	Root          string
	RemoteAddr    string
	ServerName    string
	ServerPort    string
	Proto         string
	RemoteUser    string
	ContentType   string
	ContentLength int64
	Headers       map[string]string // HTTP_* source, canonical form e.g. "User-Agent"
	Body          io.Reader
}

// Dispatch spawns the CGI executable named by req and streams its
// response to w, synthesizing a status line per §4.10's output
// interposer contract unless the script is an NPH script. It blocks
// the calling goroutine until the child's output is fully drained or
// the watchdog kills it; callers run it in the connection's own
// goroutine exactly as the teacher's synchronous FastCGI round trip
// does (caddyhttp/fastcgi.Handler.ServeHTTP).
func (d *cgiDispatcher) Dispatch(req cgiRequest, w io.Writer) error {
	if !d.limit.TryAcquire(1) {
		return &cgiOverloadedError{}
	}
	defer d.limit.Release(1)

	scriptFull := filepath.Join(req.Root, req.ScriptRelPath)
	scriptDir := filepath.Dir(scriptFull)
	argv0 := filepath.Base(scriptFull)

	args := []string{}
	if req.Method == "GET" && req.Query != "" && !strings.Contains(req.Query, "=") {
		for _, piece := range strings.Split(req.Query, "+") {
			args = append(args, strdecode(piece))
		}
	}

	cmd := exec.Command(scriptFull, args...)
	cmd.Dir = scriptDir
	cmd.Env = d.buildEnv(req, scriptFull)

	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("httpd: cgi stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("httpd: cgi stdout pipe: %w", err)
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	correlation := uuid.NewString()
	logger := d.srv.logger.With(zap.String("cgi_request", correlation), zap.String("script", req.ScriptRelPath))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("httpd: cgi spawn %s: %w", scriptFull, err)
	}

	slot, ok := d.acquireSlot(cmd.Process.Pid)
	if !ok {
		logger.Error("cgi tracker overflow", zap.Int("pid", cmd.Process.Pid))
	} else {
		defer d.releaseSlot(slot)
	}

	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go d.watchdog(cmd, watchdogDone, logger)

	// Input interposer: copy the pre-buffered/streamed request body
	// into the child's stdin, then close it so the child sees EOF.
	go func() {
		defer stdinPipe.Close()
		if req.Body != nil {
			if req.ContentLength > 0 {
				io.CopyN(stdinPipe, req.Body, req.ContentLength)
			} else {
				io.Copy(stdinPipe, req.Body)
			}
		}
	}()

	nph := strings.HasPrefix(argv0, "nph-")
	writeErr := d.relayOutput(stdoutPipe, w, nph)

	waitErr := cmd.Wait()

	if stderrBuf.Len() > 0 {
		logger.Error("cgi stderr output", zap.String("stderr", stderrBuf.String()))
	}
	if waitErr != nil {
		logger.Warn("cgi process exited with error", zap.Error(waitErr))
	}
	return writeErr
}

// watchdog implements §4.10's two-stage kill: SIGINT at cgiTimeLimit,
// SIGKILL cgiKillGrace later, unless the process already finished.
func (d *cgiDispatcher) watchdog(cmd *exec.Cmd, done <-chan struct{}, logger *zap.Logger) {
	t := time.NewTimer(cgiTimeLimit)
	defer t.Stop()
	select {
	case <-done:
		return
	case <-t.C:
	}
	logger.Warn("cgi watchdog: sending SIGINT", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Signal(syscall.SIGINT)

	k := time.NewTimer(cgiKillGrace)
	defer k.Stop()
	select {
	case <-done:
		return
	case <-k.C:
	}
	logger.Warn("cgi watchdog: sending SIGKILL", zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Kill()
}

// relayOutput is §4.10's output interposer: it reads the child's
// stdout, accumulates bytes until a "\r\n\r\n" or "\n\n" header
// terminator, synthesizes a status line (default 200, overridden by an
// "HTTP/" first line, a "Status:" header, or a "Location:" header
// implying 302), writes the status line and headers verbatim, then
// streams the remainder unmodified. NPH scripts are responsible for
// their own full response and are passed through untouched.
func (d *cgiDispatcher) relayOutput(r io.Reader, w io.Writer, nph bool) error {
	if nph {
		_, err := io.Copy(w, r)
		return err
	}

	br := bufio.NewReader(r)
	tp := textproto.NewReader(br)

	status := 200
	reason := "OK"
	var headerLines []string

	peeked, _ := br.Peek(5)
	if string(peeked) == "HTTP/" {
		line, err := tp.ReadLine()
		if err == nil {
			fields := strings.SplitN(line, " ", 3)
			if len(fields) >= 2 {
				if code, cerr := strconv.Atoi(fields[1]); cerr == nil {
					status = code
				}
			}
			if len(fields) == 3 {
				reason = fields[2]
			}
		}
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return fmt.Errorf("httpd: cgi header parse: %w", err)
	}

	if v := mimeHeader.Get("Status"); v != "" {
		fields := strings.SplitN(v, " ", 2)
		if code, cerr := strconv.Atoi(fields[0]); cerr == nil {
			status = code
		}
		if len(fields) == 2 {
			reason = fields[1]
		}
		mimeHeader.Del("Status")
	} else if v := mimeHeader.Get("Location"); v != "" {
		status = 302
		reason = "Found"
	}

	for k, vs := range mimeHeader {
		for _, v := range vs {
			headerLines = append(headerLines, k+": "+v)
		}
	}

	fmt.Fprintf(w, "HTTP/1.0 %d %s\r\n", status, reason)
	for _, l := range headerLines {
		fmt.Fprintf(w, "%s\r\n", l)
	}
	fmt.Fprint(w, "\r\n")

	_, err = io.Copy(w, br)
	return err
}

// buildEnv constructs the CGI/1.1 environment described in §4.10/§6.
func (d *cgiDispatcher) buildEnv(req cgiRequest, scriptFull string) []string {
	ip, port := splitHostPort(req.RemoteAddr)

	env := []string{
		"SERVER_SOFTWARE=" + d.srv.cfg.ServerSoftware,
		"SERVER_NAME=" + req.ServerName,
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_PROTOCOL=" + req.Proto,
		"SERVER_PORT=" + req.ServerPort,
		"REQUEST_METHOD=" + req.Method,
		"PATH_INFO=" + req.PathInfo,
		"PATH_TRANSLATED=" + filepath.Join(req.Root, req.PathInfo),
		"SCRIPT_NAME=/" + req.ScriptRelPath,
		"SCRIPT_FILENAME=" + scriptFull,
		"QUERY_STRING=" + req.Query,
		"REMOTE_ADDR=" + ip,
		"REMOTE_PORT=" + port,
		"CGI_PATTERN=" + d.srv.cfg.CGIPattern,
	}
	if req.ContentType != "" {
		env = append(env, "CONTENT_TYPE="+req.ContentType)
	}
	if req.ContentLength > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.FormatInt(req.ContentLength, 10))
	}
	if req.RemoteUser != "" {
		env = append(env, "REMOTE_USER="+req.RemoteUser, "AUTH_TYPE=Basic")
	}
	if tz := os.Getenv("TZ"); tz != "" {
		env = append(env, "TZ="+tz)
	}
	for k, v := range req.Headers {
		name := "HTTP_" + strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		env = append(env, name+"="+v)
	}
	return env
}

func splitHostPort(addr string) (host, port string) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, ""
	}
	return h, p
}

// cgiOverloadedError signals §4.10/§7's 503 "CGI parallelism saturated".
type cgiOverloadedError struct{}

func (*cgiOverloadedError) Error() string { return "cgi parallelism limit reached" }
