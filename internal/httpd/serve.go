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
	"compress/gzip"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// readChunk is the size Serve reads from the socket at a time while
// feeding the request reader FSM (C4).
const readChunk = 4096

// Serve drives one accepted connection end to end: it feeds the
// request reader FSM, parses and resolves each request, and either
// writes a static/error/index response or hands off to CGI, looping
// for keep-alive requests per §5's "requests are strictly serialized"
// ordering rule. It owns the connection and closes it on return.
//
// The surrounding accept loop (goroutine-per-connection here) stands
// in for the spec's external, cooperative single-threaded event loop;
// §5 explicitly scopes that loop out of the core, and a goroutine per
// connection is this codebase's idiomatic analog of it.
func (s *Server) Serve(conn net.Conn) {
	defer conn.Close()
	c := NewConnection(conn)

	for {
		raw, result, err := readOneRequest(conn, c)
		if err != nil {
			return
		}
		if result == readNoRequest {
			return
		}
		if result == readBadRequest {
			s.writeStatusOnly(conn, c, 400)
			return
		}

		start := time.Now()
		s.handleOne(conn, c, raw)
		s.logAccess(c, start)

		if c.ShouldLinger {
			lingerDrain(conn)
		}
		if !c.DoKeepAlive {
			return
		}
		// Slide whatever of the arena wasn't consumed as this
		// request's body — a pipelined next request — to the front
		// instead of discarding it (§4.11: buffers are retained
		// between keep-alive requests).
		c.arena.Compact(c.bodyPrefix)
		c.bodyPrefix = nil
		c.ResetForNextRequest()
	}
}

// readOneRequest feeds bytes from conn into c's arena until the reader
// FSM recognizes a complete request or the connection closes. Any
// bytes read past the request's header terminator in the same read —
// an inline body, or the start of a pipelined next request — are
// exposed via c.bodyPrefix instead of being silently dropped.
func readOneRequest(conn net.Conn, c *Connection) (raw []byte, result readResult, err error) {
	buf := make([]byte, readChunk)
	for {
		n, rerr := conn.Read(buf)
		if n > 0 {
			c.arena.Append(buf[:n])
			res, end := c.reader.Feed(c.arena.buf)
			if res == readGotRequest {
				c.bodyPrefix = c.arena.buf[end:]
				return c.arena.buf[:end], res, nil
			}
			if res == readBadRequest {
				return nil, res, nil
			}
		}
		if rerr != nil {
			return nil, readNoRequest, rerr
		}
	}
}

// handleOne parses and resolves a single already-recognized request
// and writes its response.
func (s *Server) handleOne(conn net.Conn, c *Connection, raw []byte) {
	if err := parseRequest(c, raw); err != nil {
		status := statusFor(err)
		s.writeStatusOnly(conn, c, status)
		c.DoKeepAlive = false
		return
	}

	root := s.cfg.DocRoot
	outcome, err := s.resolve(c, root)
	if err != nil {
		s.logger.Error("resolve failed", zap.Error(err))
		s.writeError(conn, c, root, 500)
		return
	}

	hostRoot := root
	if c.HostDir != "" {
		hostRoot = c.HostDir
	}

	status, err := s.authorize(c, hostRoot, outcome)
	if err != nil {
		s.logger.Error("authorize failed", zap.Error(err))
		s.writeError(conn, c, hostRoot, 500)
		return
	}
	if status != 0 {
		if status == 401 {
			s.writeUnauthorized(conn, c, hostRoot)
			return
		}
		s.writeError(conn, c, hostRoot, status)
		return
	}

	switch {
	case outcome.Status == 302:
		s.writeRedirect(conn, c, outcome.Location)
	case outcome.Status == 403 || outcome.Status == 404 || outcome.Status == 500:
		s.writeError(conn, c, hostRoot, outcome.Status)
	case outcome.AllowHeader != "":
		s.writeOptions(conn, c, outcome.AllowHeader)
	case outcome.ServeCGI:
		s.serveCGI(conn, c, hostRoot, outcome)
	case outcome.ServeIndex:
		s.serveIndex(conn, c, hostRoot, outcome)
	case outcome.ServeFile:
		s.serveFile(conn, c, hostRoot, outcome)
	default:
		s.writeError(conn, c, hostRoot, 404)
	}
}

// authorize applies §4.7 steps 8-9 (access + auth + referer) to every
// disposition that reaches the filesystem — static files, directory
// listings, CGI scripts, and OPTIONS responses alike — per §4.7's own
// ordering, which places the access/auth/referer gate (steps 8-9)
// ahead of both OPTIONS (step 10) and CGI dispatch (step 11). Only
// redirects and already-decided errors, which never touch a
// containing directory's .htaccess/.htpasswd, skip it.
func (s *Server) authorize(c *Connection, hostRoot string, outcome resolveOutcome) (status int, err error) {
	if !(outcome.ServeFile || outcome.ServeIndex || outcome.ServeCGI || outcome.AllowHeader != "") {
		return 0, nil
	}

	dir := filepath.Dir(outcome.RelPath)
	if dir == "." {
		dir = ""
	}
	if outcome.ServeIndex {
		dir = outcome.RelPath
	}

	remoteIP, _ := splitHostPort(c.RemoteAddr())
	access, err := checkAccess(hostRoot, dir, s.cfg.GlobalPasswd, remoteIP)
	if err != nil {
		return 403, nil
	}
	if !access.Allowed {
		return 403, nil
	}

	auth, err := checkAuth(hostRoot, dir, s.cfg.GlobalPasswd, &c.Auth, c.Authorization)
	if err != nil {
		return 0, err
	}
	if auth.Required && !auth.OK {
		c.authRealm = auth.Realm
		if c.Method == "POST" || c.Method == "PUT" {
			c.ShouldLinger = true
		}
		return 401, nil
	}
	if auth.User != "" {
		c.RemoteUser = auth.User
	}

	if !s.refererOK(c) {
		return 403, nil
	}

	return 0, nil
}

func (s *Server) serveFile(conn net.Conn, c *Connection, hostRoot string, outcome resolveOutcome) {
	mimeType, intrinsicEncodings := s.mime.figureMIME(c.ExpnFilename)
	c.MimeType = mimeType
	c.Encodings = intrinsicEncodings
	alreadyEncoded := len(intrinsicEncodings) > 0

	if c.Range.HasIfDate && !c.File.Mtime.Truncate(time.Second).After(c.Range.IfDate) {
		// If-Modified-Since covers the file: drop any parsed range so
		// the 304 below is sent. An If-Range date is not compared
		// anywhere; a parsed Range is honored whether or not it matches.
		c.Range.Got = false
	}

	if !c.Range.Got && c.Range.HasIfDate && !c.File.Mtime.Truncate(time.Second).After(c.Range.IfDate) {
		resp := s.compose(c, 304, "", nil, "", false, true)
		conn.Write(resp.Header)
		c.BytesSent = int64(len(resp.Header))
		c.Status = 304
		return
	}

	full := filepath.Join(hostRoot, outcome.RelPath)
	mapping, err := s.files.Map(full, c.File.Size, c.File.Mtime)
	if err != nil {
		s.logger.Error("mmap failed", zap.Error(err))
		s.writeError(conn, c, hostRoot, 500)
		return
	}
	defer mapping.Release()

	decision := decideCompression(hostRoot, outcome.RelPath, c.File.Size, c.File.Mtime, mimeType, alreadyEncoded, acceptsGzip(c.AcceptEncoding))

	if decision.ServeGzipSibling {
		gzFull := full + ".gz"
		gzFi, statErr := os.Stat(gzFull)
		if statErr == nil {
			gzMapping, merr := s.files.Map(gzFull, gzFi.Size(), gzFi.ModTime())
			if merr == nil {
				defer gzMapping.Release()
				c.File.Size = gzFi.Size()
				encs := append(append([]string{}, intrinsicEncodings...), "gzip")
				s.writeFileBody(conn, c, gzMapping.Bytes, mimeType, encs, false, false)
				return
			}
		}
	}

	if decision.RuntimeGzip {
		c.DoKeepAlive = false
		resp := s.compose(c, 200, mimeType, intrinsicEncodings, "", true, c.Method == "HEAD")
		conn.Write(resp.Header)
		n := int64(len(resp.Header))
		if c.Method != "HEAD" {
			gw := gzip.NewWriter(conn)
			gw.Write(mapping.Bytes)
			gw.Close()
		}
		c.BytesSent = n
		c.Status = resp.Status
		return
	}

	s.writeFileBody(conn, c, mapping.Bytes, mimeType, intrinsicEncodings, c.Method == "HEAD", true)
}

// writeFileBody composes headers for a plain (non-runtime-gzip) static
// response and writes the requested byte range (§4.8).
func (s *Server) writeFileBody(conn net.Conn, c *Connection, data []byte, mimeType string, encodings []string, headOnly, withEtag bool) {
	etag := ""
	if withEtag {
		etag = etagFor(data)
	}
	resp := s.compose(c, 200, mimeType, encodings, etag, false, headOnly)
	conn.Write(resp.Header)
	n := int64(len(resp.Header))
	if !headOnly {
		start, length := int64(0), int64(len(data))
		if resp.Status == 206 {
			start, length = resp.RangeStart, resp.RangeLen
		}
		if start >= 0 && start+length <= int64(len(data)) {
			conn.Write(data[start : start+length])
			n += length
		}
	}
	c.BytesSent = n
	c.Status = resp.Status
}

func (s *Server) serveIndex(conn net.Conn, c *Connection, hostRoot string, outcome resolveOutcome) {
	full := filepath.Join(hostRoot, outcome.RelPath)
	body, err := s.buildIndex(full, "/"+outcome.RelPath)
	if err != nil {
		s.writeError(conn, c, hostRoot, 500)
		return
	}
	h := &responseHeaders{}
	h.add("Date", time.Now().UTC().Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)
	h.add("Content-Type", "text/html; charset="+s.cfg.DefaultCharset)
	if c.DoKeepAlive {
		h.add("Connection", "keep-alive")
	} else {
		h.add("Connection", "close")
	}
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}
	if c.Method != "HEAD" {
		h.add("Content-Length", fmt.Sprintf("%d", len(body)))
	}
	conn.Write(h.bytes(200, proto))
	n := 0
	if c.Method != "HEAD" {
		w, _ := conn.Write([]byte(body))
		n = w
	}
	c.BytesSent = int64(n)
	c.Status = 200
}

func (s *Server) serveCGI(conn net.Conn, c *Connection, hostRoot string, outcome resolveOutcome) {
	c.DoKeepAlive = false

	serverName := s.cfg.Hostname
	if c.Host != "" {
		serverName, _, _ = strings.Cut(c.Host, ":")
	}
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}

	headers := map[string]string{}
	add := func(k, v string) {
		if v != "" {
			headers[k] = v
		}
	}
	add("User-Agent", c.UserAgent)
	add("Referer", c.Referer)
	add("Accept", c.Accept)
	add("Accept-Encoding", c.AcceptEncoding)
	add("Accept-Language", c.AcceptLanguage)
	add("Cookie", c.Cookie)
	add("X-Forwarded-For", c.XForwardedFor)

	var body io.Reader
	if c.ContentLength > 0 {
		prefixLen := int64(len(c.bodyPrefix))
		if prefixLen > c.ContentLength {
			prefixLen = c.ContentLength
		}
		body = io.LimitReader(&prefixedReader{prefix: c.bodyPrefix[:prefixLen], conn: conn}, c.ContentLength)
		// Whatever of bodyPrefix wasn't handed to this request's body
		// (because it declared a shorter Content-Length than we'd
		// already buffered) is presumably the start of the next
		// pipelined request; keep it. CGI always closes the
		// connection afterward (below), so in practice this is only
		// ever nil.
		c.bodyPrefix = c.bodyPrefix[prefixLen:]
	}

	req := cgiRequest{
		Method:        c.Method,
		ScriptRelPath: outcome.RelPath,
		PathInfo:      outcome.PathInfo,
		Query:         c.Query,
		Root:          hostRoot,
		RemoteAddr:    c.RemoteAddr(),
		ServerName:    serverName,
		ServerPort:    "80",
		Proto:         proto,
		RemoteUser:    c.RemoteUser,
		ContentType:   c.ContentType,
		ContentLength: c.ContentLength,
		Headers:       headers,
		Body:          body,
	}

	bw := bufio.NewWriter(conn)
	if err := s.cgi.Dispatch(req, bw); err != nil {
		if _, ok := err.(*cgiOverloadedError); ok {
			s.writeError(conn, c, hostRoot, 503)
			return
		}
		s.logger.Error("cgi dispatch failed", zap.Error(err))
		s.writeError(conn, c, hostRoot, 500)
		return
	}
	bw.Flush()
	c.Status = 200 // exact status was written by the CGI interposer.
}

// prefixedReader serves prefix before falling through to conn, so a
// CGI request body already buffered in the arena (read off the wire
// in the same Read call that delivered the header block) is not
// re-requested from a socket that has nothing left to give.
type prefixedReader struct {
	prefix []byte
	conn   net.Conn
}

func (p *prefixedReader) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.conn.Read(b)
}

func (s *Server) writeStatusOnly(conn net.Conn, c *Connection, status int) {
	s.writeError(conn, c, s.cfg.DocRoot, status)
}

func (s *Server) writeError(conn net.Conn, c *Connection, dir string, status int) {
	body, ct := s.errorBody(dir, s.cfg.DocRoot, status)
	body = strings.ReplaceAll(body, "${URL}", defang(c.EncodedURL))
	h := &responseHeaders{}
	h.add("Date", time.Now().UTC().Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)
	h.add("Content-Type", ct)
	h.add("Content-Length", fmt.Sprintf("%d", len(body)))
	h.add("Cache-Control", "no-cache,no-store")
	c.DoKeepAlive = false
	h.add("Connection", "close")
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}
	conn.Write(h.bytes(status, proto))
	if c.Method != "HEAD" {
		conn.Write([]byte(body))
	}
	c.Status = status
}

func (s *Server) writeUnauthorized(conn net.Conn, c *Connection, dir string) {
	body, ct := s.errorBody(dir, s.cfg.DocRoot, 401)
	h := &responseHeaders{}
	h.add("Date", time.Now().UTC().Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)
	realm := c.authRealm
	if realm == "" {
		realm = "/"
	}
	h.add("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", realm))
	h.add("Content-Type", ct)
	h.add("Content-Length", fmt.Sprintf("%d", len(body)))
	if c.DoKeepAlive && !c.ShouldLinger {
		h.add("Connection", "keep-alive")
	} else {
		c.DoKeepAlive = false
		h.add("Connection", "close")
	}
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}
	conn.Write(h.bytes(401, proto))
	if c.Method != "HEAD" {
		conn.Write([]byte(body))
	}
	c.Status = 401
}

func (s *Server) writeRedirect(conn net.Conn, c *Connection, location string) {
	body := fmt.Sprintf("<!DOCTYPE html><html><head><title>302 Found</title></head>"+
		"<body><h1>Found</h1><p>The document has moved <a href=\"%s\">here</a>.</p></body></html>", defang(location))
	h := &responseHeaders{}
	h.add("Date", time.Now().UTC().Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)
	h.add("Location", location)
	h.add("Content-Type", "text/html; charset="+s.cfg.DefaultCharset)
	h.add("Content-Length", fmt.Sprintf("%d", len(body)))
	if c.DoKeepAlive {
		h.add("Connection", "keep-alive")
	} else {
		h.add("Connection", "close")
	}
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}
	conn.Write(h.bytes(302, proto))
	if c.Method != "HEAD" {
		conn.Write([]byte(body))
	}
	c.Status = 302
}

func (s *Server) writeOptions(conn net.Conn, c *Connection, allow string) {
	h := &responseHeaders{}
	h.add("Date", time.Now().UTC().Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)
	h.add("Allow", allow)
	h.add("Content-Length", "0")
	if c.DoKeepAlive {
		h.add("Connection", "keep-alive")
	} else {
		h.add("Connection", "close")
	}
	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}
	conn.Write(h.bytes(200, proto))
	c.Status = 200
}

// lingerDrain performs the bounded post-close drain §5 calls for when
// should_linger is set: it reads and discards any remaining bytes the
// client sends for a short grace period so a POST/PUT whose auth
// failed doesn't land a broken-pipe RST on the client's in-flight body.
func lingerDrain(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			return
		}
	}
}

// logAccess emits the single structured access-log line per request,
// in extended Combined Log Format fields (§6), unless NoLog is set.
func (s *Server) logAccess(c *Connection, start time.Time) {
	if s.cfg.NoLog {
		return
	}
	remote, _ := splitHostPort(c.RemoteAddr())
	if proxy := trustedForwardedFor(c, s.cfg.TrustedProxies); proxy != "" {
		remote = proxy
	}
	s.logger.Info("request",
		zap.String("remote_addr", remote),
		zap.String("remote_user", emptyDash(c.RemoteUser)),
		zap.String("method", c.Method),
		zap.String("uri", c.EncodedURL),
		zap.String("proto", protoString(c.OneOne)),
		zap.Int("status", c.Status),
		zap.Int64("bytes", c.BytesSent),
		zap.String("referer", emptyDash(c.Referer)),
		zap.String("user_agent", emptyDash(c.UserAgent)),
		zap.Duration("duration", time.Since(start)),
	)
}

func protoString(oneOne bool) string {
	if oneOne {
		return "HTTP/1.1"
	}
	return "HTTP/1.0"
}

func emptyDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// trustedForwardedFor returns c.XForwardedFor's first hop when the
// connection's peer is in cfg.TrustedProxies, else "" — the SPEC_FULL
// supplement wiring X-Forwarded-For to the access log (§4.5 parses it
// but never says where it's consumed).
func trustedForwardedFor(c *Connection, trusted []*net.IPNet) string {
	if c.XForwardedFor == "" || len(trusted) == 0 {
		return ""
	}
	remote, _ := splitHostPort(c.RemoteAddr())
	ip := net.ParseIP(remote)
	if ip == nil {
		return ""
	}
	isTrusted := false
	for _, n := range trusted {
		if n.Contains(ip) {
			isTrusted = true
			break
		}
	}
	if !isTrusted {
		return ""
	}
	first := strings.TrimSpace(strings.SplitN(c.XForwardedFor, ",", 2)[0])
	return first
}
