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
	"net"
	"os"
	"time"
)

// growBuf is a grow-only byte arena (C11). Capacity only ever grows;
// named fields the server parses are slice views into it, giving
// amortized-O(1) reallocation without exposing pointer semantics, per
// §9's design note ("Grow-only arenas per connection").
type growBuf struct {
	buf []byte
}

// growthStats is a process-wide diagnostic tally (§4.11 "a process-wide
// counter tallies live allocations and bytes for a diagnostic log line").
var growthStats struct {
	allocations int64
	bytes       int64
}

// Reserve ensures at least n more bytes of spare capacity starting at
// the current length, growing the backing array per §4.11's policy:
// first allocation is max(200, requested+100); subsequent growth is
// max(capacity*2, requested*5/4); shrinks never occur.
func (g *growBuf) Reserve(n int) {
	need := len(g.buf) + n
	if need <= cap(g.buf) {
		return
	}
	var newCap int
	if cap(g.buf) == 0 {
		newCap = need + 100
		if newCap < 200 {
			newCap = 200
		}
	} else {
		newCap = cap(g.buf) * 2
		if alt := need * 5 / 4; alt > newCap {
			newCap = alt
		}
	}
	nb := make([]byte, len(g.buf), newCap)
	copy(nb, g.buf)
	g.buf = nb
	growthStats.allocations++
	growthStats.bytes += int64(newCap)
}

// Append grows as needed and appends p, returning the byte slice view
// that was just written (a view into the shared arena, not a copy).
func (g *growBuf) Append(p []byte) []byte {
	g.Reserve(len(p))
	start := len(g.buf)
	g.buf = append(g.buf, p...)
	return g.buf[start:]
}

// Reset truncates the arena's logical length but keeps its capacity,
// matching "buffers are retained" between keep-alive requests (§4.11).
func (g *growBuf) Reset() { g.buf = g.buf[:0] }

// Compact truncates the arena down to just remaining, sliding it to
// the front of the backing array. remaining is expected to be a
// sub-slice of g.buf itself (the unconsumed tail left over after a
// request was recognized and its body, if any, was drained) — copy
// handles the overlap the way memmove would, since remaining always
// starts at or after offset 0 of the same array.
func (g *growBuf) Compact(remaining []byte) {
	n := copy(g.buf[:cap(g.buf)], remaining)
	g.buf = g.buf[:n]
}

// fileRecord mirrors the stat fields the resolver and composer need
// without re-stating the file mid-response.
type fileRecord struct {
	Size    int64
	Mtime   time.Time
	Mode    os.FileMode
	IsDir   bool
}

// rangeState captures §4.5/§4.8's Range handling fields.
type rangeState struct {
	Got       bool
	First     int64
	Last      int64
	IfDate    time.Time
	HasIfDate bool
}

// authCache is the single-entry per-connection cache described in
// §4.6: a matching (path, mtime, user, stored) tuple skips the file
// scan entirely.
type authCache struct {
	Path    string
	Mtime   time.Time
	User    string
	Crypted string
	Valid   bool
}

// Connection is the per-connection state described in §3. It owns a
// growable read buffer and every parsed/derived field for the request
// currently in flight; between keep-alive requests its content-layer
// fields are cleared but its buffers are retained (§4.11).
type Connection struct {
	conn net.Conn
	arena growBuf

	// Raw / parsed request fields.
	Method       string
	EncodedURL   string
	DecodedURL   string
	OrigFilename string
	ExpnFilename string
	PathInfo     string
	Query        string

	Accept         string
	AcceptEncoding string
	AcceptLanguage string
	Cookie         string
	ContentType    string
	ContentLength  int64
	Authorization  string
	Host           string
	Referer        string
	UserAgent      string
	XForwardedFor  string
	RemoteUser     string

	// Resolution state.
	HostDir      string
	TildeMapped  bool
	File         fileRecord
	FileExists   bool
	MimeType     string
	Encodings    []string
	GzipSibling  bool

	Range rangeState

	// Protocol state.
	OneOne          bool
	KeepAlive       bool // client signaled keep-alive
	connectionClose bool // client sent "Connection: close"
	DoKeepAlive     bool // server's intent
	ShouldLinger    bool
	MimeFlag        bool

	// Response bookkeeping.
	ResponseHeader []byte
	ResponseLen    int
	BytesToSend    int64
	BytesSent      int64
	Status         int

	Auth      authCache
	authRealm string

	// bodyPrefix holds bytes already read into the arena past the
	// request/header terminator — an inline request body, or the start
	// of a pipelined next request — that callers must consume before
	// reading more from the socket (§4.11: buffers, including anything
	// already read off the wire, are never silently discarded).
	bodyPrefix []byte

	reader *requestReader
}

// NewConnection wraps an accepted socket in a Connection ready to read
// its first request.
func NewConnection(c net.Conn) *Connection {
	return &Connection{conn: c, reader: newRequestReader()}
}

// RemoteAddr returns the connection's peer address string.
func (c *Connection) RemoteAddr() string {
	if c.conn == nil {
		return ""
	}
	return c.conn.RemoteAddr().String()
}

// ResetForNextRequest clears every content-layer field so the
// Connection can be reused for the next pipelined/keep-alive request,
// per §3's "zeroed for reuse between requests on the same connection".
// The read arena is NOT reset here; the caller compacts it once the
// consumed request's bytes are no longer needed.
func (c *Connection) ResetForNextRequest() {
	c.Method = ""
	c.EncodedURL = ""
	c.DecodedURL = ""
	c.OrigFilename = ""
	c.ExpnFilename = ""
	c.PathInfo = ""
	c.Query = ""
	c.Accept = ""
	c.AcceptEncoding = ""
	c.AcceptLanguage = ""
	c.Cookie = ""
	c.ContentType = ""
	c.ContentLength = 0
	c.Authorization = ""
	c.Host = ""
	c.Referer = ""
	c.UserAgent = ""
	c.XForwardedFor = ""
	c.RemoteUser = ""
	c.HostDir = ""
	c.TildeMapped = false
	c.File = fileRecord{}
	c.FileExists = false
	c.MimeType = ""
	c.Encodings = nil
	c.GzipSibling = false
	c.Range = rangeState{}
	c.OneOne = false
	c.KeepAlive = false
	c.connectionClose = false
	c.DoKeepAlive = false
	c.ShouldLinger = false
	c.MimeFlag = false
	c.ResponseHeader = nil
	c.ResponseLen = 0
	c.BytesToSend = 0
	c.BytesSent = 0
	c.Status = 0
	c.authRealm = ""
	c.bodyPrefix = nil
	c.reader.Reset()
}
