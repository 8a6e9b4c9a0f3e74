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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// statusText mirrors net/http.StatusText but adds the one
// project-specific reason phrase §7 names that the standard library
// doesn't carry.
func statusText(code int) string {
	if code == 503 {
		return "Service Temporarily Overloaded"
	}
	return http.StatusText(code)
}

// responseHeaders accumulates the headers §4.8 says are mandatory or
// conditional, in a stable order, the way a hand-rolled composer
// (rather than net/http.Header, which would reorder and canonicalize
// more than the spec's wire format implies) would build a status line
// plus header block.
type responseHeaders struct {
	lines []string
}

func (h *responseHeaders) add(name, value string) {
	h.lines = append(h.lines, name+": "+value+"\r\n")
}

func (h *responseHeaders) bytes(status int, proto string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s\r\n", proto, status, statusText(status))
	for _, l := range h.lines {
		b.WriteString(l)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// modHeadersDecision is the §4.8 "mod_headers decision table" outcome
// for compression: either serve an existing .gz sibling as-is, or
// decide whether to gzip on the fly.
type modHeadersDecision struct {
	ServeGzipSibling bool
	RuntimeGzip      bool
}

// decideCompression implements §4.8's mod_headers table.
func decideCompression(root, relPath string, size int64, mtime time.Time, mimeType string, alreadyEncoded bool, clientAcceptsGzip bool) modHeadersDecision {
	if !alreadyEncoded {
		gzPath := filepath.Join(root, relPath+".gz")
		if fi, err := os.Stat(gzPath); err == nil && fi.Mode().IsRegular() &&
			worldReadable(fi.Mode()) && !fi.ModTime().Before(mtime) {
			return modHeadersDecision{ServeGzipSibling: true}
		}
	}
	if alreadyEncoded || !clientAcceptsGzip {
		return modHeadersDecision{}
	}
	isTextLike := strings.HasPrefix(mimeType, "text/") || mimeType == "application/javascript" ||
		strings.HasPrefix(mimeType, "application/javascript;")
	if isTextLike && size >= 256 {
		return modHeadersDecision{RuntimeGzip: true}
	}
	return modHeadersDecision{}
}

// composedResponse is everything the caller needs to write a response:
// the header block, whether to include a body, and (for 206) the byte
// range of the mapped file to send.
type composedResponse struct {
	Header      []byte
	Status      int
	RangeStart  int64
	RangeLen    int64
	SendBody    bool
}

// compose builds the §4.8 header block: mandatory headers, the 206
// election, Content-Length/Content-Range, Content-Encoding
// composition, ETag, Cache-Control (no-cache,no-store when status is
// not 2xx/3xx), Connection and Vary. Error bodies are built by
// errorBody, not here.
func (s *Server) compose(c *Connection, status int, mimeType string, encodings []string, etag string, gzipApplied bool, headOnly bool) composedResponse {
	h := &responseHeaders{}
	now := time.Now().UTC()
	h.add("Date", now.Format(http.TimeFormat))
	h.add("Server", s.cfg.ServerSoftware)

	if !c.File.Mtime.IsZero() {
		h.add("Last-Modified", c.File.Mtime.UTC().Format(http.TimeFormat))
	}
	h.add("Accept-Ranges", "bytes")

	proto := "HTTP/1.0"
	if c.OneOne {
		proto = "HTTP/1.1"
	}

	result := composedResponse{Status: status, SendBody: !headOnly && status != 304}

	size := c.File.Size
	// Runtime gzip streams the whole compressed body with no
	// byte-addressable correspondence to the client's requested range
	// of the original file, so Range is never honored when gzipApplied
	// is set (the .gz-sibling path calls compose with gzipApplied
	// false and a Content-Length already reflecting the sibling file,
	// so a Range there still addresses real, on-disk bytes).
	useRange := status == 200 && !gzipApplied && c.Range.Got && c.Range.First >= 0 &&
		(c.Range.Last < 0 || c.Range.Last < size) && c.Range.First < size

	if useRange {
		last := c.Range.Last
		if last < 0 {
			last = size - 1
		}
		if last >= size {
			last = size - 1
		}
		if c.Range.First <= last {
			result.Status = 206
			result.RangeStart = c.Range.First
			result.RangeLen = last - c.Range.First + 1
			h.add("Content-Range", fmt.Sprintf("bytes %d-%d/%d", c.Range.First, last, size))
			h.add("Content-Length", strconv.FormatInt(result.RangeLen, 10))
		} else {
			useRange = false
		}
	}

	encList := append([]string{}, encodings...)
	if gzipApplied {
		found := false
		for _, e := range encList {
			if e == "gzip" {
				found = true
			}
		}
		if !found {
			encList = append(encList, "gzip")
		}
	}
	if len(encList) > 0 {
		h.add("Content-Encoding", strings.Join(encList, ", "))
	}

	if !useRange {
		if !gzipApplied && status != 206 {
			h.add("Content-Length", strconv.FormatInt(size, 10))
			result.RangeLen = size
		} else {
			result.RangeLen = size
		}
	}

	if mimeType != "" {
		h.add("Content-Type", mimeType)
	}
	if etag != "" {
		h.add("ETag", "\""+etag+"\"")
	}

	if status >= 200 && status < 400 {
		if s.cfg.DefaultMaxAge > 0 {
			h.add("Cache-Control", fmt.Sprintf("max-age=%d", s.cfg.DefaultMaxAge))
		}
	} else {
		h.add("Cache-Control", "no-cache,no-store")
	}

	if c.DoKeepAlive {
		h.add("Connection", "keep-alive")
	} else {
		h.add("Connection", "close")
	}

	ext := filepath.Ext(c.ExpnFilename)
	if varyExtensions[ext] {
		h.add("Vary", "Accept-Encoding")
	}

	result.Header = h.bytes(result.Status, proto)
	return result
}

// etagFor computes the MD5 of the mapped file bytes, per §4.8.
func etagFor(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// errorBody loads the error page for status from <dir>/err<code>.html
// if present (vhost-specific first, then server-wide), per §7/§4.8,
// else returns a built-in template.
func (s *Server) errorBody(vhostDir, root string, status int) (body string, contentType string) {
	name := fmt.Sprintf("err%d.html", status)
	for _, dir := range []string{vhostDir, root} {
		if dir == "" {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), "text/html; charset=" + s.cfg.DefaultCharset
		}
	}
	text := statusText(status)
	return fmt.Sprintf(
		"<!DOCTYPE html>\n<html><head><title>%d %s</title></head>\n"+
			"<body><h1>%d %s</h1></body></html>\n",
		status, text, status, text,
	), "text/html; charset=" + s.cfg.DefaultCharset
}
