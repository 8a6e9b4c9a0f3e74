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
	"strconv"
	"strings"
	"time"
)

// maxHeaderAccum bounds the concatenation of repeated Accept/
// Accept-Encoding headers (§4.5). Bytes past the cap are discarded
// without a log entry.
const maxHeaderAccum = 5000

// parseError is a parse failure that maps directly to one of the
// status codes §4.5 names (400 or 501).
type parseError struct {
	status int
	reason string
}

func (e *parseError) Error() string { return e.reason }

func badRequest(reason string) error  { return &parseError{400, reason} }
func notImplemented(m string) error   { return &parseError{501, "unsupported method " + m} }

// knownMethods is the method set §4.5 recognizes; anything else is 501.
var knownMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "CONNECT": true, "OPTIONS": true, "TRACE": true,
}

// brokenKeepAliveAgents lists the User-Agent substrings §4.5 calls out
// as known-broken, disabling keep-alive when present.
var brokenKeepAliveAgents = []string{"Mozilla/2", "MSIE 4.0b2;"}

// parseRequest parses the terminated buffer in raw (the bytes the FSM
// has already recognized as one complete request, header block
// included) into c's fields, per §4.5.
func parseRequest(c *Connection, raw []byte) error {
	text := string(raw)

	lineEnd := indexAny(text, "\r\n")
	if lineEnd < 0 {
		lineEnd = len(text)
	}
	requestLine := text[:lineEnd]
	fields := splitWS(requestLine)
	if len(fields) < 2 {
		return badRequest("malformed request line")
	}

	method := fields[0]
	if !knownMethods[method] {
		return notImplemented(method)
	}
	c.Method = method

	rawURL := fields[1]
	proto := ""
	if len(fields) >= 3 {
		proto = fields[2]
	}

	switch {
	case proto == "":
		c.OneOne = false
	case proto == "HTTP/1.0":
		c.OneOne = false
	case proto == "HTTP/1.1":
		c.OneOne = true
	default:
		if strings.HasPrefix(proto, "HTTP/1.") {
			c.OneOne = true
		} else {
			return badRequest("unsupported protocol " + proto)
		}
	}

	// Absolute-form URI only accepted on HTTP/1.1 (§4.5).
	if strings.HasPrefix(rawURL, "http://") || strings.HasPrefix(rawURL, "https://") {
		if !c.OneOne {
			return badRequest("absolute-form URI requires HTTP/1.1")
		}
		rest := rawURL[strings.Index(rawURL, "://")+3:]
		if slash := strings.IndexByte(rest, '/'); slash >= 0 {
			c.Host = rest[:slash]
			rawURL = rest[slash:]
		} else {
			c.Host = rest
			rawURL = "/"
		}
	}

	if !strings.HasPrefix(rawURL, "/") {
		return badRequest("URL must begin with /")
	}
	c.EncodedURL = rawURL

	if q := strings.IndexByte(rawURL, '?'); q >= 0 {
		c.Query = rawURL[q+1:]
		c.OrigFilename = rawURL[:q]
	} else {
		c.OrigFilename = rawURL
	}

	decoded := strdecode(c.OrigFilename)
	c.DecodedURL = decoded
	normalized := deDotDot(decoded)
	// deDotDot drops leading "../" segments, so a request that climbs
	// above the root is also checked before normalization.
	if escapesRoot(normalized) || escapesRoot(strings.TrimLeft(decoded, "/")) {
		return badRequest("path escapes document root")
	}
	c.OrigFilename = normalized

	if lineEnd >= len(text) {
		// HTTP/0.9: no headers.
		if !c.OneOne && proto == "" {
			return nil
		}
	}

	if err := parseHeaders(c, text[lineEnd:]); err != nil {
		return err
	}

	if c.OneOne && c.Host == "" {
		return badRequest("HTTP/1.1 request missing Host")
	}

	return nil
}

// parseHeaders parses the header block (everything after the request
// line, including its own CRLF/blank-line terminator) into c's fields.
func parseHeaders(c *Connection, block string) error {
	lines := splitLines(block)
	var acceptAccum, acceptEncAccum strings.Builder

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])

		switch strings.ToLower(name) {
		case "host":
			if strings.ContainsRune(value, '/') || strings.HasPrefix(value, ".") {
				return badRequest("malformed Host header")
			}
			c.Host = value
		case "referer":
			c.Referer = value
		case "user-agent":
			c.UserAgent = value
		case "accept":
			appendAccum(&acceptAccum, value)
		case "accept-encoding":
			appendAccum(&acceptEncAccum, value)
		case "accept-language":
			c.AcceptLanguage = value
		case "if-modified-since":
			if t, err := http1123(value); err == nil {
				c.Range.IfDate = t
				c.Range.HasIfDate = true
			}
		case "cookie":
			c.Cookie = value
		case "range":
			parseRange(c, value)
		case "range-if", "if-range":
			if t, err := http1123(value); err == nil {
				c.Range.IfDate = t
			}
		case "content-type":
			c.ContentType = value
		case "content-length":
			if n, err := strconv.ParseInt(value, 10, 64); err == nil && n >= 0 {
				c.ContentLength = n
			}
		case "authorization":
			c.Authorization = value
		case "connection":
			v := strings.ToLower(value)
			if strings.Contains(v, "keep-alive") {
				c.KeepAlive = true
			}
			if strings.Contains(v, "close") {
				c.connectionClose = true
			}
		case "x-forwarded-for":
			c.XForwardedFor = value
		}
	}

	c.Accept = acceptAccum.String()
	c.AcceptEncoding = acceptEncAccum.String()

	c.DoKeepAlive = decideKeepAlive(c)

	return nil
}

func appendAccum(b *strings.Builder, value string) {
	if b.Len() >= maxHeaderAccum {
		return
	}
	if b.Len() > 0 {
		b.WriteString(", ")
	}
	b.WriteString(value)
	if b.Len() > maxHeaderAccum {
		// Truncate back down; overflow is discarded per §4.5.
		s := b.String()
		b.Reset()
		b.WriteString(s[:maxHeaderAccum])
	}
}

// decideKeepAlive implements §4.5's keep-alive decision: HTTP/1.1
// defaults to keep-alive unless Connection: close was seen; HTTP/1.0
// requires an explicit Connection: keep-alive. Known-broken user
// agents never get keep-alive.
func decideKeepAlive(c *Connection) bool {
	for _, bad := range brokenKeepAliveAgents {
		if strings.Contains(c.UserAgent, bad) {
			return false
		}
	}
	if c.OneOne {
		return !c.connectionClose
	}
	return c.KeepAlive
}

// acceptsGzip scans Accept-Encoding for "gzip" with a non-zero q-value
// (§4.5).
func acceptsGzip(acceptEncoding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ";")
		name := strings.TrimSpace(fields[0])
		if !strings.EqualFold(name, "gzip") && name != "*" {
			continue
		}
		q := 1.0
		for _, param := range fields[1:] {
			param = strings.TrimSpace(param)
			if strings.HasPrefix(param, "q=") {
				if v, err := strconv.ParseFloat(param[2:], 64); err == nil {
					q = v
				}
			}
		}
		if q > 0 {
			return true
		}
	}
	return false
}

// parseRange supports only the single-interval forms described in
// §4.5: "bytes=n-" and "bytes=n-m". Anything else (multi-range, or the
// suffix form "bytes=-N") is silently left unparsed, preserving the
// source's documented behavior for the §9 Open Question: the resolver
// then falls back to a full 200 response.
func parseRange(c *Connection, value string) {
	const prefix = "bytes="
	if !strings.HasPrefix(value, prefix) {
		return
	}
	spec := value[len(prefix):]
	if strings.Contains(spec, ",") {
		return // multi-range: not parsed.
	}
	dash := strings.IndexByte(spec, '-')
	if dash <= 0 {
		return // no first value (includes the suffix form "-N"): not parsed.
	}
	firstStr, lastStr := spec[:dash], spec[dash+1:]
	first, err := strconv.ParseInt(firstStr, 10, 64)
	if err != nil || first < 0 {
		return
	}
	if lastStr == "" {
		c.Range.Got = true
		c.Range.First = first
		c.Range.Last = -1 // resolved against file size later
		return
	}
	last, err := strconv.ParseInt(lastStr, 10, 64)
	if err != nil || last < first {
		return
	}
	c.Range.Got = true
	c.Range.First = first
	c.Range.Last = last
}

func http1123(v string) (time.Time, error) {
	return time.Parse(time.RFC1123, v)
}

func splitWS(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\r' || r == '\n'
	})
}

func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.Split(s, "\n")
}

func indexAny(s, cutset string) int {
	return strings.IndexAny(s, cutset)
}

// statusFor turns a parse error into the HTTP status §7 assigns it.
func statusFor(err error) int {
	if pe, ok := err.(*parseError); ok {
		return pe.status
	}
	return 500
}
