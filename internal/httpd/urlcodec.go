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

import "strings"

// strdecode percent-decodes s: %HH where both digits are hex becomes
// the corresponding byte; any other '%' is left intact (§4.1).
func strdecode(s string) string {
	if !strings.ContainsRune(s, '%') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(hexVal(s[i+1])<<4 | hexVal(s[i+2]))
			i += 2
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// strencode is the inverse of strdecode for printable ASCII, used only
// by tests to exercise invariant 3 in §8 (round-tripping).
func strencode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c <= 0x20 || c >= 0x7f {
			b.WriteByte('%')
			b.WriteByte(hexDigit(c >> 4))
			b.WriteByte(hexDigit(c & 0xf))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func hexVal(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

func hexDigit(v byte) byte {
	if v < 10 {
		return '0' + v
	}
	return 'A' + (v - 10)
}

// defangEntities maps the characters defang must neutralize to their
// HTML entity forms (§4.1).
var defangEntities = map[byte]string{
	'<':  "&lt;",
	'>':  "&gt;",
	'&':  "&amp;",
	'"':  "&quot;",
	'\'': "&#39;",
	'?':  "&#63;",
}

// defang renders s safe for inclusion in an HTML document, replacing
// each of <, >, &, ", ', ? with its entity form. Property 4 in §8:
// the result contains none of those characters unescaped, and every
// '&' it contains begins a valid entity; length grows by at most 5x.
func defang(s string) string {
	needsWork := false
	for i := 0; i < len(s); i++ {
		if _, ok := defangEntities[s[i]]; ok {
			needsWork = true
			break
		}
	}
	if !needsWork {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if ent, ok := defangEntities[s[i]]; ok {
			b.WriteString(ent)
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// deDotDot performs the §4.1 path sanitization, in order:
//
//	(a) collapse runs of '/' to a single '/'
//	(b) strip a single leading '/'
//	(c) remove "./" prefix and all "/./" occurrences
//	(d) repeatedly remove leading "../" and collapse "xxx/../" pairs
//	(e) trim a trailing "/.."
//
// The caller (the resolver) is responsible for rejecting a result that
// still starts with '/' or is (or starts with) "..", per §4.1's final
// sentence and invariant 1 in §8.
func deDotDot(path string) string {
	// (a) collapse "//" runs
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	// (b) strip a single leading slash
	path = strings.TrimPrefix(path, "/")

	// (c) remove "./" prefix and all "/./" occurrences
	path = strings.TrimPrefix(path, "./")
	for strings.Contains(path, "/./") {
		path = strings.ReplaceAll(path, "/./", "/")
	}

	// (d) repeatedly remove leading "../" and collapse "xxx/../" pairs
	for {
		changed := false
		for strings.HasPrefix(path, "../") {
			path = path[3:]
			changed = true
		}
		if i := strings.Index(path, "/../"); i >= 0 {
			prevSlash := strings.LastIndexByte(path[:i], '/')
			if prevSlash < 0 {
				path = path[i+4:]
			} else {
				path = path[:prevSlash+1] + path[i+4:]
			}
			changed = true
		}
		if !changed {
			break
		}
	}

	// (e) trim a trailing "/.."
	path = strings.TrimSuffix(path, "/..")

	return path
}

// escapesRoot reports whether a de-dotted path still reaches outside
// the document root: it begins with '/' (an absolute path survived
// normalization) or it is, or begins with, "..".
func escapesRoot(path string) bool {
	if strings.HasPrefix(path, "/") {
		return true
	}
	if path == ".." || strings.HasPrefix(path, "../") {
		return true
	}
	return false
}
