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

import "sort"

// mimeEntry is one row of the extension->type table (C2).
type mimeEntry struct {
	ext  string
	kind string
}

// encodingEntry is one row of the extension->Content-Encoding table.
type encodingEntry struct {
	ext      string
	encoding string
}

// mimeTable holds the two lexicographically-sorted tables described in
// §4.2: a binary-searched type table and a linearly-scanned encoding
// table. Both are built once at startup and never mutated afterward,
// matching §9's "once-initialized immutable state" design note.
type mimeTable struct {
	types     []mimeEntry
	encodings []encodingEntry
	charset   string
}

func newMimeTable(charset string) *mimeTable {
	t := &mimeTable{charset: charset}
	t.types = append(t.types, defaultMimeTypes...)
	t.encodings = append(t.encodings, defaultEncodings...)
	sort.Slice(t.types, func(i, j int) bool { return t.types[i].ext < t.types[j].ext })
	sort.Slice(t.encodings, func(i, j int) bool { return t.encodings[i].ext < t.encodings[j].ext })
	return t
}

// lookupType performs the binary search described in §4.2: ties are
// broken by exact length match.
func (t *mimeTable) lookupType(ext string) (string, bool) {
	i := sort.Search(len(t.types), func(i int) bool { return t.types[i].ext >= ext })
	if i < len(t.types) && t.types[i].ext == ext {
		return t.types[i].kind, true
	}
	return "", false
}

// lookupEncoding performs the linear scan described in §4.2.
func (t *mimeTable) lookupEncoding(ext string) (string, bool) {
	for _, e := range t.encodings {
		if e.ext == ext {
			return e.encoding, true
		}
	}
	return "", false
}

// figureMIME implements §4.2's figure_mime: peel extensions from right
// to left, collecting encodings (outermost first) until a type hit
// terminates the scan. If nothing matches, the default is
// "text/plain; charset=<configured charset>".
func (t *mimeTable) figureMIME(name string) (kind string, encodings []string) {
	rest := name
	var peeled []string
	for {
		dot := lastDot(rest)
		if dot < 0 {
			break
		}
		ext := rest[dot:]
		if enc, ok := t.lookupEncoding(ext); ok {
			peeled = append(peeled, enc)
			rest = rest[:dot]
			continue
		}
		if mt, ok := t.lookupType(ext); ok {
			kind = mt
		} else {
			kind = "text/plain; charset=" + t.charset
		}
		break
	}
	if kind == "" {
		kind = "text/plain; charset=" + t.charset
	}
	// peeled was collected right to left, so the rightmost (last
	// applied) encoding comes first; reverse it so the list runs in
	// the order the encodings were applied, innermost first.
	for i := len(peeled) - 1; i >= 0; i-- {
		encodings = append(encodings, peeled[i])
	}
	return kind, encodings
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
		if s[i] == '/' {
			return -1
		}
	}
	return -1
}

// defaultMimeTypes is the built-in extension->type table (§6 "MIME
// tables: compiled into the binary at build time as static arrays").
var defaultMimeTypes = []mimeEntry{
	{".css", "text/css"},
	{".csv", "text/csv"},
	{".gif", "image/gif"},
	{".htm", "text/html"},
	{".html", "text/html"},
	{".ico", "image/x-icon"},
	{".jpeg", "image/jpeg"},
	{".jpg", "image/jpeg"},
	{".js", "application/javascript"},
	{".json", "application/json"},
	{".md", "text/markdown"},
	{".mjs", "application/javascript"},
	{".pdf", "application/pdf"},
	{".png", "image/png"},
	{".svg", "image/svg+xml"},
	{".txt", "text/plain"},
	{".wasm", "application/wasm"},
	{".webp", "image/webp"},
	{".woff", "font/woff"},
	{".woff2", "font/woff2"},
	{".xml", "application/xml"},
	{".zip", "application/zip"},
}

// defaultEncodings is the built-in extension->Content-Encoding table.
var defaultEncodings = []encodingEntry{
	{".gz", "gzip"},
	{".Z", "compress"},
	{".br", "br"},
}

// varyExtensions is the small set of file extensions for which §4.8 requires
// emitting "Vary: Accept-Encoding".
var varyExtensions = map[string]bool{
	".js":   true,
	".css":  true,
	".xml":  true,
	".html": true,
	".gz":   true,
}
