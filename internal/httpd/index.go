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
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// reservedIndexNames are always hidden from a generated listing (§4.9),
// independent of ListDotfiles.
var reservedIndexNames = map[string]bool{htpasswdName: true, htaccessName: true}

// indexEntry is one row of a generated directory listing.
type indexEntry struct {
	Name  string
	IsDir bool
	Size  int64
	Mtime time.Time
}

// buildIndex implements §4.9: collect readdir entries, filter hidden/
// reserved/unreadable, sort directories-before-files then
// alphabetically, and render an HTML <table>.
func (s *Server) buildIndex(fullDir, urlPath string) (string, error) {
	f, err := os.Open(fullDir)
	if err != nil {
		return "", fmt.Errorf("httpd: open dir %s: %w", fullDir, err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return "", fmt.Errorf("httpd: readdir %s: %w", fullDir, err)
	}
	sort.Strings(names)

	var dirs, files []indexEntry
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		if reservedIndexNames[name] {
			continue
		}
		if !s.cfg.ListDotfiles && strings.HasPrefix(name, ".") && len(name) > 2 {
			continue
		}
		fi, err := os.Stat(filepath.Join(fullDir, name))
		if err != nil || !worldReadable(fi.Mode()) {
			continue
		}
		e := indexEntry{Name: name, IsDir: fi.IsDir(), Size: fi.Size(), Mtime: fi.ModTime()}
		if e.IsDir {
			dirs = append(dirs, e)
		} else {
			files = append(files, e)
		}
	}

	var b strings.Builder
	title := html.EscapeString(urlPath)
	fmt.Fprintf(&b, "<!DOCTYPE html>\n<html><head><title>Index of %s</title></head>\n<body>\n", title)
	fmt.Fprintf(&b, "<h1>Index of %s</h1>\n<table>\n", title)
	b.WriteString("<tr><th>Name</th><th>Size</th><th>Last Modified</th></tr>\n")

	if urlPath != "/" {
		b.WriteString(`<tr><td><a href="../">../</a></td><td>-</td><td>-</td></tr>` + "\n")
	}

	for _, e := range dirs {
		writeIndexRow(&b, e.Name+"/", "-", e.Mtime)
	}
	for _, e := range files {
		writeIndexRow(&b, e.Name, humanize.Bytes(uint64(e.Size)), e.Mtime)
	}

	b.WriteString("</table>\n</body></html>\n")
	return b.String(), nil
}

func writeIndexRow(b *strings.Builder, name, size string, mtime time.Time) {
	escaped := html.EscapeString(name)
	fmt.Fprintf(b, `<tr><td><a href="%s">%s</a></td><td>%s</td><td>%s</td></tr>`+"\n",
		escaped, escaped, size, mtime.UTC().Format("2006-01-02 15:04:05"))
}
