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
	"os"
	"path"
	"path/filepath"
	"strings"
)

// indexNames is the probe order §4.7 step 5 names.
var indexNames = []string{"index.html", "index.htm"}

// sharedVhostDirs are the top-level directories a vhost may fall
// through to when its own copy is missing (§9 Open Question, resolved
// in SPEC_FULL.md: reachable whenever the vhost's own copy is absent,
// not only on partial-expansion failure).
var sharedVhostDirs = map[string]bool{"icons": true, "cgi-bin": true}

// resolveOutcome is what the resolver decided to do with a request.
type resolveOutcome struct {
	Status      int
	Location    string // for 3xx
	ServeFile   bool
	ServeIndex  bool
	ServeCGI    bool
	RelPath     string // expanded filename, relative to root
	PathInfo    string
	AllowHeader string
}

// resolve implements the §4.7 algorithm end to end. root is the
// server's document root; when Vhost is set, resolve itself picks the
// per-host subdirectory via vhostRoot and resolves under it.
func (s *Server) resolve(c *Connection, root string) (resolveOutcome, error) {
	// Step 1: internally served icons short-circuit (kept narrow:
	// only a fixed prefix is recognized, matching the spirit of the
	// source's built-in icon set without hand-maintaining image bytes).
	if strings.HasPrefix(c.OrigFilename, "icons/") {
		c.ExpnFilename = c.OrigFilename
		return s.resolveStaticOrIndex(c, root, c.OrigFilename, "")
	}

	hostRoot := root
	if s.cfg.Vhost {
		hostRoot = s.vhostRoot(root, c.Host)
	}

	logical := c.OrigFilename
	if strings.HasPrefix(logical, "~") {
		mapped, ok := tildeMap(hostRoot, logical)
		if !ok {
			return resolveOutcome{Status: 404}, nil
		}
		logical = mapped
		c.TildeMapped = true
	}

	exp, err := expandSymlinks(hostRoot, logical, s.cfg.NoSymlinkCheck)
	if err != nil {
		return resolveOutcome{}, fmt.Errorf("httpd: resolve %s: %w", logical, err)
	}

	// Vhost shared-directory fallback: if expansion stalled on the
	// very first component and that component is one of the shared
	// dirs, and the vhost doesn't have its own copy, retry against the
	// true document root.
	if exp.Trailer != "" && s.cfg.Vhost && hostRoot != root {
		first := strings.SplitN(logical, "/", 2)[0]
		if sharedVhostDirs[first] {
			if _, err := os.Stat(filepath.Join(hostRoot, first)); err != nil {
				if exp2, err2 := expandSymlinks(root, logical, s.cfg.NoSymlinkCheck); err2 == nil {
					exp = exp2
					hostRoot = root
				}
			}
		}
	}

	c.ExpnFilename = exp.Path
	c.PathInfo = exp.Trailer
	c.HostDir = hostRoot

	return s.resolveStaticOrIndex(c, hostRoot, exp.Path, exp.Trailer)
}

func (s *Server) vhostRoot(root, host string) string {
	if host == "" {
		return root
	}
	name, _, _ := strings.Cut(host, ":")
	name = strings.ToLower(name)
	if name == "" || strings.ContainsAny(name, "/\\") {
		return root
	}
	candidate := filepath.Join(root, name)
	if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
		return candidate
	}
	return root
}

// tildeMap maps "~user/..." to a user's public_html directory under
// root, the classic tilde-user convention.
func tildeMap(root, logical string) (string, bool) {
	rest := strings.TrimPrefix(logical, "~")
	user, tail, _ := strings.Cut(rest, "/")
	if user == "" {
		return "", false
	}
	mapped := path.Join(user, "public_html", tail)
	if _, err := os.Stat(filepath.Join(root, mapped)); err == nil {
		return mapped, true
	}
	return "", false
}

// resolveStaticOrIndex carries out §4.7 steps 2-13 once tilde/vhost
// mapping and symlink expansion (or the icon short-circuit) have
// produced a candidate relative path and trailer.
func (s *Server) resolveStaticOrIndex(c *Connection, root, relPath, trailer string) (resolveOutcome, error) {
	if isProtectedFilename(relPath) {
		return resolveOutcome{Status: 403}, nil
	}

	full := filepath.Join(root, relPath)
	fi, err := os.Stat(full)
	if err != nil {
		return resolveOutcome{Status: 404}, nil
	}

	if !worldReadable(fi.Mode()) {
		return resolveOutcome{Status: 403}, nil
	}

	if fi.IsDir() {
		if trailer != "" {
			return resolveOutcome{Status: 500}, fmt.Errorf("httpd: symlink trailer on directory %s", full)
		}
		if !strings.HasSuffix(c.EncodedURL, "/") && c.OrigFilename != "" && c.OrigFilename != "." {
			loc := c.EncodedURL + "/"
			if c.Query != "" {
				loc += "?" + c.Query
			}
			return resolveOutcome{Status: 302, Location: loc}, nil
		}
		if fi.Mode().Perm()&0o001 == 0 {
			return resolveOutcome{Status: 403}, nil
		}

		for _, name := range indexNames {
			idxRel := path.Join(relPath, name)
			idxFull := filepath.Join(root, idxRel)
			idxFi, err := os.Stat(idxFull)
			if err != nil {
				continue
			}
			exp, err := expandSymlinks(root, idxRel, s.cfg.NoSymlinkCheck)
			if err != nil {
				return resolveOutcome{}, err
			}
			if exp.Trailer != "" {
				return resolveOutcome{Status: 500}, fmt.Errorf("httpd: symlink trailer on index file")
			}
			if !worldReadable(idxFi.Mode()) {
				return resolveOutcome{Status: 403}, nil
			}
			c.ExpnFilename = exp.Path
			c.File = fileRecord{Size: idxFi.Size(), Mtime: idxFi.ModTime(), Mode: idxFi.Mode()}
			c.FileExists = true
			return resolveOutcome{Status: 200, ServeFile: true, RelPath: exp.Path}, nil
		}

		// No index: directory listing, subject to access+auth+referer.
		return resolveOutcome{Status: 200, ServeIndex: true, RelPath: relPath}, nil
	}

	if !fi.Mode().IsRegular() {
		return resolveOutcome{Status: 404}, nil
	}

	if c.Method == "OPTIONS" {
		allow := "OPTIONS,GET,HEAD"
		if s.isCGI(root, relPath) {
			allow = "POST," + allow
		}
		return resolveOutcome{Status: 200, AllowHeader: allow, RelPath: relPath}, nil
	}

	if s.isCGI(root, relPath) {
		if fi.Mode().Perm()&0o001 == 0 {
			return resolveOutcome{Status: 403}, nil
		}
		c.ExpnFilename = relPath
		c.PathInfo = trailer
		c.File = fileRecord{Size: fi.Size(), Mtime: fi.ModTime(), Mode: fi.Mode()}
		c.FileExists = true
		return resolveOutcome{Status: 200, ServeCGI: true, RelPath: relPath, PathInfo: trailer}, nil
	}

	if trailer != "" {
		return resolveOutcome{Status: 403}, nil
	}

	c.ExpnFilename = relPath
	c.File = fileRecord{Size: fi.Size(), Mtime: fi.ModTime(), Mode: fi.Mode()}
	c.FileExists = true
	return resolveOutcome{Status: 200, ServeFile: true, RelPath: relPath}, nil
}

// isCGI reports whether relPath (stripped of any vhost prefix, per
// §4.7 step 11) matches the configured CGI pattern.
func (s *Server) isCGI(root, relPath string) bool {
	if s.cfg.CGIPattern == "" {
		return false
	}
	return s.match.Match(s.cfg.CGIPattern, relPath) ||
		s.match.Match(s.cfg.CGIPattern, path.Base(relPath))
}

func worldReadable(mode os.FileMode) bool {
	return mode.Perm()&0o004 != 0
}

// refererOK implements §4.7 step 9 / §4.8's referer check: a request
// for a URL matching URLPattern must carry a Referer whose host
// matches LocalHostPattern.
func (s *Server) refererOK(c *Connection) bool {
	if s.cfg.URLPattern == "" {
		return true
	}
	if !s.match.Match(s.cfg.URLPattern, c.OrigFilename) {
		return true
	}
	if c.Referer == "" {
		return !s.cfg.NoEmptyReferers
	}
	host := c.Referer
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/:"); i >= 0 {
		host = host[:i]
	}
	if s.cfg.LocalHostPattern == "" {
		return true
	}
	return s.match.Match(s.cfg.LocalHostPattern, host)
}
