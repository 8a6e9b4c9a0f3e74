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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"syscall"
)

// maxLinks bounds total symlink traversals during one expansion (§4.3).
const maxLinks = 32

// ErrSymlinkLoop is returned when more than maxLinks link traversals
// occur while resolving a single path.
var ErrSymlinkLoop = errors.New("httpd: too many levels of symbolic links")

// expandResult is the outcome of resolving a logical path under root.
type expandResult struct {
	// Path is the longest resolved, existing path relative to root.
	Path string
	// Trailer is the remaining unresolved tail (becomes PATH_INFO).
	Trailer string
}

// expandSymlinks resolves logical (a request-derived, already
// de-dotted) path into a physical path under root that cannot escape
// root, per §4.3's algorithm:
//
//   - walked one component at a time, with a "checked" prefix and a
//     "rest" suffix;
//   - ".." pops the last checked component, never going negative;
//   - each checked prefix is probed with Lstat/Readlink; a successful
//     readlink splices its target into "rest" (an absolute target
//     resets "checked" to empty);
//   - at most maxLinks total traversals, else ErrSymlinkLoop (-> 500);
//   - a component that fails to stat with ENOENT/ENOTDIR/EACCES stops
//     the walk and returns the longest existing prefix plus the
//     unresolved tail as Trailer (used as PATH_INFO).
//
// If noSymlinkCheck is set and the full path already stats cleanly,
// the short-circuit in §4.3's last bullet applies.
func expandSymlinks(root, logical string, noSymlinkCheck bool) (expandResult, error) {
	logical = strings.TrimPrefix(logical, "/")

	if noSymlinkCheck {
		if _, err := os.Stat(path.Join(root, logical)); err == nil {
			return expandResult{Path: logical}, nil
		}
	}

	var checked []string
	rest := splitComponents(logical)
	links := 0

	for len(rest) > 0 {
		comp := rest[0]
		rest = rest[1:]

		switch comp {
		case "", ".":
			continue
		case "..":
			if len(checked) > 0 {
				checked = checked[:len(checked)-1]
			}
			continue
		}

		checked = append(checked, comp)
		checkedPath := path.Join(checked...)
		full := path.Join(root, checkedPath)

		fi, err := os.Lstat(full)
		if err != nil {
			if isMissing(err) {
				checked = checked[:len(checked)-1]
				trailer := path.Join(append([]string{comp}, rest...)...)
				return expandResult{Path: path.Join(checked...), Trailer: trailer}, nil
			}
			return expandResult{}, fmt.Errorf("httpd: stat %s: %w", full, err)
		}

		if fi.Mode()&fs.ModeSymlink == 0 {
			continue
		}

		links++
		if links > maxLinks {
			return expandResult{}, ErrSymlinkLoop
		}

		target, err := os.Readlink(full)
		if err != nil {
			return expandResult{}, fmt.Errorf("httpd: readlink %s: %w", full, err)
		}

		// The link itself is not part of the resolved prefix anymore;
		// its target (plus whatever was left in rest) replaces it.
		checked = checked[:len(checked)-1]
		targetParts := splitComponents(target)
		if path.IsAbs(target) {
			checked = nil
		}
		rest = append(targetParts, rest...)
	}

	return expandResult{Path: path.Join(checked...)}, nil
}

func splitComponents(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// isMissing reports whether err should stop the component walk and
// yield a Trailer (§4.3). errors.Is(err, fs.ErrNotExist) only matches
// ENOENT on unix (see syscall.Errno.Is); a path that walks through a
// regular file, as every CGI PATH_INFO request does, fails with
// ENOTDIR instead, so that must be checked explicitly.
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, fs.ErrInvalid) || errors.Is(err, syscall.ENOTDIR)
}
