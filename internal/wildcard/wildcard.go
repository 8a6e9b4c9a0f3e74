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

// Package wildcard implements the narrow glob-matching interface the
// server's CGI pattern (§1, §4.7, §6 CLI -c) is checked against.
//
// Nothing in the example corpus imports a dedicated glob/wildcard
// library for this purpose; callers in the teacher (caddyhttp/httpserver.Path)
// solve the analogous "does this path match a configured pattern"
// problem with the standard library, so this package follows suit with
// path.Match instead of reaching for a third-party matcher.
package wildcard

import "path"

// Matcher reports whether name satisfies pattern.
type Matcher interface {
	Match(pattern, name string) bool
}

// Glob is a Matcher backed by path.Match shell-style patterns
// (*, ?, [class]).
type Glob struct{}

// Match reports whether name matches pattern. A malformed pattern
// never matches anything instead of returning an error, since callers
// treat "CGI pattern didn't match" and "CGI pattern is broken" the
// same way: fall through to static-file handling.
func (Glob) Match(pattern, name string) bool {
	if pattern == "" {
		return false
	}
	ok, err := path.Match(pattern, name)
	if err != nil {
		return false
	}
	return ok
}
