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
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jimstudt/http-authentication/basic"
)

const (
	htpasswdName = ".htpasswd"
	htaccessName = ".htaccess"
)

// isProtectedFilename reports whether name is the literal filename of
// one of the access-control files; §8 invariant 8 requires these to
// always 403 regardless of permissions.
func isProtectedFilename(name string) bool {
	base := path.Base(name)
	return base == htpasswdName || base == htaccessName
}

// authResult is the outcome of the §4.6 auth check against a
// containing directory.
type authResult struct {
	Required bool
	OK       bool
	Realm    string
	User     string
}

// findUpward walks from dir up to (and including) stopAt looking for
// a file named leaf, honoring §4.6's "global" mode: when global is
// true a single file at stopAt is consulted first, and only if absent
// does the per-directory walk proceed.
func findUpward(root, dir, stopAt, leaf string, global bool) (foundDir string, ok bool) {
	if global {
		if fileExists(filepath.Join(root, stopAt, leaf)) {
			return filepath.Join(stopAt), true
		}
	}
	d := dir
	for {
		if fileExists(filepath.Join(root, d, leaf)) {
			return d, true
		}
		if d == stopAt || d == "." || d == "" {
			break
		}
		parent := filepath.Dir(d)
		if parent == d {
			break
		}
		d = parent
	}
	return "", false
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// checkAuth implements §4.6's Basic-auth gate: locate .htpasswd by
// walking up from dir, check the connection's single-entry cache
// before re-scanning the file, and verify with crypt(authpass, stored)
// semantics via the multi-format matcher library the teacher's
// basicauth package uses.
func checkAuth(root, dir string, global bool, cache *authCache, authzHeader string) (authResult, error) {
	foundDir, ok := findUpward(root, dir, ".", htpasswdName, global)
	if !ok {
		return authResult{Required: false, OK: true}, nil
	}

	htpath := filepath.Join(root, foundDir, htpasswdName)
	realm := "/" + filepath.ToSlash(foundDir)

	user, pass, ok := parseBasicAuth(authzHeader)
	if !ok {
		return authResult{Required: true, OK: false, Realm: realm}, nil
	}

	fi, err := os.Stat(htpath)
	if err != nil {
		return authResult{}, fmt.Errorf("httpd: stat %s: %w", htpath, err)
	}

	if cache.Valid && cache.Path == htpath && cache.Mtime.Equal(fi.ModTime()) && cache.User == user {
		ok := verifyPassword(cache.Crypted, pass)
		return authResult{Required: true, OK: ok, Realm: realm, User: user}, nil
	}

	crypted, found, err := lookupHtpasswdUser(htpath, user)
	if err != nil {
		return authResult{}, err
	}
	if !found {
		return authResult{Required: true, OK: false, Realm: realm}, nil
	}

	*cache = authCache{Path: htpath, Mtime: fi.ModTime(), User: user, Crypted: crypted, Valid: true}

	return authResult{Required: true, OK: verifyPassword(crypted, pass), Realm: realm, User: user}, nil
}

// lookupHtpasswdUser scans an .htpasswd file for user, honoring "last
// matching entry wins within one file" (§6).
func lookupHtpasswdUser(htpath, user string) (crypted string, found bool, err error) {
	f, err := os.Open(htpath)
	if err != nil {
		return "", false, fmt.Errorf("httpd: open %s: %w", htpath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		u, enc := line[:i], line[i+1:]
		if u == user {
			crypted, found = enc, true
		}
	}
	if err := sc.Err(); err != nil {
		return "", false, err
	}
	return crypted, found, nil
}

// verifyPassword checks pass against stored using whichever crypt
// format http-authentication/basic recognizes (DES crypt, MD5-crypt,
// SHA1, bcrypt).
func verifyPassword(stored, pass string) bool {
	for _, system := range basic.DefaultSystems {
		matcher, err := system(stored)
		if err != nil || matcher == nil {
			continue
		}
		return matcher.MatchesPassword(pass)
	}
	return false
}

func parseBasicAuth(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(header, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	decoded := string(raw)
	if err != nil {
		return "", "", false
	}
	i := strings.IndexByte(decoded, ':')
	if i < 0 {
		return "", "", false
	}
	return decoded[:i], decoded[i+1:], true
}

// accessResult is the outcome of §4.6's .htaccess evaluation.
type accessResult struct {
	Allowed bool
}

// checkAccess implements §4.6's .htaccess IPv4 allow/deny evaluation:
// lines are read in order, first match decides; fall-through denies.
func checkAccess(root, dir string, global bool, remoteIP string) (accessResult, error) {
	foundDir, ok := findUpward(root, dir, ".", htaccessName, global)
	if !ok {
		return accessResult{Allowed: true}, nil
	}
	hapath := filepath.Join(root, foundDir, htaccessName)

	ip := net.ParseIP(remoteIP)
	if ip == nil {
		return accessResult{Allowed: false}, fmt.Errorf("httpd: cannot evaluate .htaccess for non-IP peer %q", remoteIP)
	}

	f, err := os.Open(hapath)
	if err != nil {
		return accessResult{}, fmt.Errorf("httpd: open %s: %w", hapath, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return accessResult{Allowed: false}, fmt.Errorf("httpd: malformed .htaccess line %q", line)
		}
		verb := strings.ToLower(fields[0])
		if verb != "allow" && verb != "deny" {
			return accessResult{Allowed: false}, fmt.Errorf("httpd: malformed .htaccess verb %q", fields[0])
		}
		network, err := parseAddrSpec(fields[1])
		if err != nil {
			return accessResult{Allowed: false}, fmt.Errorf("httpd: malformed .htaccess address %q: %w", fields[1], err)
		}
		if network.Contains(ip) {
			return accessResult{Allowed: strings.HasPrefix(verb, "a")}, nil
		}
	}
	if err := sc.Err(); err != nil {
		return accessResult{}, err
	}
	// Fall-through is deny (§4.6).
	return accessResult{Allowed: false}, nil
}

// parseAddrSpec parses "<IPv4>[/masklen|/netmask]" per §6.
func parseAddrSpec(spec string) (*net.IPNet, error) {
	addr, maskPart, hasMask := strings.Cut(spec, "/")
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, fmt.Errorf("not an IPv4 address")
	}
	if !hasMask {
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(32, 32)}, nil
	}
	if n, err := strconv.Atoi(maskPart); err == nil {
		if n < 0 || n > 32 {
			return nil, fmt.Errorf("masklen out of range")
		}
		return &net.IPNet{IP: ip, Mask: net.CIDRMask(n, 32)}, nil
	}
	maskIP := net.ParseIP(maskPart).To4()
	if maskIP == nil {
		return nil, fmt.Errorf("invalid netmask")
	}
	return &net.IPNet{IP: ip, Mask: net.IPMask(maskIP)}, nil
}
