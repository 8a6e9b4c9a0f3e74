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

// Package httpd is the core HTTP request pipeline described in the
// design: connection ingestion (C4), request parsing (C5), URL
// resolution under a containment discipline (C1/C3/C7), auth and
// access control (C6), response composition (C8), directory indexing
// (C9) and CGI dispatch (C10), all hung off a per-connection object
// (C11) owned by a process-wide Server (§3).
package httpd

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/webd-project/webd/internal/mmc"
	"github.com/webd-project/webd/internal/wildcard"
)

// disposition is the single integer outcome every resolver step
// returns, per §7's propagation policy. Positive values are HTTP
// status codes the caller should emit a response for; dispositionHandled
// means "a response (or a sub-dispatch like CGI) has already been
// fully handled."
type disposition int

const (
	dispositionHandled disposition = -1
)

// Config is the process-wide configuration described in §3. It is
// supplied once at startup by the (out-of-scope) bootstrap and never
// mutated by the core afterward.
type Config struct {
	// DocRoot is the working directory the server resolves all
	// relative filenames against (after any chroot the bootstrap did).
	DocRoot string

	// Hostname is the server's own name, used as the CGI SERVER_NAME
	// when the request carries no Host.
	Hostname string

	ListenV4 string
	ListenV6 string

	// CGIPattern is matched (via Matcher) against the expanded
	// filename, stripped of any vhost prefix, to decide CGI dispatch
	// (§4.7 step 11).
	CGIPattern string
	CGILimit   int

	DefaultCharset string
	DefaultMaxAge  int // seconds; 0 means no Cache-Control: max-age

	// URLPattern/LocalHostPattern configure the referer check (§4.7
	// step 9): requests for a URL matching URLPattern must carry a
	// Referer whose host matches LocalHostPattern, unless the header
	// is absent and NoEmptyReferers is false.
	URLPattern       string
	LocalHostPattern string

	Vhost           bool
	GlobalPasswd    bool
	NoSymlinkCheck  bool
	NoEmptyReferers bool
	ListDotfiles    bool
	NoLog           bool

	// TrustedProxies lists peer addresses allowed to set the
	// X-Forwarded-For value used for the access-log remote address
	// (a SPEC_FULL supplement; §4.5 parses the header but the base
	// spec never says where it's consumed).
	TrustedProxies []*net.IPNet

	ServerSoftware string
}

// Server is the process-wide state described in §3: configuration
// plus shared, read-only-after-init resources. Everything here is
// created once at startup; the only field that mutates afterward is
// the CGI tracker owned by cgiDispatcher.
type Server struct {
	cfg Config

	logger *zap.Logger
	mime   *mimeTable
	match  wildcard.Matcher
	files  *mmc.Cache
	cgi    *cgiDispatcher

	startedAt time.Time

	mu sync.RWMutex // guards nothing today; reserved for vhost-root reloads
}

// NewServer builds the immutable, process-lifetime server state: the
// MIME tables are sorted once (§4.2/§9), the CGI tracker is sized to
// cfg.CGILimit (§3's "fixed-length tracker"), and the file-mapping
// cache is wired to the mmc collaborator named in §1.
func NewServer(cfg Config, logger *zap.Logger) *Server {
	if cfg.DefaultCharset == "" {
		cfg.DefaultCharset = "utf-8"
	}
	if cfg.ServerSoftware == "" {
		cfg.ServerSoftware = "webd/1.0"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mime:      newMimeTable(cfg.DefaultCharset),
		match:     wildcard.Glob{},
		files:     mmc.New(256),
		startedAt: time.Now(),
	}
	s.cgi = newCGIDispatcher(s, cfg.CGILimit)
	return s
}

// Logger exposes the server's structured logger to sub-packages/tests.
func (s *Server) Logger() *zap.Logger { return s.logger }
