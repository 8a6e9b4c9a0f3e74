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

package main

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webd-project/webd/internal"
	"github.com/webd-project/webd/internal/httpd"
)

// cliFlags mirrors the bootstrap's external interface: one flag per
// letter the spec's CLI surface names, plus the [WEBROOT] [HOSTNAME]
// positional pair.
type cliFlags struct {
	cgiPattern   string
	chroot       string
	chdir        string
	globalPass   bool
	logLevel     string
	foreground   bool
	port         int
	symlinkOK    bool
	throttle     string
	runAsUser    string
	vhost        bool
	trustPrivate bool
	showVersion  bool
}

const webdVersion = "webd/1.0"

func rootCommand(logger *zap.Logger) *cobra.Command {
	var f cliFlags

	cmd := &cobra.Command{
		Use:   "webd [flags] [WEBROOT] [HOSTNAME]",
		Short: "A small single-host HTTP origin server with CGI support",
		Long: `webd serves static files, directory listings, and CGI/1.1
scripts out of a single document root, with virtual hosting, Basic
auth, and IPv4 access control sourced from .htpasswd/.htaccess files
found by walking up from the requested directory.`,
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.showVersion {
				fmt.Println(webdVersion)
				return nil
			}
			return runServer(logger, f, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&f.cgiPattern, "cgi-pattern", "c", "cgi-bin/*", "wildcard pattern matching CGI scripts")
	flags.StringVarP(&f.chroot, "chroot", "r", "", "directory to chroot into before serving")
	flags.StringVarP(&f.chdir, "chdir", "d", "", "directory to chdir into after chrooting")
	flags.BoolVarP(&f.globalPass, "global-passwd", "g", false, "consult the document root's .htpasswd/.htaccess first, before the per-directory search")
	flags.StringVarP(&f.logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
	flags.BoolVarP(&f.foreground, "foreground", "n", false, "run in the foreground (unused; webd always runs in the foreground)")
	flags.IntVarP(&f.port, "port", "p", 8080, "TCP port to listen on")
	flags.BoolVarP(&f.symlinkOK, "symlink-check", "s", true, "deny requests whose path escapes the root through a symlink")
	flags.StringVarP(&f.throttle, "throttle", "t", "", "throttle configuration file (unused; accepted for CLI parity)")
	flags.StringVarP(&f.runAsUser, "user", "u", "", "user to setuid/setgid to after binding")
	flags.BoolVarP(&f.vhost, "vhost", "v", false, "enable Host-header-based virtual hosting by directory name")
	flags.BoolVar(&f.trustPrivate, "trust-private", false, "trust X-Forwarded-For from RFC1918/ULA peer addresses for the access log")
	flags.BoolVarP(&f.showVersion, "version", "V", false, "print the version and exit")

	return cmd
}

func runServer(logger *zap.Logger, f cliFlags, args []string) error {
	docRoot := "."
	hostname, _ := os.Hostname()
	if len(args) >= 1 {
		docRoot = args[0]
	}
	if len(args) >= 2 {
		hostname = args[1]
	}

	if f.chroot != "" {
		if err := syscall.Chroot(f.chroot); err != nil {
			return fmt.Errorf("webd: chroot %s: %w", f.chroot, err)
		}
		docRoot = "/"
	}
	if f.chdir != "" {
		if err := os.Chdir(f.chdir); err != nil {
			return fmt.Errorf("webd: chdir %s: %w", f.chdir, err)
		}
	}
	if f.runAsUser != "" {
		if err := dropPrivileges(f.runAsUser); err != nil {
			return fmt.Errorf("webd: drop privileges to %s: %w", f.runAsUser, err)
		}
	}

	var trustedProxies []*net.IPNet
	if f.trustPrivate {
		for _, cidr := range internal.PrivateRangesCIDR() {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				continue
			}
			trustedProxies = append(trustedProxies, n)
		}
	}

	cfg := httpd.Config{
		DocRoot:        docRoot,
		Hostname:       hostname,
		CGIPattern:     f.cgiPattern,
		CGILimit:       32,
		DefaultCharset: "utf-8",
		DefaultMaxAge:  3600,
		Vhost:          f.vhost,
		GlobalPasswd:   f.globalPass,
		NoSymlinkCheck: !f.symlinkOK,
		TrustedProxies: trustedProxies,
		ServerSoftware: webdVersion,
	}

	srv := httpd.NewServer(cfg, logger.With(zap.String("hostname", hostname)))

	addr := net.JoinHostPort("", strconv.Itoa(f.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webd: listen %s: %w", addr, err)
	}
	logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("doc_root", docRoot))

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("webd: accept: %w", err)
		}
		go srv.Serve(conn)
	}
}

// dropPrivileges setuids/setgids the process to the named user, the
// bootstrap-level equivalent of the source's post-bind privilege drop.
func dropPrivileges(name string) error {
	u, err := user.Lookup(name)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return err
	}
	if err := syscall.Setgid(gid); err != nil {
		return err
	}
	return syscall.Setuid(uid)
}
