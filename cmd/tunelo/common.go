// Package main is the tunelo CLI entry point: a cobra command tree wiring
// configuration, the SOCKS/HTTP server FSMs, the proxy-chain engine, the
// proxy-checker, and the supervisor together.
//
// Grounded on other_examples' postalsys-Muti-Metroo cmd/muti-metroo/main.go
// for the cobra command-tree, flag-binding, and signal-handling shape (the
// teacher's own cmd/cmd.go is a bare os.Args switch, too primitive for this
// subcommand surface and superseded here per the specification).
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xrelkd/tunelo/internal/chain"
	"github.com/xrelkd/tunelo/internal/checker"
	"github.com/xrelkd/tunelo/internal/httpserver"
	"github.com/xrelkd/tunelo/internal/logx"
	"github.com/xrelkd/tunelo/internal/socksserver"
	"github.com/xrelkd/tunelo/internal/upstream"
)

var log = logx.New(logx.WithPrefix("cmd"))

// shutdownContext returns a context canceled on SIGINT/SIGTERM, the
// signal-driven graceful-shutdown boundary every long-running subcommand
// runs under.
func shutdownContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx
}

// exitError carries the process exit code a failure should produce,
// following the specification's exit-code contract (0 clean, 1 config, 2
// all-listeners-failed, 64 invalid CLI usage).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error { return &exitError{code: 1, err: err} }
func bindErr(err error) error   { return &exitError{code: 2, err: err} }
func usageErr(err error) error  { return &exitError{code: 64, err: err} }

// directDialer dials target directly, with no intervening proxy hop. Its
// unnamed function-literal type is assignable to both socksserver.TargetDialer
// and httpserver.TargetDialer without conversion.
func directDialer(timeout time.Duration) func(ctx context.Context, target string) (net.Conn, error) {
	return func(ctx context.Context, target string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", target)
	}
}

// chainDialer dials target by running it through c, budgeting the whole
// multi-hop handshake under one deadline.
func chainDialer(c chain.Chain, budget time.Duration) func(ctx context.Context, target string) (net.Conn, error) {
	return func(ctx context.Context, target string) (net.Conn, error) {
		ctx, cancel := chain.DeadlineBudget(ctx, budget)
		defer cancel()
		return c.Dial(ctx, target)
	}
}

var _ socksserver.TargetDialer = directDialer(0)
var _ httpserver.TargetDialer = directDialer(0)

// parseHopSpec parses one "kind://host:port" entry, shared by the
// proxy-chain inline flag and the proxy-checker's --proxy-servers flag.
func parseHopSpec(s string) (upstream.Kind, string, error) {
	s = strings.TrimSpace(s)
	sep := strings.Index(s, "://")
	if sep < 0 {
		return "", "", fmt.Errorf("missing scheme in %q (expected kind://host:port)", s)
	}
	kind, err := upstream.ParseKind(s[:sep])
	if err != nil {
		return "", "", err
	}
	addr := s[sep+len("://"):]
	if addr == "" {
		return "", "", fmt.Errorf("missing host:port in %q", s)
	}
	return kind, addr, nil
}

// parseHopList parses a comma-separated "kind://host:port,..." list.
func parseHopList(s string) ([]chain.Hop, error) {
	var hops []chain.Hop
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, addr, err := parseHopSpec(part)
		if err != nil {
			return nil, err
		}
		hops = append(hops, chain.Hop{Kind: kind, Addr: addr})
	}
	if len(hops) == 0 {
		return nil, fmt.Errorf("no proxies specified")
	}
	return hops, nil
}

// parseCheckerTargets parses the same comma-separated list into probe
// targets.
func parseCheckerTargets(s string) ([]checker.Target, error) {
	hops, err := parseHopList(s)
	if err != nil {
		return nil, err
	}
	targets := make([]checker.Target, len(hops))
	for i, h := range hops {
		targets[i] = checker.Target{Kind: h.Kind, Addr: h.Addr}
	}
	return targets, nil
}

// rejectDisabledKinds returns an error if any hop in hops names a kind
// disabled by the given flags, matching the proxy-chain subcommand's
// "reject at load time" validation.
func rejectDisabledKinds(hops []chain.Hop, disableSocks4a, disableSocks5, disableHTTP bool) error {
	for i, h := range hops {
		switch h.Kind {
		case upstream.KindSocks4a:
			if disableSocks4a {
				return fmt.Errorf("hop %d: socks4a is disabled", i)
			}
		case upstream.KindSocks5:
			if disableSocks5 {
				return fmt.Errorf("hop %d: socks5 is disabled", i)
			}
		case upstream.KindHTTP:
			if disableHTTP {
				return fmt.Errorf("hop %d: http is disabled", i)
			}
		}
	}
	return nil
}
