package checker

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xrelkd/tunelo/internal/socks4"
	"github.com/xrelkd/tunelo/internal/upstream"
)

func okSocks4aHop(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := socks4.ReadRequest(conn); err != nil {
					return
				}
				_ = socks4.WriteReply(conn, socks4.RepGranted, nil)
				io.Copy(io.Discard, conn)
			}()
		}
	}()
	return ln
}

func TestRunAllSuccess(t *testing.T) {
	ln := okSocks4aHop(t)
	defer ln.Close()

	targets := []Target{
		{Kind: upstream.KindSocks4a, Addr: ln.Addr().String()},
		{Kind: upstream.KindSocks4a, Addr: ln.Addr().String()},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results := Run(ctx, targets, Options{ProbeTarget: "example.com:80", Workers: 2})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if !r.Success {
			t.Fatalf("result[%d] = %+v, want Success", i, r)
		}
	}
}

func TestRunReportsOrderMatchingInput(t *testing.T) {
	good := okSocks4aHop(t)
	defer good.Close()

	badLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := badLn.Addr().String()
	badLn.Close() // nothing listening now: every dial to this addr fails

	targets := []Target{
		{Kind: upstream.KindSocks4a, Addr: addr},
		{Kind: upstream.KindSocks4a, Addr: good.Addr().String()},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results := Run(ctx, targets, Options{ProbeTarget: "example.com:80", Workers: 4})

	if results[0].Success {
		t.Fatalf("results[0] should have failed against a closed listener: %+v", results[0])
	}
	if results[0].Detail == "" {
		t.Fatalf("expected a non-empty failure classification")
	}
	if !results[1].Success {
		t.Fatalf("results[1] should have succeeded: %+v", results[1])
	}
}

func TestRunDeduplicatesConcurrentIdenticalTargets(t *testing.T) {
	ln := okSocks4aHop(t)
	defer ln.Close()

	var targets []Target
	for i := 0; i < 8; i++ {
		targets = append(targets, Target{Kind: upstream.KindSocks4a, Addr: ln.Addr().String()})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results := Run(ctx, targets, Options{ProbeTarget: "example.com:80", Workers: 8})
	for i, r := range results {
		if !r.Success {
			t.Fatalf("result[%d] failed: %+v", i, r)
		}
	}
}

func TestClassifyErrorConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = net.DialTimeout("tcp", addr, time.Second)
	if err == nil {
		t.Fatalf("expected dial error against closed listener")
	}
	detail := classifyError(err)
	if detail == "" {
		t.Fatalf("expected non-empty classification")
	}
}
