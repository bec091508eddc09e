// Package checker probes a list of candidate proxies concurrently and
// reports, for each, whether it actually relays traffic.
//
// Grounded on postalsys-Muti-Metroo's internal/probe.Probe/classifyError
// outcome-categorization shape (per-probe timeout, human-readable failure
// classification) and the teacher's semaphore-channel worker-pool pattern
// (core/listener.ListenerMgr.sem), bounding concurrent probes to the
// configured worker count.
package checker

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xrelkd/tunelo/internal/upstream"
)

// Target is a candidate proxy to probe.
type Target struct {
	Kind upstream.Kind
	Addr string
}

func (t Target) key() string { return string(t.Kind) + "://" + t.Addr }

// Result is the outcome of probing one Target.
type Result struct {
	Target  Target
	Success bool
	RTT     time.Duration
	Detail  string // human-readable failure classification when !Success
	Err     error
}

// Options configures a probing run.
type Options struct {
	// ProbeTarget is what each candidate is asked to CONNECT to, to prove
	// it actually forwards traffic rather than merely accepting TCP.
	ProbeTarget string
	// Workers bounds how many probes run concurrently. <=0 means
	// unbounded (one goroutine per target).
	Workers int
	// PerProbeTimeout bounds a single probe; <=0 means 10s.
	PerProbeTimeout time.Duration
}

// Run probes every target concurrently (bounded by Options.Workers) and
// returns results in the same order as targets, regardless of completion
// order — a deterministic pre-allocated-slot layout rather than a result
// stream.
func Run(ctx context.Context, targets []Target, opts Options) []Result {
	if opts.PerProbeTimeout <= 0 {
		opts.PerProbeTimeout = 10 * time.Second
	}
	if opts.ProbeTarget == "" {
		opts.ProbeTarget = "example.com:80"
	}

	results := make([]Result, len(targets))

	var sem chan struct{}
	if opts.Workers > 0 {
		sem = make(chan struct{}, opts.Workers)
	}

	var group singleflight.Group
	done := make(chan struct{}, len(targets))

	for i, tgt := range targets {
		i, tgt := i, tgt
		go func() {
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			// Duplicate targets (same kind+addr appearing twice in one
			// input list) share a single in-flight probe.
			v, _, _ := group.Do(tgt.key(), func() (any, error) {
				r := probe(ctx, tgt, opts)
				return r, nil
			})
			results[i] = v.(Result)
			done <- struct{}{}
		}()
	}
	for range targets {
		<-done
	}
	return results
}

func probe(ctx context.Context, tgt Target, opts Options) Result {
	r := Result{Target: tgt}

	ctx, cancel := context.WithTimeout(ctx, opts.PerProbeTimeout)
	defer cancel()

	dialer, err := upstream.ChooseDialer(tgt.Kind)
	if err != nil {
		r.Err = err
		r.Detail = classifyError(err)
		return r
	}

	start := time.Now()
	conn, err := dialer.DialConnect(ctx, tgt.Addr, opts.ProbeTarget)
	if err != nil {
		r.Err = err
		r.Detail = classifyError(err)
		return r
	}
	defer conn.Close()

	r.Success = true
	r.RTT = time.Since(start)
	return r
}

// classifyError turns a dial/handshake error into a short human-readable
// reason, grounded on postalsys-Muti-Metroo's probe.classifyError.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsNotFound {
			return "could not resolve hostname - DNS lookup failed"
		}
		return "DNS error: " + dnsErr.Error()
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			switch {
			case strings.Contains(errStr, "connection refused"):
				return "connection refused - proxy not listening or port blocked"
			case strings.Contains(errStr, "no route to host"):
				return "no route to host - network unreachable"
			case strings.Contains(errStr, "network is unreachable"):
				return "network unreachable"
			}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out") {
		return "connection timed out - firewall may be blocking"
	}

	if strings.Contains(errStr, "refused") || strings.Contains(errStr, "rejected") {
		return "proxy rejected the request - check credentials/target policy"
	}

	return errStr
}
