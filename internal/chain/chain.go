// Package chain composes a sequence of upstream proxy hops into a single
// dial: each hop's CONNECT tunnel becomes the transport the next hop's
// handshake runs over, ending at the final target.
//
// Grounded on the teacher's core/upstream.ChooseDialer single-hop dispatch,
// generalized from one hop to N, and on the sequential dial-list shape in
// other_examples' drsoft-oss-proxyrotator upstream.Dial (scheme-keyed
// dispatch to a dialer per hop).
package chain

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/xrelkd/tunelo/internal/upstream"
)

// Hop is one link in a chain: the kind of proxy and its own address.
type Hop struct {
	Kind upstream.Kind
	Addr string
}

// Chain is an ordered list of hops terminating at a final target.
type Chain struct {
	Hops []Hop
}

// FailedError reports which hop (0-indexed) failed to establish its leg of
// the chain and why.
type FailedError struct {
	HopIndex int
	Hop      Hop
	Cause    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("chain: hop %d (%s) failed: %v", e.HopIndex, e.Hop.Kind, e.Cause)
}

func (e *FailedError) Unwrap() error { return e.Cause }

// Dial establishes the full chain, handshaking through each hop in order
// and finishing with a CONNECT to target through the last hop. A single
// deadline (if present on ctx) governs the entire operation; there is no
// per-hop budget.
func (c Chain) Dial(ctx context.Context, target string) (net.Conn, error) {
	if len(c.Hops) == 0 {
		return nil, fmt.Errorf("chain: no hops configured")
	}

	// next reports what a hop at index i must CONNECT to: the next hop's
	// own address, or the final target once the last hop has been reached.
	next := func(i int) string {
		if i+1 < len(c.Hops) {
			return c.Hops[i+1].Addr
		}
		return target
	}

	first := c.Hops[0]
	handshaker, err := connHandshaker(first.Kind)
	if err != nil {
		return nil, &FailedError{HopIndex: 0, Hop: first, Cause: err}
	}
	conn, err := dialWithContext(ctx, first.Addr)
	if err != nil {
		return nil, &FailedError{HopIndex: 0, Hop: first, Cause: err}
	}
	// Every hop's handshake runs over this one socket, so its deadline
	// bounds the whole chain; it is cleared once the chain is up.
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	conn, err = handshaker.HandshakeConnect(ctx, conn, next(0))
	if err != nil {
		_ = conn.Close()
		return nil, &FailedError{HopIndex: 0, Hop: first, Cause: err}
	}

	for i := 1; i < len(c.Hops); i++ {
		hop := c.Hops[i]
		handshaker, err := connHandshaker(hop.Kind)
		if err != nil {
			_ = conn.Close()
			return nil, &FailedError{HopIndex: i, Hop: hop, Cause: err}
		}
		tunneled, err := handshaker.HandshakeConnect(ctx, conn, next(i))
		if err != nil {
			_ = conn.Close()
			return nil, &FailedError{HopIndex: i, Hop: hop, Cause: err}
		}
		conn = tunneled
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func connHandshaker(kind upstream.Kind) (upstream.ConnHandshaker, error) {
	dialer, err := upstream.ChooseDialer(kind)
	if err != nil {
		return nil, err
	}
	hs, ok := dialer.(upstream.ConnHandshaker)
	if !ok {
		return nil, fmt.Errorf("chain: dialer %T cannot run its handshake over an existing tunnel", dialer)
	}
	return hs, nil
}

func dialWithContext(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	return d.DialContext(ctx, "tcp", addr)
}

// DeadlineBudget returns a ctx bounded by timeout from now, for callers
// that want the whole multi-hop Dial to respect one overall deadline
// rather than per-hop timeouts.
func DeadlineBudget(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
