// Package upstream implements the client side of each proxy kind tunelo
// can hop through: plain CONNECT-capable TCP dialers for SOCKS4a, SOCKS5,
// and HTTP upstreams.
//
// Grounded on the teacher's core/upstream/{upstream,socks5,http}.go
// (UpstreamDialer interface, ChooseDialer dispatch, socks5ConnectWithAuth,
// OpenForConnect), stripped of tlsauto adaptive-TLS negotiation and
// credential injection (no TLS-termination/credentials in scope; upstream
// kinds are socks4a/socks5/http only).
package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/xrelkd/tunelo/internal/netutil"
	"github.com/xrelkd/tunelo/internal/socks4"
	"github.com/xrelkd/tunelo/internal/socks5"
)

// Kind identifies the wire protocol spoken to an upstream proxy.
type Kind string

const (
	KindSocks4a Kind = "socks4a"
	KindSocks5  Kind = "socks5"
	KindHTTP    Kind = "http"
)

// ParseKind maps a chain-file/config scheme ("socks4a://", "socks5://",
// "http://") to a Kind.
func ParseKind(scheme string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "socks4", "socks4a":
		return KindSocks4a, nil
	case "socks5":
		return KindSocks5, nil
	case "http", "https":
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("upstream: unknown proxy kind %q", scheme)
	}
}

// Proxy describes one upstream hop.
type Proxy struct {
	Kind Kind
	Addr string // host:port of the upstream proxy itself
}

func (p Proxy) String() string { return fmt.Sprintf("%s://%s", p.Kind, p.Addr) }

// Dialer opens a tunnel through one upstream proxy to target ("host:port"),
// returning a connection ready to relay bytes to/from target.
type Dialer interface {
	DialConnect(ctx context.Context, upstreamAddr, target string) (net.Conn, error)
}

// ConnHandshaker runs a dialer's wire handshake over an already-open
// connection instead of dialing a fresh TCP socket. Every Dialer in this
// package implements it, which is what lets the chain engine tunnel one
// hop's handshake bytes through the previous hop's established tunnel.
type ConnHandshaker interface {
	HandshakeConnect(ctx context.Context, conn net.Conn, target string) (net.Conn, error)
}

// ChooseDialer returns the Dialer for kind. Generalizes the teacher's
// ChooseDialer(proto string) switch to a typed Kind.
func ChooseDialer(kind Kind) (Dialer, error) {
	switch kind {
	case KindSocks4a:
		return socks4aDialer{}, nil
	case KindSocks5:
		return socks5Dialer{}, nil
	case KindHTTP:
		return httpDialer{}, nil
	default:
		return nil, fmt.Errorf("upstream: no dialer for kind %q", kind)
	}
}

func dialWithContext(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{}
	if dl, ok := ctx.Deadline(); ok {
		d.Deadline = dl
	}
	return d.DialContext(ctx, "tcp", addr)
}

/* ---------------- SOCKS4a ---------------- */

type socks4aDialer struct{}

func (d socks4aDialer) DialConnect(ctx context.Context, upstreamAddr, target string) (net.Conn, error) {
	conn, err := dialWithContext(ctx, upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream/socks4a: dial %s: %w", upstreamAddr, err)
	}
	return d.HandshakeConnect(ctx, conn, target)
}

func (socks4aDialer) HandshakeConnect(ctx context.Context, conn net.Conn, target string) (net.Conn, error) {
	ep, err := netutil.ParseEndpoint(target)
	if err != nil {
		return nil, fmt.Errorf("upstream/socks4a: %w", err)
	}
	req, err := socks4.EncodeRequest(ep.Host, ep.Port, "")
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(req); err != nil {
		return nil, fmt.Errorf("upstream/socks4a: write request: %w", err)
	}
	if err := socks4.ReadReply(conn); err != nil {
		return nil, fmt.Errorf("upstream/socks4a: %w", err)
	}
	return conn, nil
}

/* ---------------- SOCKS5 (no-auth only) ---------------- */

type socks5Dialer struct{}

func (d socks5Dialer) DialConnect(ctx context.Context, upstreamAddr, target string) (net.Conn, error) {
	conn, err := dialWithContext(ctx, upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream/socks5: dial %s: %w", upstreamAddr, err)
	}
	return d.HandshakeConnect(ctx, conn, target)
}

func (socks5Dialer) HandshakeConnect(ctx context.Context, conn net.Conn, target string) (net.Conn, error) {
	ep, err := netutil.ParseEndpoint(target)
	if err != nil {
		return nil, fmt.Errorf("upstream/socks5: %w", err)
	}

	if _, err := conn.Write([]byte{socks5.Version, 0x01, socks5.MethodNoAuth}); err != nil {
		return nil, fmt.Errorf("upstream/socks5: greeting write: %w", err)
	}
	var gr [2]byte
	if _, err := io.ReadFull(conn, gr[:]); err != nil || gr[0] != socks5.Version {
		return nil, fmt.Errorf("upstream/socks5: greeting read: %w", err)
	}
	if gr[1] != socks5.MethodNoAuth {
		return nil, fmt.Errorf("upstream/socks5: server did not accept no-auth (method=%#x)", gr[1])
	}

	if err := writeSocks5Request(conn, ep); err != nil {
		return nil, err
	}
	if err := readSocks5Reply(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func writeSocks5Request(w io.Writer, ep netutil.Endpoint) error {
	var atyp byte
	var addr []byte
	if ip := net.ParseIP(ep.Host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			atyp, addr = socks5.ATypIPv4, v4
		} else {
			atyp, addr = socks5.ATypIPv6, ip.To16()
		}
	} else {
		atyp = socks5.ATypDomain
		addr = append([]byte{byte(len(ep.Host))}, []byte(ep.Host)...)
	}
	req := append([]byte{socks5.Version, socks5.CmdConnect, 0x00, atyp}, addr...)
	req = append(req, byte(ep.Port>>8), byte(ep.Port))
	_, err := w.Write(req)
	if err != nil {
		return fmt.Errorf("upstream/socks5: connect write: %w", err)
	}
	return nil
}

func readSocks5Reply(r io.Reader) error {
	var h [4]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return fmt.Errorf("upstream/socks5: connect response: %w", err)
	}
	if h[1] != socks5.RepSucceeded {
		return fmt.Errorf("upstream/socks5: connect refused rep=%#x", h[1])
	}
	var skip int
	switch h[3] {
	case socks5.ATypIPv4:
		skip = 4
	case socks5.ATypIPv6:
		skip = 16
	case socks5.ATypDomain:
		var l [1]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}
		skip = int(l[0])
	default:
		return fmt.Errorf("upstream/socks5: bad atyp=%#x in response", h[3])
	}
	_, err := io.CopyN(io.Discard, r, int64(skip+2))
	return err
}

/* ---------------- HTTP CONNECT ---------------- */

type httpDialer struct{}

func (d httpDialer) DialConnect(ctx context.Context, upstreamAddr, target string) (net.Conn, error) {
	conn, err := dialWithContext(ctx, upstreamAddr)
	if err != nil {
		return nil, fmt.Errorf("upstream/http: dial %s: %w", upstreamAddr, err)
	}
	return d.HandshakeConnect(ctx, conn, target)
}

func (httpDialer) HandshakeConnect(ctx context.Context, conn net.Conn, target string) (net.Conn, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", target, target)
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	} else {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	}
	if _, err := io.WriteString(conn, req); err != nil {
		return nil, fmt.Errorf("upstream/http: send CONNECT: %w", err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	br := bufio.NewReader(conn)
	status, err := br.ReadString('\n')
	if err != nil || !statusLineOK(status) {
		return nil, fmt.Errorf("upstream/http: CONNECT rejected: %q", strings.TrimSpace(status))
	}
	if err := drainHeaders(br); err != nil {
		return nil, fmt.Errorf("upstream/http: read response headers: %w", err)
	}
	if br.Buffered() > 0 {
		// The upstream's 200 response and the first tunneled bytes can
		// share one TCP read; replay whatever bufio already consumed so
		// the caller never loses the start of the tunneled stream.
		return &bufferedConn{Conn: conn, br: br}, nil
	}
	return conn, nil
}

// statusLineOK reports whether an HTTP CONNECT response status line carries
// a 2xx code, per RFC 7231 any success status grants the tunnel, not just
// 200.
func statusLineOK(status string) bool {
	fields := strings.Fields(status)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return false
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return false
	}
	return code >= 200 && code < 300
}

func drainHeaders(r *bufio.Reader) error {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimRight(line, "\r\n") == "" {
			return nil
		}
	}
}

// bufferedConn surfaces bytes already buffered in br before falling back
// to the raw connection.
type bufferedConn struct {
	net.Conn
	br *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.br.Read(p) }
