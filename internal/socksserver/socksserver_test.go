package socksserver

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/xrelkd/tunelo/internal/socks4"
	"github.com/xrelkd/tunelo/internal/socks5"
)

func echoTarget(t *testing.T) net.Listener {
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
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln
}

func directDialer(timeout time.Duration) TargetDialer {
	return func(ctx context.Context, target string) (net.Conn, error) {
		return net.DialTimeout("tcp", target, timeout)
	}
}

func startServer(t *testing.T, cfg Config, dial TargetDialer) (net.Listener, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := New(cfg, dial)
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	return ln, func() { cancel(); ln.Close() }
}

func TestSocks5ConnectRelaysEcho(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	ln, stop := startServer(t, Config{EnableSocks5: true, EnableConnect: true}, directDialer(2*time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{socks5.Version, 1, socks5.MethodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil || sel[1] != socks5.MethodNoAuth {
		t.Fatalf("method selection = %v, err=%v", sel, err)
	}

	tgt := target.Addr().(*net.TCPAddr)
	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATypIPv4}
	req = append(req, tgt.IP.To4()...)
	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, uint16(tgt.Port))
	req = append(req, portBytes...)
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	var replyHdr [4]byte
	if _, err := io.ReadFull(conn, replyHdr[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	if replyHdr[1] != socks5.RepSucceeded {
		t.Fatalf("reply code = %#x, want success", replyHdr[1])
	}
	io.CopyN(io.Discard, conn, 6) // IPv4 bind addr + port

	if _, err := conn.Write([]byte("hello")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}

func TestSocks5ConnectDisabledRepliesCommandNotSupported(t *testing.T) {
	ln, stop := startServer(t, Config{EnableSocks5: true, EnableConnect: false}, directDialer(time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte{socks5.Version, 1, socks5.MethodNoAuth})
	var sel [2]byte
	io.ReadFull(conn, sel[:])

	req := []byte{socks5.Version, socks5.CmdConnect, 0x00, socks5.ATypIPv4, 127, 0, 0, 1, 0, 80}
	conn.Write(req)

	var replyHdr [4]byte
	if _, err := io.ReadFull(conn, replyHdr[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	if replyHdr[1] != socks5.RepCommandNotSupported {
		t.Fatalf("reply code = %#x, want CommandNotSupported", replyHdr[1])
	}
}

func TestSocks4aConnectRelaysEcho(t *testing.T) {
	target := echoTarget(t)
	defer target.Close()

	ln, stop := startServer(t, Config{EnableSocks4a: true, EnableConnect: true}, directDialer(2*time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	tgt := target.Addr().(*net.TCPAddr)
	req, err := socks4.EncodeRequest(tgt.IP.String(), uint16(tgt.Port), "")
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}

	if err := socks4.ReadReply(conn); err != nil {
		t.Fatalf("reply: %v", err)
	}

	if _, err := conn.Write([]byte("hi")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != "hi" {
		t.Fatalf("got %q, want hi", buf)
	}
}

func TestSocks5BindAcceptsPeerAndRelays(t *testing.T) {
	ln, stop := startServer(t, Config{EnableSocks5: true, EnableBind: true}, directDialer(time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte{socks5.Version, 1, socks5.MethodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil || sel[1] != socks5.MethodNoAuth {
		t.Fatalf("method selection = %v, err=%v", sel, err)
	}

	req := []byte{socks5.Version, socks5.CmdBind, 0x00, socks5.ATypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write BIND request: %v", err)
	}

	var hdr1 [4]byte
	if _, err := io.ReadFull(conn, hdr1[:]); err != nil {
		t.Fatalf("read first reply header: %v", err)
	}
	if hdr1[1] != socks5.RepSucceeded {
		t.Fatalf("first reply code = %#x, want success", hdr1[1])
	}
	var addr1 [6]byte
	if _, err := io.ReadFull(conn, addr1[:]); err != nil {
		t.Fatalf("read first reply addr: %v", err)
	}
	boundPort := binary.BigEndian.Uint16(addr1[4:6])
	boundAddr := net.JoinHostPort(net.IP(addr1[0:4]).String(), fmt.Sprintf("%d", boundPort))

	peer, err := net.DialTimeout("tcp", boundAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial bound listener as peer: %v", err)
	}
	defer peer.Close()

	var hdr2 [4]byte
	if _, err := io.ReadFull(conn, hdr2[:]); err != nil {
		t.Fatalf("read second reply header: %v", err)
	}
	if hdr2[1] != socks5.RepSucceeded {
		t.Fatalf("second reply code = %#x, want success", hdr2[1])
	}
	io.CopyN(io.Discard, conn, 6) // peer's IPv4 addr + port

	if _, err := peer.Write([]byte("bound")); err != nil {
		t.Fatalf("write from peer: %v", err)
	}
	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read relayed bytes on control conn: %v", err)
	}
	if string(buf) != "bound" {
		t.Fatalf("got %q, want bound", buf)
	}
}

func TestSocks5NoAuthRejectedWhenNotOffered(t *testing.T) {
	ln, stop := startServer(t, Config{EnableSocks5: true, EnableConnect: true}, directDialer(time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	// Offer only a bogus method (0x02), which this server never supports.
	conn.Write([]byte{socks5.Version, 1, 0x02})
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[1] != socks5.MethodNoAcceptable {
		t.Fatalf("method = %#x, want MethodNoAcceptable", sel[1])
	}
}
