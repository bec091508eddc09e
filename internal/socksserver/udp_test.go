package socksserver

import (
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/xrelkd/tunelo/internal/socks5"
)

func udpEchoTarget(t *testing.T) *net.UDPConn {
	t.Helper()
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	go func() {
		buf := make([]byte, 1024)
		for {
			n, src, err := pc.ReadFromUDP(buf)
			if err != nil {
				return
			}
			pc.WriteToUDP(buf[:n], src)
		}
	}()
	return pc
}

func associate(t *testing.T, conn net.Conn) (boundAddr string) {
	t.Helper()
	if _, err := conn.Write([]byte{socks5.Version, 1, socks5.MethodNoAuth}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	var sel [2]byte
	if _, err := io.ReadFull(conn, sel[:]); err != nil || sel[1] != socks5.MethodNoAuth {
		t.Fatalf("method selection = %v, err=%v", sel, err)
	}

	req := []byte{socks5.Version, socks5.CmdUDPAssociate, 0x00, socks5.ATypIPv4, 0, 0, 0, 0, 0, 0}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write UDP_ASSOCIATE request: %v", err)
	}

	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		t.Fatalf("read reply header: %v", err)
	}
	if hdr[1] != socks5.RepSucceeded {
		t.Fatalf("reply code = %#x, want success", hdr[1])
	}
	var addr [6]byte
	if _, err := io.ReadFull(conn, addr[:]); err != nil {
		t.Fatalf("read reply addr: %v", err)
	}
	port := int(addr[4])<<8 | int(addr[5])
	ip := net.IP(addr[0:4])
	if ip.IsUnspecified() {
		ip = net.ParseIP("127.0.0.1")
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(port))
}

func TestSocks5UDPAssociateRelaysDatagram(t *testing.T) {
	target := udpEchoTarget(t)
	defer target.Close()

	ln, stop := startServer(t, Config{EnableSocks5: true, EnableUDPAssociate: true}, directDialer(time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	boundAddr := associate(t, conn)

	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen client udp: %v", err)
	}
	defer clientUDP.Close()

	relayAddr, err := net.ResolveUDPAddr("udp", boundAddr)
	if err != nil {
		t.Fatalf("resolve bound relay addr: %v", err)
	}

	wrapped, err := socks5.BuildUDPDatagram(target.LocalAddr().String(), []byte("ping"))
	if err != nil {
		t.Fatalf("build datagram: %v", err)
	}
	if _, err := clientUDP.WriteToUDP(wrapped, relayAddr); err != nil {
		t.Fatalf("write to relay: %v", err)
	}

	clientUDP.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _, err := clientUDP.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read relayed response: %v", err)
	}
	_, payload, err := socks5.ParseUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("parse relayed datagram: %v", err)
	}
	if string(payload) != "ping" {
		t.Fatalf("got %q, want ping", payload)
	}
}

func TestSocks5UDPAssociateDropsFragmentedDatagram(t *testing.T) {
	ln, stop := startServer(t, Config{EnableSocks5: true, EnableUDPAssociate: true}, directDialer(time.Second))
	defer stop()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial server: %v", err)
	}
	defer conn.Close()

	boundAddr := associate(t, conn)
	relayAddr, err := net.ResolveUDPAddr("udp", boundAddr)
	if err != nil {
		t.Fatalf("resolve bound relay addr: %v", err)
	}

	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen client udp: %v", err)
	}
	defer clientUDP.Close()

	before := DroppedFragmentedDatagrams()

	// RSV(2) FRAG(1, nonzero) ATYP(1) ADDR(4) PORT(2): a fragmented datagram
	// per RFC 1928 §7, which this relay rejects outright rather than
	// reassembling.
	fragmented := []byte{0, 0, 1, socks5.ATypIPv4, 127, 0, 0, 1, 0, 80, 'x'}
	if _, err := clientUDP.WriteToUDP(fragmented, relayAddr); err != nil {
		t.Fatalf("write fragmented datagram: %v", err)
	}

	clientUDP.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	if _, _, err := clientUDP.ReadFromUDP(buf); err == nil {
		t.Fatalf("expected no relayed response for a fragmented datagram")
	}

	deadline := time.Now().Add(2 * time.Second)
	for DroppedFragmentedDatagrams() <= before {
		if time.Now().After(deadline) {
			t.Fatalf("DroppedFragmentedDatagrams() did not increment")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
