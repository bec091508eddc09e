package session

import (
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func TestSessionCounters(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, "socks5")
	if s.ID == 0 {
		t.Fatalf("expected nonzero id")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 5)
		io.ReadFull(s, buf)
	}()

	client.Write([]byte("hello"))
	<-done

	if s.BytesRead() != 5 {
		t.Fatalf("BytesRead() = %d, want 5", s.BytesRead())
	}

	// net.Pipe is synchronous: Write returns only once the peer reads.
	go io.ReadFull(client, make([]byte, 6))
	n, err := s.Write([]byte("world!"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if int64(n) != s.BytesWritten() {
		t.Fatalf("BytesWritten() = %d, want %d", s.BytesWritten(), n)
	}
}

func TestSessionCloseIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	s := New(server, "http")
	if err := s.Close(); err != nil {
		t.Fatalf("unexpected error on first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close should reuse first result, got: %v", err)
	}
}

func TestAcceptWithContextCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = AcceptWithContext(ctx, ln)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
