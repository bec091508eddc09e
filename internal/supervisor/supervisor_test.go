package supervisor

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/xrelkd/tunelo/internal/session"
)

func acceptAndDrop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := session.AcceptWithContext(ctx, ln)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		conn.Close()
	}
}

func failImmediately(ctx context.Context, ln net.Listener) error {
	return errors.New("bind refused")
}

func newListener(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return ln
}

func TestRunStopsOnContextCancel(t *testing.T) {
	sup := New(time.Second)
	sup.Add("a", newListener(t), acceptAndDrop)
	sup.Add("b", newListener(t), acceptAndDrop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRunReturnsErrorWhenAllListenersFail(t *testing.T) {
	sup := New(time.Second)
	sup.Add("a", newListener(t), failImmediately)
	sup.Add("b", newListener(t), failImmediately)

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Run() = nil, want error when every listener failed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after every listener failed")
	}
}

func TestRunContinuesWhenOneListenerFails(t *testing.T) {
	sup := New(time.Second)
	sup.Add("bad", newListener(t), failImmediately)
	sup.Add("good", newListener(t), acceptAndDrop)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil (surviving listener kept it alive)", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestRunWithNoListenersErrors(t *testing.T) {
	sup := New(time.Second)
	if err := sup.Run(context.Background()); err == nil {
		t.Fatal("Run() = nil, want error when no listeners registered")
	}
}

func TestStopBeforeRunIsNoop(t *testing.T) {
	sup := New(time.Second)
	sup.Stop() // must not panic
}
