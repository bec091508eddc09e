// Package supervisor owns the set of listeners a running process exposes
// and coordinates their shutdown: a single cancellation propagates to every
// listener, which stops accepting, and reaches in-flight sessions through
// their context, which aborts them rather than letting them drain. Run
// waits up to a grace period for the listeners' accept loops to return.
//
// Grounded on the teacher's core/listener.ListenerMgr (trackListener,
// StopWithTimeout's cancel-then-wait-then-force shape) and app.App's
// "a rule's listeners fail independently, logged, without taking down
// its siblings" stance, reduced from the teacher's per-rule hot-reloadable
// fleet to a fixed set of listeners started once at process startup.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xrelkd/tunelo/internal/logx"
)

var log = logx.New(logx.WithPrefix("supervisor"))

// ServeFunc accepts connections from ln until ctx is canceled or ln itself
// fails; it is satisfied by socksserver.Server.Serve and
// httpserver.Server.Serve.
type ServeFunc func(ctx context.Context, ln net.Listener) error

type entry struct {
	name string
	ln   net.Listener
	run  ServeFunc
}

// Supervisor runs a fixed set of listeners added before Run and tears them
// all down together.
type Supervisor struct {
	grace time.Duration

	mu      sync.Mutex
	entries []*entry

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a Supervisor. grace bounds how long Run waits, after
// cancellation, for every listener's ServeFunc to return; <= 0 means the
// default of 5s. Sessions a ServeFunc has handed to their own goroutines
// are not waited for.
func New(grace time.Duration) *Supervisor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Supervisor{grace: grace}
}

// Add registers a listener to be served once Run starts. Add must be
// called before Run; it is not safe to add listeners to a running
// Supervisor.
func (s *Supervisor) Add(name string, ln net.Listener, run ServeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, ln: ln, run: run})
}

// Stop cancels the running Supervisor, if any. Safe to call before Run
// returns from another goroutine; a no-op if Run has not started yet.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run starts every registered listener and blocks until ctx is canceled,
// every listener has independently failed, or there are no listeners to
// run. A single listener's failure is logged and its siblings keep
// serving; Run only returns an error once every listener has failed.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()
	if len(entries) == 0 {
		return fmt.Errorf("supervisor: no listeners configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	var failed int32
	for _, e := range entries {
		s.wg.Add(1)
		go func(e *entry) {
			defer s.wg.Done()
			err := e.run(runCtx, e.ln)
			if err == nil || runCtx.Err() != nil {
				return
			}
			log.Errorf("listener %s stopped: %v", e.name, err)
			if atomic.AddInt32(&failed, 1) == int32(len(entries)) {
				log.Errorf("all %d listeners have failed, shutting down", len(entries))
				cancel()
			}
		}(e)
	}

	<-runCtx.Done()
	s.drain(entries)

	if atomic.LoadInt32(&failed) == int32(len(entries)) {
		return fmt.Errorf("supervisor: all %d listeners failed", len(entries))
	}
	return nil
}

// drain closes every listener (interrupting any blocked Accept) and waits
// up to the configured grace period for all Serve goroutines to return.
func (s *Supervisor) drain(entries []*entry) {
	for _, e := range entries {
		_ = e.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debugf("all listeners drained")
	case <-time.After(s.grace):
		log.Infof("grace period (%s) elapsed, remaining sessions finish in the background", s.grace)
	}
}
