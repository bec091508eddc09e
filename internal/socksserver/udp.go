package socksserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xrelkd/tunelo/internal/session"
	"github.com/xrelkd/tunelo/internal/socks5"
)

const (
	udpReadPoll  = 200 * time.Millisecond
	maxUDPPacket = 64 * 1024

	// maxUDPBindAttempts bounds how many ports from a configured pool
	// range a single UDP_ASSOCIATE tries before giving up.
	maxUDPBindAttempts = 32
)

var droppedFragmentedDatagrams atomic.Uint64

// DroppedFragmentedDatagrams returns the number of UDP relay datagrams
// dropped since process start because they carried a nonzero fragment
// number; RFC 1928 §7 fragmentation is not supported.
func DroppedFragmentedDatagrams() uint64 { return droppedFragmentedDatagrams.Load() }

// listenUDPRelay opens the relay socket for one UDP_ASSOCIATE session. With
// no configured pool it binds an ephemeral port directly; with a pool it
// allocates a port from the configured range and binds exactly that port,
// retrying other ports in the range on a bind conflict.
func (s *Server) listenUDPRelay() (*net.UDPConn, func(), error) {
	if s.cfg.UDPPool == nil {
		pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: s.cfg.udpListenIP(), Port: 0})
		return pc, nil, err
	}

	var tried []int
	for attempt := 0; attempt < maxUDPBindAttempts; attempt++ {
		port, release, err := s.cfg.UDPPool.Allocate(tried...)
		if err != nil {
			return nil, nil, err
		}
		pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: s.cfg.udpListenIP(), Port: port})
		if err == nil {
			return pc, release, nil
		}
		release()
		tried = append(tried, port)
	}
	return nil, nil, fmt.Errorf("socksserver: no bindable UDP port found after %d attempts", maxUDPBindAttempts)
}

// socks5UDPAssociate implements UDP_ASSOCIATE: a dedicated UDP relay socket
// is allocated for the lifetime of the controlling TCP session; datagrams
// are unwrapped/rewrapped per RFC 1928 §7 and relayed to/from whatever
// destination each datagram names.
//
// Grounded on the teacher's s5UDPAssociate client<->upstream goroutine
// pair, stripped of per-user rate limiting and quota accounting (not in
// scope) and of fixed-target client mode (every datagram names its own
// destination here, since chaining does not apply to UDP).
func (s *Server) socks5UDPAssociate(ctx context.Context, sess *session.Session, req socks5.Request) {
	if !s.cfg.EnableUDPAssociate {
		_ = socks5.WriteReply(sess, socks5.RepCommandNotSupported, nil)
		return
	}

	pc, release, err := s.listenUDPRelay()
	if err != nil {
		log.Errorf("session=%d socks5 udp listen failed: %v", sess.ID, err)
		_ = socks5.WriteReply(sess, socks5.RepGeneralFailure, nil)
		return
	}
	defer pc.Close()
	if release != nil {
		defer release()
	}

	bindAddr, _ := pc.LocalAddr().(*net.UDPAddr)

	bindTCP := &net.TCPAddr{IP: bindAddr.IP, Port: bindAddr.Port}
	if err := socks5.WriteReply(sess, socks5.RepSucceeded, bindTCP); err != nil {
		return
	}
	log.Debugf("session=%d socks5 udp bind=%s", sess.ID, bindAddr)

	// req.Target is the address the client declared it will send from;
	// "0.0.0.0:0" (the common case) means lock onto whatever source is
	// first observed instead of pre-authorizing one.
	wantSource := req.Target
	lockOnFirst := wantSource == "" || wantSource == "0.0.0.0:0"

	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		cliMu   sync.Mutex
		cliAddr *net.UDPAddr

		dstMu sync.Mutex
		dst   *net.UDPConn
	)

	go func() {
		buf := make([]byte, maxUDPPacket)
		for {
			if relayCtx.Err() != nil {
				return
			}
			_ = pc.SetReadDeadline(time.Now().Add(udpReadPoll))
			n, src, err := pc.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) || relayCtx.Err() != nil {
					return
				}
				log.Debugf("session=%d socks5 udp read client failed: %v", sess.ID, err)
				cancel()
				return
			}

			if lockOnFirst {
				cliMu.Lock()
				if cliAddr == nil {
					cliAddr = src
				}
				authorized := cliAddr.String() == src.String()
				cliMu.Unlock()
				if !authorized {
					continue
				}
			} else if src.String() != wantSource {
				continue
			} else {
				cliMu.Lock()
				cliAddr = src
				cliMu.Unlock()
			}

			dstAddr, payload, err := socks5.ParseUDPDatagram(buf[:n])
			if err != nil {
				if errors.Is(err, socks5.ErrFragmented) {
					droppedFragmentedDatagrams.Add(1)
				}
				log.Debugf("session=%d socks5 udp drop malformed/fragmented datagram: %v", sess.ID, err)
				continue
			}

			dstMu.Lock()
			if dst == nil || dst.RemoteAddr().String() != dstAddr {
				if dst != nil {
					_ = dst.Close()
				}
				raddr, err := net.ResolveUDPAddr("udp", dstAddr)
				if err != nil {
					dstMu.Unlock()
					log.Debugf("session=%d socks5 udp resolve %s failed: %v", sess.ID, dstAddr, err)
					continue
				}
				d, err := net.DialUDP("udp", nil, raddr)
				if err != nil {
					dstMu.Unlock()
					log.Debugf("session=%d socks5 udp dial %s failed: %v", sess.ID, dstAddr, err)
					continue
				}
				dst = d
			}
			_, err = dst.Write(payload)
			dstMu.Unlock()
			if err != nil {
				log.Debugf("session=%d socks5 udp write upstream failed: %v", sess.ID, err)
			}
		}
	}()

	go func() {
		buf := make([]byte, maxUDPPacket)
		for {
			dstMu.Lock()
			d := dst
			dstMu.Unlock()
			if d == nil {
				select {
				case <-time.After(50 * time.Millisecond):
					continue
				case <-relayCtx.Done():
					return
				}
			}
			_ = d.SetReadDeadline(time.Now().Add(udpReadPoll))
			n, src, err := d.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				if errors.Is(err, net.ErrClosed) || relayCtx.Err() != nil {
					return
				}
				continue
			}

			reply, err := socks5.BuildUDPDatagram(src.String(), buf[:n])
			if err != nil {
				continue
			}

			cliMu.Lock()
			ca := cliAddr
			cliMu.Unlock()
			if ca == nil {
				continue
			}
			_ = pc.SetWriteDeadline(time.Now().Add(udpReadPoll))
			if _, err := pc.WriteToUDP(reply, ca); err != nil {
				if errors.Is(err, net.ErrClosed) || relayCtx.Err() != nil {
					return
				}
			}
		}
	}()

	// Block on the controlling TCP connection: its close tears down the
	// whole association.
	_ = sess.SetReadDeadline(time.Time{})
	tmp := make([]byte, 1)
	for {
		if _, err := sess.Read(tmp); err != nil {
			break
		}
	}

	dstMu.Lock()
	if dst != nil {
		_ = dst.Close()
	}
	dstMu.Unlock()
}
