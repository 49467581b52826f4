package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	pionnet "github.com/pion/transport/v3"
)

const (
	// readBufferLen comfortably exceeds any datagram a UDP peer can deliver,
	// so inbound media is never silently truncated.
	readBufferLen = 65536

	// sendQueueLen bounds datagrams awaiting transmission. The queue exists so
	// Send never blocks the caller; when it overflows the datagram is dropped
	// and its callback reports the failure.
	sendQueueLen = 1024
)

var errSendQueueFull = errors.New("udp socket: send queue full")

type pendingSend struct {
	buf    []byte
	addr   *net.UDPAddr
	onSent func(error)
}

// UDPSocket is a bound local socket with a single read loop and an
// asynchronous send queue. All inbound datagrams are delivered sequentially
// on one goroutine; completion callbacks fire on the send goroutine.
type UDPSocket struct {
	conn      pionnet.UDPConn
	localIP   netip.Addr
	localPort uint16
	handler   func(src *net.UDPAddr, buf []byte)
	log       logging.LeveledLogger

	sendCh chan pendingSend
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup
}

// newUDPSocket binds ip on an OS-chosen port and starts the read and send
// loops. Binding is atomic: on any failure every partially acquired handle is
// released before the error propagates.
func newUDPSocket(nw pionnet.Net, ip netip.Addr, handler func(src *net.UDPAddr, buf []byte), log logging.LeveledLogger) (*UDPSocket, error) {
	network := "udp4"
	if ip.Is6() {
		network = "udp6"
	}

	conn, err := nw.ListenUDP(network, &net.UDPAddr{IP: ip.AsSlice(), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind udp socket on %s: %w", ip, err)
	}

	laddr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("bind udp socket on %s: unexpected local address type %T", ip, conn.LocalAddr())
	}
	ap := laddr.AddrPort()

	s := &UDPSocket{
		conn:      conn,
		localIP:   ap.Addr().Unmap(),
		localPort: ap.Port(),
		handler:   handler,
		log:       log,
		sendCh:    make(chan pendingSend, sendQueueLen),
		done:      make(chan struct{}),
	}

	s.wg.Add(2)
	go s.readLoop()
	go s.sendLoop()
	return s, nil
}

func (s *UDPSocket) LocalIP() netip.Addr { return s.localIP }
func (s *UDPSocket) LocalPort() uint16   { return s.localPort }

// Send enqueues buf for transmission to addr and returns immediately. onSent,
// when non-nil, is invoked exactly once with the OS-level outcome (nil on a
// successful write). The socket takes ownership of buf.
func (s *UDPSocket) Send(buf []byte, addr *net.UDPAddr, onSent func(error)) {
	if s.closed.Load() {
		if onSent != nil {
			onSent(net.ErrClosed)
		}
		return
	}
	select {
	case s.sendCh <- pendingSend{buf: buf, addr: addr, onSent: onSent}:
	default:
		s.log.Warnf("send queue full, dropping %d byte datagram to %s", len(buf), addr)
		if onSent != nil {
			onSent(errSendQueueFull)
		}
	}
}

// Close stops both loops and releases the socket. Queued sends that never
// reached the wire report net.ErrClosed through their callbacks.
func (s *UDPSocket) Close() {
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.done)
		_ = s.conn.Close()
		s.wg.Wait()
	})
}

func (s *UDPSocket) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, readBufferLen)
	for {
		n, src, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.closed.Load() {
				return
			}
			// Transient read error; keep going.
			continue
		}

		// The read buffer is reused, so the handler gets its own copy.
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handler(src, data)
	}
}

func (s *UDPSocket) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case p := <-s.sendCh:
			_, err := s.conn.WriteToUDP(p.buf, p.addr)
			if p.onSent != nil {
				p.onSent(err)
			}
		case <-s.done:
			// Flush callbacks for whatever was queued at close time.
			for {
				select {
				case p := <-s.sendCh:
					if p.onSent != nil {
						p.onSent(net.ErrClosed)
					}
				default:
					return
				}
			}
		}
	}
}
