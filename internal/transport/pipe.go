package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	pionnet "github.com/pion/transport/v3"
	"github.com/pion/transport/v3/stdnet"

	"github.com/medialoop/pipe-relay/internal/metrics"
	"github.com/medialoop/pipe-relay/internal/packet"
	"github.com/medialoop/pipe-relay/internal/srtpsession"
)

// Listener receives everything the transport produces: forwarded media,
// byte accounting, and the connected notification.
type Listener interface {
	// OnConnected fires once, after a successful Connect. There is no
	// handshake with the peer; "connected" is a local belief.
	OnConnected(t *PipeTransport)

	// OnBytesSent is called when an outbound buffer is handed to the send
	// queue, before the OS-level outcome is known. An OS-level failure does
	// not roll the count back.
	OnBytesSent(n int)

	// OnBytesReceived is called for every received datagram, including ones
	// that are subsequently dropped.
	OnBytesReceived(n int)

	OnRTPPacket(pkt *rtp.Packet)
	// OnRTCPPacket receives all reports of a compound packet as one unit.
	OnRTCPPacket(pkts []rtcp.Packet)
	OnSCTPData(buf []byte)
}

// Options configures a pipe transport at construction. ListenIP is required;
// everything else is optional.
type Options struct {
	// ListenIP is the local IP to bind the UDP socket on. It must be a valid
	// IPv4 or IPv6 address literal.
	ListenIP string

	// AnnouncedIP, when set, replaces the bound local IP in every externally
	// reported address (tuple descriptions, dump, stats).
	AnnouncedIP string

	// EnableRTX is stored and reported verbatim; the transport itself never
	// interprets it.
	EnableRTX bool

	// EnableSRTP generates a random 30-byte local key at construction and
	// requires the peer's key at connect time. Fixed for the transport's
	// lifetime.
	EnableSRTP bool

	// Net is the socket factory. Defaults to the standard network stack;
	// tests may substitute a virtual one.
	Net pionnet.Net

	LoggerFactory logging.LoggerFactory

	// Metrics is the shared counter registry. A private one is created when
	// nil.
	Metrics *metrics.Metrics
}

// sessionPair holds both directional SRTP sessions. It exists as a single
// value so the two sessions are structurally either both present or both
// absent; no code path can install just one.
type sessionPair struct {
	send *srtpsession.Session
	recv *srtpsession.Session
}

// ConnectRequest carries the peer's endpoint and, when SRTP is enabled
// locally, the peer's 30-byte key.
type ConnectRequest struct {
	IP      string
	Port    uint16
	SRTPKey []byte
}

// PipeTransport relays RTP, RTCP, and SCTP datagrams between its bound local
// socket and one fixed, pre-known remote endpoint. It is created
// unconnected, transitions to connected exactly once via Connect, and never
// disconnects or rebinds.
type PipeTransport struct {
	id          string
	rtx         bool
	announcedIP string
	srtpKey     []byte // nil iff protection is disabled
	socket      *UDPSocket
	listener    Listener
	metrics     *metrics.Metrics
	log         logging.LeveledLogger

	mu       sync.Mutex
	tuple    *Tuple
	sessions *sessionPair
	closed   bool

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
}

// NewPipeTransport validates opts, optionally generates local key material,
// and binds the local socket. Construction is atomic: on any failure no
// socket handle survives.
func NewPipeTransport(id string, opts Options, listener Listener) (*PipeTransport, error) {
	if listener == nil {
		return nil, configErrorf("listener is required")
	}

	addr, err := netip.ParseAddr(opts.ListenIP)
	if err != nil {
		return nil, configErrorf("invalid listenIp %q: %v", opts.ListenIP, err)
	}
	addr = addr.Unmap()

	lf := opts.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	var srtpKey []byte
	if opts.EnableSRTP {
		srtpKey, err = srtpsession.GenerateKey()
		if err != nil {
			return nil, err
		}
	}

	nw := opts.Net
	if nw == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("create network stack: %w", err)
		}
		nw = n
	}

	t := &PipeTransport{
		id:          id,
		rtx:         opts.EnableRTX,
		announcedIP: opts.AnnouncedIP,
		srtpKey:     srtpKey,
		listener:    listener,
		metrics:     m,
		log:         lf.NewLogger("pipe-transport"),
	}

	socket, err := newUDPSocket(nw, addr, t.handleDatagram, t.log)
	if err != nil {
		return nil, err
	}
	t.socket = socket

	return t, nil
}

func (t *PipeTransport) ID() string { return t.id }

func (t *PipeTransport) RTX() bool { return t.rtx }

// SRTPEnabled reports whether protection was enabled at construction.
func (t *PipeTransport) SRTPEnabled() bool { return t.srtpKey != nil }

// SRTPKey returns a copy of the local key material, or nil when protection
// is disabled.
func (t *PipeTransport) SRTPKey() []byte {
	if t.srtpKey == nil {
		return nil
	}
	out := make([]byte, len(t.srtpKey))
	copy(out, t.srtpKey)
	return out
}

func (t *PipeTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tuple != nil
}

// Connect performs the transport's single state transition: it validates the
// request, provisions both SRTP sessions as one atomic step when protection
// is enabled, and installs the remote tuple. Any failure leaves the
// transport exactly as it was.
func (t *PipeTransport) Connect(req ConnectRequest) (TupleInfo, error) {
	t.mu.Lock()
	tuple, err := t.connectLocked(req)
	t.mu.Unlock()
	if err != nil {
		return TupleInfo{}, err
	}

	t.log.Infof("transport %s connected to %s:%d", t.id, req.IP, req.Port)
	t.listener.OnConnected(t)
	return tuple.Info(), nil
}

func (t *PipeTransport) connectLocked(req ConnectRequest) (*Tuple, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if t.tuple != nil {
		return nil, ErrAlreadyConnected
	}

	addr, err := netip.ParseAddr(req.IP)
	if err != nil {
		return nil, &ValidationError{Field: "ip", Reason: "must be a valid IPv4 or IPv6 address"}
	}
	addr = addr.Unmap()

	if req.Port == 0 {
		return nil, &ValidationError{Field: "port", Reason: "must be a positive integer"}
	}

	switch {
	case t.srtpKey == nil && req.SRTPKey != nil:
		return nil, &ValidationError{Field: "srtpKey", Reason: "srtp is not enabled locally"}
	case t.srtpKey != nil && req.SRTPKey == nil:
		return nil, &ValidationError{Field: "srtpKey", Reason: "required when srtp is enabled locally"}
	case t.srtpKey != nil && len(req.SRTPKey) != srtpsession.KeyLen:
		return nil, &ValidationError{Field: "srtpKey", Reason: fmt.Sprintf("must be exactly %d bytes", srtpsession.KeyLen)}
	}

	// Both sessions are provisioned as one atomic step: a failure on either
	// side discards both and commits nothing.
	var pair *sessionPair
	if t.srtpKey != nil {
		send, err := srtpsession.New(srtpsession.Outbound, t.srtpKey)
		if err != nil {
			return nil, &CryptoSessionError{Direction: "sending", Err: err}
		}
		recv, err := srtpsession.New(srtpsession.Inbound, req.SRTPKey)
		if err != nil {
			return nil, &CryptoSessionError{Direction: "receiving", Err: err}
		}
		pair = &sessionPair{send: send, recv: recv}
	}

	// The address already passed validation; failing to materialize it here
	// is a bug in the validation/resolution contract, not bad input.
	ap := netip.AddrPortFrom(addr, req.Port)
	udpAddr := net.UDPAddrFromAddrPort(ap)
	if udpAddr == nil || !ap.IsValid() {
		panic(fmt.Sprintf("pipe transport: validated remote address %s failed resolution", ap))
	}

	t.tuple = newTuple(t.socket, udpAddr, t.announcedIP)
	t.sessions = pair
	return t.tuple, nil
}

// Close releases the socket, tuple, and session pair together. Safe to call
// more than once.
func (t *PipeTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.tuple = nil
	t.sessions = nil
	t.mu.Unlock()

	t.socket.Close()
}

func (t *PipeTransport) state() (*Tuple, *sessionPair) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tuple, t.sessions
}

// SendRTP serializes, optionally encrypts, and transmits an RTP packet.
// onSent, when non-nil, is invoked exactly once: synchronously with false if
// the packet never reaches the socket, or later with the OS-level outcome.
func (t *PipeTransport) SendRTP(pkt *rtp.Packet, onSent func(delivered bool)) {
	fail := func() {
		if onSent != nil {
			onSent(false)
		}
	}

	tuple, sessions := t.state()
	if tuple == nil {
		t.metrics.Inc(metrics.SendNotConnected)
		fail()
		return
	}

	buf, err := pkt.Marshal()
	if err != nil {
		t.log.Warnf("failed to serialize outbound RTP packet: %v", err)
		fail()
		return
	}

	if sessions != nil {
		enc, err := sessions.send.EncryptRTP(buf)
		if err != nil {
			t.metrics.Inc(metrics.SendEncrypt)
			t.log.Warnf("failed to encrypt outbound RTP packet: %v", err)
			fail()
			return
		}
		buf = enc
	}

	n := len(buf)
	tuple.Send(buf, func(err error) {
		if err != nil {
			t.metrics.Inc(metrics.SendSocket)
		}
		if onSent != nil {
			onSent(err == nil)
		}
	})
	t.accountSent(n)
}

// SendRTCP serializes, optionally encrypts, and transmits an RTCP packet;
// pkts may hold a single report or a whole compound. A no-op before connect.
func (t *PipeTransport) SendRTCP(pkts []rtcp.Packet) {
	tuple, sessions := t.state()
	if tuple == nil {
		t.metrics.Inc(metrics.SendNotConnected)
		return
	}

	buf, err := rtcp.Marshal(pkts)
	if err != nil {
		t.log.Warnf("failed to serialize outbound RTCP packet: %v", err)
		return
	}

	if sessions != nil {
		enc, err := sessions.send.EncryptRTCP(buf)
		if err != nil {
			t.metrics.Inc(metrics.SendEncrypt)
			t.log.Warnf("failed to encrypt outbound RTCP packet: %v", err)
			return
		}
		buf = enc
	}

	n := len(buf)
	tuple.Send(buf, func(err error) {
		if err != nil {
			t.metrics.Inc(metrics.SendSocket)
		}
	})
	t.accountSent(n)
}

// SendSCTP transmits a raw SCTP datagram. SCTP payloads are never protected
// by the transport. A no-op before connect.
func (t *PipeTransport) SendSCTP(data []byte) {
	tuple, _ := t.state()
	if tuple == nil {
		t.metrics.Inc(metrics.SendNotConnected)
		return
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	tuple.Send(buf, func(err error) {
		if err != nil {
			t.metrics.Inc(metrics.SendSocket)
		}
	})
	t.accountSent(len(buf))
}

func (t *PipeTransport) accountSent(n int) {
	t.bytesSent.Add(uint64(n))
	t.listener.OnBytesSent(n)
	t.metrics.Inc(metrics.DatagramsSent)
}

// handleDatagram is the inbound pipeline entry point, invoked sequentially
// from the socket read loop for every received datagram.
func (t *PipeTransport) handleDatagram(src *net.UDPAddr, buf []byte) {
	// Raw receive accounting happens before any validation, even for
	// datagrams that end up dropped.
	t.bytesReceived.Add(uint64(len(buf)))
	t.listener.OnBytesReceived(len(buf))
	t.metrics.Inc(metrics.DatagramsReceived)

	// Classification order is fixed: RTCP shares RTP's header layout and must
	// be checked first.
	switch {
	case packet.IsRTCP(buf):
		t.receiveRTCP(src, buf)
	case packet.IsRTP(buf):
		t.receiveRTP(src, buf)
	case packet.IsSCTP(buf):
		t.receiveSCTP(src, buf)
	default:
		t.metrics.Inc(metrics.DropUnknownFraming)
		t.log.Debugf("ignoring received datagram of unknown type (%d bytes)", len(buf))
	}
}

// checkSource gates every classified datagram: drop silently when
// unconnected, drop with a diagnostic when the source is not exactly the
// configured remote endpoint.
func (t *PipeTransport) checkSource(src *net.UDPAddr, kind string) (*Tuple, *sessionPair, bool) {
	tuple, sessions := t.state()
	if tuple == nil {
		t.metrics.Inc(metrics.DropNotConnected)
		return nil, nil, false
	}
	if !tuple.Matches(src) {
		t.metrics.Inc(metrics.DropSpoofedSource)
		t.log.Debugf("ignoring %s packet from unknown source %s", kind, src)
		return nil, nil, false
	}
	return tuple, sessions, true
}

func (t *PipeTransport) receiveRTP(src *net.UDPAddr, buf []byte) {
	_, sessions, ok := t.checkSource(src, "RTP")
	if !ok {
		return
	}

	if sessions != nil {
		dec, err := sessions.recv.DecryptRTP(buf)
		if err != nil {
			t.metrics.Inc(metrics.DropRTPDecrypt)
			// Best-effort parse of the still-encrypted header to enrich the
			// diagnostic; header fields are not confidential under SRTP.
			if pkt, perr := packet.ParseRTP(buf); perr == nil {
				t.log.Warnf("rtp decrypt failed [ssrc:%d, payloadType:%d, seq:%d]: %v",
					pkt.SSRC, pkt.PayloadType, pkt.SequenceNumber, err)
			} else {
				t.log.Warnf("rtp decrypt failed on an invalid RTP packet: %v", err)
			}
			return
		}
		buf = dec
	}

	pkt, err := packet.ParseRTP(buf)
	if err != nil {
		t.metrics.Inc(metrics.DropRTPParse)
		t.log.Warnf("received data is not a valid RTP packet: %v", err)
		return
	}
	t.listener.OnRTPPacket(pkt)
}

func (t *PipeTransport) receiveRTCP(src *net.UDPAddr, buf []byte) {
	_, sessions, ok := t.checkSource(src, "RTCP")
	if !ok {
		return
	}

	if sessions != nil {
		dec, err := sessions.recv.DecryptRTCP(buf)
		if err != nil {
			t.metrics.Inc(metrics.DropRTCPDecrypt)
			t.log.Debugf("rtcp decrypt failed: %v", err)
			return
		}
		buf = dec
	}

	pkts, err := packet.ParseRTCP(buf)
	if err != nil {
		t.metrics.Inc(metrics.DropRTCPParse)
		t.log.Warnf("received data is not a valid RTCP compound or single packet: %v", err)
		return
	}
	t.listener.OnRTCPPacket(pkts)
}

func (t *PipeTransport) receiveSCTP(src *net.UDPAddr, buf []byte) {
	// SCTP payloads are never protected by the transport; the source check is
	// the only gate.
	if _, _, ok := t.checkSource(src, "SCTP"); !ok {
		return
	}
	t.listener.OnSCTPData(buf)
}
