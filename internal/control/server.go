// Package control exposes transport management over a WebSocket
// request/response channel. Each request carries an id that the response
// echoes, so callers may pipeline requests over one connection.
package control

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/randutil"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/medialoop/pipe-relay/internal/metrics"
	"github.com/medialoop/pipe-relay/internal/transport"
)

const (
	wsWriteWait     = 1 * time.Second
	maxRequestBytes = 64 * 1024

	transportIDLen   = 12
	transportIDRunes = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// Options configures the control server and the transports it creates.
type Options struct {
	// MediaListenIP is the local IP every created transport binds on.
	MediaListenIP string

	// AnnouncedIP is passed through to every created transport.
	AnnouncedIP string

	LoggerFactory logging.LoggerFactory

	// Metrics is shared by the server and every transport it creates.
	Metrics *metrics.Metrics
}

// Server hosts pipe transports and serves the control channel. Transports
// may be paired: media received on one is relayed out its peer.
type Server struct {
	log      *slog.Logger
	opts     Options
	upgrader websocket.Upgrader

	mu         sync.Mutex
	transports map[string]*hostedTransport
	closed     bool
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Server{
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		transports: make(map[string]*hostedTransport),
	}
}

func (s *Server) Metrics() *metrics.Metrics { return s.opts.Metrics }

// Close tears down every hosted transport. In-flight control connections see
// subsequent requests fail with transport_closed.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	transports := make([]*hostedTransport, 0, len(s.transports))
	for _, h := range s.transports {
		transports = append(transports, h)
	}
	s.transports = make(map[string]*hostedTransport)
	s.mu.Unlock()

	for _, h := range transports {
		h.t.Close()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBytes)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			writeClose(conn, websocket.CloseUnsupportedData, "expected text message")
			return
		}

		req, err := parseRequest(data)
		if err != nil {
			s.writeResponse(conn, errorResponse("", codeInvalidMessage, err.Error()))
			continue
		}
		s.writeResponse(conn, s.dispatch(req))
	}
}

func (s *Server) writeResponse(conn *websocket.Conn, resp response) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(resp); err != nil {
		s.log.Debug("failed to write control response", "err", err)
	}
}

func (s *Server) dispatch(req request) response {
	switch req.Method {
	case methodTransportCreate:
		return s.handleCreate(req)
	case methodTransportConnect:
		return s.handleConnect(req)
	case methodTransportPair:
		return s.handlePair(req)
	case methodTransportDump:
		return s.handleDump(req)
	case methodTransportGetStats:
		return s.handleGetStats(req)
	case methodTransportClose:
		return s.handleClose(req)
	default:
		return errorResponse(req.ID, codeUnknownMethod, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) handleCreate(req request) response {
	var params createParams
	if err := decodeParams(req.Data, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	id, err := randutil.GenerateCryptoRandomString(transportIDLen, transportIDRunes)
	if err != nil {
		return errorResponse(req.ID, codeInternal, "failed to generate transport id")
	}

	h := &hostedTransport{id: id}
	t, err := transport.NewPipeTransport(id, transport.Options{
		ListenIP:      s.opts.MediaListenIP,
		AnnouncedIP:   s.opts.AnnouncedIP,
		EnableRTX:     params.EnableRTX,
		EnableSRTP:    params.EnableSRTP,
		LoggerFactory: s.opts.LoggerFactory,
		Metrics:       s.opts.Metrics,
	}, h)
	if err != nil {
		var cfgErr *transport.ConfigError
		if errors.As(err, &cfgErr) {
			return errorResponse(req.ID, codeInvalidParams, err.Error())
		}
		return errorResponse(req.ID, codeInternal, err.Error())
	}
	h.t = t

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		t.Close()
		return errorResponse(req.ID, codeTransportClosed, "server is shutting down")
	}
	s.transports[id] = h
	s.mu.Unlock()

	s.log.Info("transport created", "transport_id", id, "srtp", params.EnableSRTP, "rtx", params.EnableRTX)
	return okResponse(req.ID, t.Dump())
}

func (s *Server) handleConnect(req request) response {
	h, resp := s.lookup(req)
	if h == nil {
		return resp
	}

	var params connectParams
	if err := decodeParams(req.Data, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	var srtpKey []byte
	if params.SRTPKey != "" {
		key, err := base64.StdEncoding.DecodeString(params.SRTPKey)
		if err != nil {
			return errorResponse(req.ID, codeInvalidParams, "srtpKey is not valid base64")
		}
		srtpKey = key
	}

	tuple, err := h.t.Connect(transport.ConnectRequest{
		IP:      params.IP,
		Port:    params.Port,
		SRTPKey: srtpKey,
	})
	if err != nil {
		return errorResponse(req.ID, connectErrorCode(err), err.Error())
	}
	return okResponse(req.ID, map[string]any{"tuple": tuple})
}

func connectErrorCode(err error) string {
	var valErr *transport.ValidationError
	switch {
	case errors.Is(err, transport.ErrAlreadyConnected):
		return codeAlreadyConnected
	case errors.Is(err, transport.ErrClosed):
		return codeTransportClosed
	case errors.As(err, &valErr):
		return codeInvalidParams
	default:
		return codeInternal
	}
}

func (s *Server) handlePair(req request) response {
	h, resp := s.lookup(req)
	if h == nil {
		return resp
	}

	var params pairParams
	if err := decodeParams(req.Data, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	if params.PeerTransportID == "" {
		return errorResponse(req.ID, codeInvalidParams, "peerTransportId is required")
	}
	if params.PeerTransportID == h.id {
		return errorResponse(req.ID, codeInvalidParams, "cannot pair a transport with itself")
	}

	s.mu.Lock()
	peer, ok := s.transports[params.PeerTransportID]
	s.mu.Unlock()
	if !ok {
		return errorResponse(req.ID, codeTransportNotFound, fmt.Sprintf("transport %q not found", params.PeerTransportID))
	}

	h.setPeer(peer)
	peer.setPeer(h)
	s.log.Info("transports paired", "transport_id", h.id, "peer_transport_id", peer.id)
	return okResponse(req.ID, nil)
}

func (s *Server) handleDump(req request) response {
	h, resp := s.lookup(req)
	if h == nil {
		return resp
	}
	return okResponse(req.ID, h.t.Dump())
}

func (s *Server) handleGetStats(req request) response {
	h, resp := s.lookup(req)
	if h == nil {
		return resp
	}
	return okResponse(req.ID, h.t.Stats())
}

func (s *Server) handleClose(req request) response {
	h, resp := s.lookup(req)
	if h == nil {
		return resp
	}

	s.mu.Lock()
	delete(s.transports, h.id)
	for _, other := range s.transports {
		other.clearPeer(h)
	}
	s.mu.Unlock()

	h.t.Close()
	s.log.Info("transport closed", "transport_id", h.id)
	return okResponse(req.ID, nil)
}

// lookup resolves req.TransportID. On failure the returned response carries
// the error and the hosted transport is nil.
func (s *Server) lookup(req request) (*hostedTransport, response) {
	if req.TransportID == "" {
		return nil, errorResponse(req.ID, codeInvalidParams, "transportId is required")
	}
	s.mu.Lock()
	h, ok := s.transports[req.TransportID]
	s.mu.Unlock()
	if !ok {
		return nil, errorResponse(req.ID, codeTransportNotFound, fmt.Sprintf("transport %q not found", req.TransportID))
	}
	return h, response{}
}

func okResponse(id string, data any) response {
	return response{ID: id, OK: true, Data: data}
}

func errorResponse(id, code, message string) response {
	return response{ID: id, OK: false, Error: &responseError{Code: code, Message: message}}
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

// hostedTransport is a server-managed transport plus its optional relay
// peer. It implements transport.Listener: media received on this transport
// is sent out the peer, byte accounting is left to the transport's own
// counters.
type hostedTransport struct {
	id string
	t  *transport.PipeTransport

	mu   sync.Mutex
	peer *hostedTransport
}

func (h *hostedTransport) setPeer(peer *hostedTransport) {
	h.mu.Lock()
	h.peer = peer
	h.mu.Unlock()
}

// clearPeer unlinks the peer only if it is the given one; a transport
// re-paired in the meantime keeps its new link.
func (h *hostedTransport) clearPeer(peer *hostedTransport) {
	h.mu.Lock()
	if h.peer == peer {
		h.peer = nil
	}
	h.mu.Unlock()
}

func (h *hostedTransport) currentPeer() *hostedTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer
}

func (h *hostedTransport) OnConnected(*transport.PipeTransport) {}
func (h *hostedTransport) OnBytesSent(int)                      {}
func (h *hostedTransport) OnBytesReceived(int)                  {}

func (h *hostedTransport) OnRTPPacket(pkt *rtp.Packet) {
	if peer := h.currentPeer(); peer != nil {
		peer.t.SendRTP(pkt, nil)
	}
}

func (h *hostedTransport) OnRTCPPacket(pkts []rtcp.Packet) {
	if peer := h.currentPeer(); peer != nil {
		peer.t.SendRTCP(pkts)
	}
}

func (h *hostedTransport) OnSCTPData(buf []byte) {
	if peer := h.currentPeer(); peer != nil {
		peer.t.SendSCTP(buf)
	}
}
