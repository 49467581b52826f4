package control

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"

	"github.com/medialoop/pipe-relay/internal/srtpsession"
	"github.com/medialoop/pipe-relay/internal/transport"
)

type controlClient struct {
	t      *testing.T
	conn   *websocket.Conn
	nextID int
}

func newControlClient(t *testing.T) (*controlClient, *Server) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Options{MediaListenIP: "127.0.0.1"}, logger)
	t.Cleanup(srv.Close)

	mux := http.NewServeMux()
	mux.Handle("/control", srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/control"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &controlClient{t: t, conn: conn}, srv
}

type wireResponse struct {
	ID    string          `json:"id"`
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *responseError  `json:"error"`
}

func (c *controlClient) request(method, transportID string, data any) wireResponse {
	c.t.Helper()
	c.nextID++
	req := map[string]any{"id": strconv.Itoa(c.nextID), "method": method}
	if transportID != "" {
		req["transportId"] = transportID
	}
	if data != nil {
		req["data"] = data
	}
	if err := c.conn.WriteJSON(req); err != nil {
		c.t.Fatalf("write request: %v", err)
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wireResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		c.t.Fatalf("read response: %v", err)
	}
	if resp.ID != req["id"] {
		c.t.Fatalf("response id = %q, want %q", resp.ID, req["id"])
	}
	return resp
}

func (c *controlClient) mustRequest(method, transportID string, data any) json.RawMessage {
	c.t.Helper()
	resp := c.request(method, transportID, data)
	if !resp.OK {
		c.t.Fatalf("%s failed: %+v", method, resp.Error)
	}
	return resp.Data
}

func (c *controlClient) createTransport(srtp bool) transport.Status {
	c.t.Helper()
	data := c.mustRequest("transport.create", "", map[string]any{"enableSrtp": srtp})
	var st transport.Status
	if err := json.Unmarshal(data, &st); err != nil {
		c.t.Fatalf("decode create response: %v", err)
	}
	if st.ID == "" {
		c.t.Fatalf("created transport has no id")
	}
	return st
}

func TestCreateAndDump(t *testing.T) {
	c, _ := newControlClient(t)

	st := c.createTransport(true)
	if st.SRTPKey == "" {
		t.Fatalf("create with srtp returned no key")
	}
	key, err := base64.StdEncoding.DecodeString(st.SRTPKey)
	if err != nil || len(key) != srtpsession.KeyLen {
		t.Fatalf("srtpKey = %q, want base64 of %d bytes", st.SRTPKey, srtpsession.KeyLen)
	}
	if st.Tuple.LocalIP != "127.0.0.1" || st.Tuple.LocalPort == 0 || st.Tuple.Protocol != "udp" {
		t.Fatalf("unexpected pre-connect tuple: %+v", st.Tuple)
	}

	var dump transport.Status
	if err := json.Unmarshal(c.mustRequest("transport.dump", st.ID, nil), &dump); err != nil {
		t.Fatalf("decode dump: %v", err)
	}
	if dump.ID != st.ID || dump.SRTPKey != st.SRTPKey {
		t.Fatalf("dump mismatch: %+v vs create %+v", dump, st)
	}
}

func TestConnectAndStats(t *testing.T) {
	c, _ := newControlClient(t)

	st := c.createTransport(false)
	data := c.mustRequest("transport.connect", st.ID, map[string]any{"ip": "127.0.0.1", "port": 5004})

	var connectResp struct {
		Tuple transport.TupleInfo `json:"tuple"`
	}
	if err := json.Unmarshal(data, &connectResp); err != nil {
		t.Fatalf("decode connect response: %v", err)
	}
	if connectResp.Tuple.RemoteIP != "127.0.0.1" || connectResp.Tuple.RemotePort != 5004 {
		t.Fatalf("unexpected tuple: %+v", connectResp.Tuple)
	}

	var stats transport.Stats
	if err := json.Unmarshal(c.mustRequest("transport.getStats", st.ID, nil), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Type != "pipe-transport" || stats.TransportID != st.ID {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestConnectErrorCodes(t *testing.T) {
	c, _ := newControlClient(t)
	st := c.createTransport(false)

	resp := c.request("transport.connect", st.ID, map[string]any{"ip": "bogus", "port": 5004})
	if resp.OK || resp.Error.Code != codeInvalidParams {
		t.Fatalf("bad ip: got %+v, want %s", resp.Error, codeInvalidParams)
	}

	c.mustRequest("transport.connect", st.ID, map[string]any{"ip": "127.0.0.1", "port": 5004})

	resp = c.request("transport.connect", st.ID, map[string]any{"ip": "127.0.0.1", "port": 5006})
	if resp.OK || resp.Error.Code != codeAlreadyConnected {
		t.Fatalf("double connect: got %+v, want %s", resp.Error, codeAlreadyConnected)
	}
}

func TestConnectRejectsBadBase64Key(t *testing.T) {
	c, _ := newControlClient(t)
	st := c.createTransport(true)

	resp := c.request("transport.connect", st.ID, map[string]any{"ip": "127.0.0.1", "port": 5004, "srtpKey": "not-base64!!!"})
	if resp.OK || resp.Error.Code != codeInvalidParams {
		t.Fatalf("got %+v, want %s", resp.Error, codeInvalidParams)
	}
}

func TestUnknownMethodAndMissingTransport(t *testing.T) {
	c, _ := newControlClient(t)

	resp := c.request("transport.destroyAll", "", nil)
	if resp.OK || resp.Error.Code != codeUnknownMethod {
		t.Fatalf("unknown method: got %+v, want %s", resp.Error, codeUnknownMethod)
	}

	resp = c.request("transport.dump", "nosuchtransport", nil)
	if resp.OK || resp.Error.Code != codeTransportNotFound {
		t.Fatalf("missing transport: got %+v, want %s", resp.Error, codeTransportNotFound)
	}

	resp = c.request("transport.dump", "", nil)
	if resp.OK || resp.Error.Code != codeInvalidParams {
		t.Fatalf("missing transportId: got %+v, want %s", resp.Error, codeInvalidParams)
	}
}

func TestInvalidEnvelope(t *testing.T) {
	c, _ := newControlClient(t)

	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"transport.dump"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp wireResponse
	if err := c.conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.OK || resp.Error.Code != codeInvalidMessage {
		t.Fatalf("got %+v, want %s", resp.Error, codeInvalidMessage)
	}
}

func TestCloseTransport(t *testing.T) {
	c, _ := newControlClient(t)
	st := c.createTransport(false)

	c.mustRequest("transport.close", st.ID, nil)

	resp := c.request("transport.dump", st.ID, nil)
	if resp.OK || resp.Error.Code != codeTransportNotFound {
		t.Fatalf("dump after close: got %+v, want %s", resp.Error, codeTransportNotFound)
	}
}

// TestPairedRelay drives the full path: endpoint X sends RTP into transport
// A, the server relays it out paired transport B, endpoint Y receives it.
func TestPairedRelay(t *testing.T) {
	c, _ := newControlClient(t)

	x, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen x: %v", err)
	}
	defer x.Close()
	y, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen y: %v", err)
	}
	defer y.Close()

	a := c.createTransport(false)
	b := c.createTransport(false)

	c.mustRequest("transport.connect", a.ID, map[string]any{
		"ip": "127.0.0.1", "port": x.LocalAddr().(*net.UDPAddr).Port,
	})
	c.mustRequest("transport.connect", b.ID, map[string]any{
		"ip": "127.0.0.1", "port": y.LocalAddr().(*net.UDPAddr).Port,
	})
	c.mustRequest("transport.pair", a.ID, map[string]any{"peerTransportId": b.ID})

	pkt := rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 7, SSRC: 42},
		Payload: []byte("relayed"),
	}
	buf, err := pkt.Marshal()
	if err != nil {
		t.Fatalf("marshal rtp: %v", err)
	}
	aPort := int(a.Tuple.LocalPort)
	if _, err := x.WriteToUDP(buf, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: aPort}); err != nil {
		t.Fatalf("send to transport a: %v", err)
	}

	_ = y.SetReadDeadline(time.Now().Add(2 * time.Second))
	recv := make([]byte, 1500)
	n, _, err := y.ReadFromUDP(recv)
	if err != nil {
		t.Fatalf("endpoint y read: %v", err)
	}

	var out rtp.Packet
	if err := out.Unmarshal(recv[:n]); err != nil {
		t.Fatalf("unmarshal relayed packet: %v", err)
	}
	if string(out.Payload) != "relayed" || out.SSRC != 42 {
		t.Fatalf("relayed packet mismatch: %+v", out)
	}
}

func TestPairValidation(t *testing.T) {
	c, _ := newControlClient(t)
	a := c.createTransport(false)

	resp := c.request("transport.pair", a.ID, map[string]any{"peerTransportId": a.ID})
	if resp.OK || resp.Error.Code != codeInvalidParams {
		t.Fatalf("self pair: got %+v, want %s", resp.Error, codeInvalidParams)
	}

	resp = c.request("transport.pair", a.ID, map[string]any{"peerTransportId": "missing"})
	if resp.OK || resp.Error.Code != codeTransportNotFound {
		t.Fatalf("missing peer: got %+v, want %s", resp.Error, codeTransportNotFound)
	}
}
