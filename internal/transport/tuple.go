package transport

import (
	"net"
	"net/netip"
)

// TupleInfo is the externally reported description of a transport tuple.
// Before connect only the local half is populated.
type TupleInfo struct {
	LocalIP    string `json:"localIp"`
	LocalPort  uint16 `json:"localPort"`
	Protocol   string `json:"protocol"`
	RemoteIP   string `json:"remoteIp,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`
}

// Tuple binds the local socket to the transport's single fixed remote
// endpoint. Its existence is the sole signal that the transport is connected.
type Tuple struct {
	socket      *UDPSocket
	remote      *net.UDPAddr
	remoteAP    netip.AddrPort
	announcedIP string
}

func newTuple(socket *UDPSocket, remote *net.UDPAddr, announcedIP string) *Tuple {
	ap := remote.AddrPort()
	return &Tuple{
		socket:      socket,
		remote:      remote,
		remoteAP:    netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()),
		announcedIP: announcedIP,
	}
}

// Matches reports whether src is exactly the configured remote endpoint
// (address and port; the protocol is udp on both sides by construction).
func (t *Tuple) Matches(src *net.UDPAddr) bool {
	if src == nil {
		return false
	}
	ap := src.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()) == t.remoteAP
}

// Send transmits buf to the remote endpoint via the local socket.
func (t *Tuple) Send(buf []byte, onSent func(error)) {
	t.socket.Send(buf, t.remote, onSent)
}

// Info describes the tuple, substituting the announced IP for the bound
// local IP when one is configured.
func (t *Tuple) Info() TupleInfo {
	localIP := t.socket.LocalIP().String()
	if t.announcedIP != "" {
		localIP = t.announcedIP
	}
	return TupleInfo{
		LocalIP:    localIP,
		LocalPort:  t.socket.LocalPort(),
		Protocol:   "udp",
		RemoteIP:   t.remoteAP.Addr().String(),
		RemotePort: t.remoteAP.Port(),
	}
}
