// Package packet classifies and parses the three framings a pipe transport
// relays: RTP, RTCP, and SCTP-over-UDP.
//
// Classification is purely structural (no decryption, no state). Callers are
// expected to check IsRTCP before IsRTP: the two framings share the RTP fixed
// header layout and are told apart only by the packet-type byte (RFC 5761).
package packet

import (
	"encoding/binary"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

const (
	// rtpHeaderLen is the fixed RTP header size (RFC 3550 §5.1).
	rtpHeaderLen = 12
	// rtcpHeaderLen is the RTCP common header size (RFC 3550 §6.4.1).
	rtcpHeaderLen = 4
	// sctpCommonHeaderLen is the SCTP common header size (RFC 4960 §3.1).
	sctpCommonHeaderLen = 12

	// rtcpTypeMin/Max is the RTCP packet-type range registered by IANA.
	// Within the multiplexing range of RFC 7983, a second byte in [192, 223]
	// means RTCP; anything else is RTP.
	rtcpTypeMin = 192
	rtcpTypeMax = 223

	// sctpPort is the fixed source/destination port pair used for SCTP over
	// plain UDP encapsulation (RFC 6951 registers 9899; media servers
	// conventionally pin 5000 on both sides of a pipe).
	sctpPort = 5000
)

// IsRTCP reports whether buf looks like an RTCP compound or single packet:
// version 2 and a packet type in the IANA RTCP range.
func IsRTCP(buf []byte) bool {
	return len(buf) >= rtcpHeaderLen &&
		buf[0]>>6 == 2 &&
		buf[1] >= rtcpTypeMin && buf[1] <= rtcpTypeMax
}

// IsRTP reports whether buf looks like an RTP packet: version 2, large enough
// to hold the fixed header, and a second byte outside the RTCP type range.
//
// A buffer may satisfy both IsRTP and IsRTCP-style length checks; callers
// must test IsRTCP first.
func IsRTP(buf []byte) bool {
	return len(buf) >= rtpHeaderLen &&
		buf[0]>>6 == 2 &&
		!(buf[1] >= rtcpTypeMin && buf[1] <= rtcpTypeMax)
}

// IsSCTP reports whether buf looks like plain-UDP-encapsulated SCTP: a full
// common header whose source and destination ports are both the fixed pipe
// SCTP port.
func IsSCTP(buf []byte) bool {
	return len(buf) >= sctpCommonHeaderLen &&
		binary.BigEndian.Uint16(buf[0:2]) == sctpPort &&
		binary.BigEndian.Uint16(buf[2:4]) == sctpPort
}

// ParseRTP unmarshals buf into an RTP packet. The returned packet aliases
// buf's payload bytes; callers that retain it must not reuse buf.
func ParseRTP(buf []byte) (*rtp.Packet, error) {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(buf); err != nil {
		return nil, err
	}
	return pkt, nil
}

// ParseRTCP unmarshals buf into the individual reports of an RTCP compound
// packet (a single report yields a one-element slice).
func ParseRTCP(buf []byte) ([]rtcp.Packet, error) {
	return rtcp.Unmarshal(buf)
}
