// Package transport implements the pipe transport: a point-to-point media
// relay that forwards RTP, RTCP, and SCTP between two fixed, pre-known UDP
// endpoints with optional pre-shared-key SRTP protection.
//
// There is no handshake, no certificate exchange, and no liveness probing:
// both sides are configured out-of-band and each independently considers
// itself connected once a remote address is installed. Inbound datagrams MUST
// pass the exact source-tuple check before any decryption or parsing.
package transport
