// Package srtpsession wraps pion/srtp contexts as single-direction keyed
// sessions under the one profile a pipe transport supports.
//
// Pipe peers exchange no handshake: each side holds a locally generated
// 30-byte key and learns the peer's key out-of-band, so a session here is
// just "a direction plus a pre-shared key".
package srtpsession

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/pion/srtp/v3"
)

// AES_CM_128_HMAC_SHA1_80 is mandated when protection is enabled (RFC 3711).
const profile = srtp.ProtectionProfileAes128CmHmacSha1_80

const (
	masterKeyLen  = 16
	masterSaltLen = 14

	// KeyLen is the length of the combined master key + salt block carried in
	// connect requests and generated for local key material.
	KeyLen = masterKeyLen + masterSaltLen

	// replayWindow is the SRTP/SRTCP replay protection window applied to
	// inbound sessions.
	replayWindow = 64
)

var (
	ErrKeyLength      = fmt.Errorf("srtp key must be exactly %d bytes", KeyLen)
	ErrWrongDirection = errors.New("operation does not match session direction")
)

// Direction fixes a session to one half of the pipe.
type Direction int

const (
	// Outbound sessions encrypt locally produced RTP/RTCP.
	Outbound Direction = iota
	// Inbound sessions decrypt packets received from the remote peer.
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Session is a directional SRTP/SRTCP context.
type Session struct {
	direction Direction
	ctx       *srtp.Context
}

// GenerateKey returns a fresh random key+salt block of KeyLen bytes.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate srtp key: %w", err)
	}
	return key, nil
}

// New builds a session from a combined key+salt block. The key is split
// 16/14 into master key and salt as RFC 3711 lays them out for this profile.
func New(direction Direction, key []byte) (*Session, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}

	masterKey := key[:masterKeyLen]
	masterSalt := key[masterKeyLen:]

	var opts []srtp.ContextOption
	if direction == Inbound {
		opts = append(opts,
			srtp.SRTPReplayProtection(replayWindow),
			srtp.SRTCPReplayProtection(replayWindow),
		)
	}

	ctx, err := srtp.CreateContext(masterKey, masterSalt, profile, opts...)
	if err != nil {
		return nil, fmt.Errorf("create %s srtp context: %w", direction, err)
	}

	return &Session{direction: direction, ctx: ctx}, nil
}

func (s *Session) Direction() Direction { return s.direction }

// EncryptRTP protects a serialized RTP packet. The result is a new buffer
// whose length exceeds the input by the authentication tag.
func (s *Session) EncryptRTP(buf []byte) ([]byte, error) {
	if s.direction != Outbound {
		return nil, ErrWrongDirection
	}
	return s.ctx.EncryptRTP(nil, buf, nil)
}

// DecryptRTP verifies and decrypts a protected RTP packet.
func (s *Session) DecryptRTP(buf []byte) ([]byte, error) {
	if s.direction != Inbound {
		return nil, ErrWrongDirection
	}
	return s.ctx.DecryptRTP(nil, buf, nil)
}

// EncryptRTCP protects a serialized RTCP compound packet.
func (s *Session) EncryptRTCP(buf []byte) ([]byte, error) {
	if s.direction != Outbound {
		return nil, ErrWrongDirection
	}
	return s.ctx.EncryptRTCP(nil, buf, nil)
}

// DecryptRTCP verifies and decrypts a protected RTCP compound packet.
func (s *Session) DecryptRTCP(buf []byte) ([]byte, error) {
	if s.direction != Inbound {
		return nil, ErrWrongDirection
	}
	return s.ctx.DecryptRTCP(nil, buf, nil)
}
