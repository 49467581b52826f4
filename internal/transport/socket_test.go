package transport

import (
	"bytes"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/stdnet"
)

func newTestSocket(t *testing.T, handler func(src *net.UDPAddr, buf []byte)) *UDPSocket {
	t.Helper()
	nw, err := stdnet.NewNet()
	if err != nil {
		t.Fatalf("stdnet.NewNet: %v", err)
	}
	if handler == nil {
		handler = func(*net.UDPAddr, []byte) {}
	}
	log := logging.NewDefaultLoggerFactory().NewLogger("test")
	s, err := newUDPSocket(nw, netip.MustParseAddr("127.0.0.1"), handler, log)
	if err != nil {
		t.Fatalf("newUDPSocket: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestSocketBindsEphemeralPort(t *testing.T) {
	s := newTestSocket(t, nil)
	if s.LocalPort() == 0 {
		t.Fatalf("LocalPort = 0, want an OS-chosen port")
	}
	if got := s.LocalIP().String(); got != "127.0.0.1" {
		t.Fatalf("LocalIP = %s, want 127.0.0.1", got)
	}
}

func TestSocketSendAndReceive(t *testing.T) {
	type received struct {
		src *net.UDPAddr
		buf []byte
	}
	recvCh := make(chan received, 1)
	receiver := newTestSocket(t, func(src *net.UDPAddr, buf []byte) {
		recvCh <- received{src: src, buf: buf}
	})
	sender := newTestSocket(t, nil)

	payload := []byte("ping")
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(receiver.LocalPort())}

	sentCh := make(chan error, 1)
	sender.Send(payload, dst, func(err error) { sentCh <- err })

	select {
	case err := <-sentCh:
		if err != nil {
			t.Fatalf("send callback err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for send callback")
	}

	select {
	case got := <-recvCh:
		if !bytes.Equal(got.buf, payload) {
			t.Fatalf("received %q, want %q", got.buf, payload)
		}
		if got.src.Port != int(sender.LocalPort()) {
			t.Fatalf("source port = %d, want %d", got.src.Port, sender.LocalPort())
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for datagram")
	}
}

func TestSocketHandlerOwnsBuffer(t *testing.T) {
	// Two back-to-back datagrams must not alias each other's handler buffer.
	recvCh := make(chan []byte, 2)
	receiver := newTestSocket(t, func(_ *net.UDPAddr, buf []byte) {
		recvCh <- buf
	})
	sender := newTestSocket(t, nil)
	dst := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(receiver.LocalPort())}

	sender.Send([]byte("first"), dst, nil)
	sender.Send([]byte("second"), dst, nil)

	var got [][]byte
	for len(got) < 2 {
		select {
		case buf := <-recvCh:
			got = append(got, buf)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after %d datagrams", len(got))
		}
	}
	if string(got[0]) != "first" || string(got[1]) != "second" {
		t.Fatalf("got %q, %q; want first, second", got[0], got[1])
	}
}

func TestSocketSendAfterClose(t *testing.T) {
	s := newTestSocket(t, nil)
	s.Close()

	sentCh := make(chan error, 1)
	s.Send([]byte("late"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, func(err error) {
		sentCh <- err
	})

	select {
	case err := <-sentCh:
		if !errors.Is(err, net.ErrClosed) {
			t.Fatalf("err = %v, want net.ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for rejection callback")
	}
}

func TestSocketCloseIsIdempotent(t *testing.T) {
	s := newTestSocket(t, nil)
	s.Close()
	s.Close()
}
