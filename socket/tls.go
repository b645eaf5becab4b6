// File: socket/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TLS delegation. The channel performs its own blocking I/O on the raw
// handle, so it is limited to Blocking style.

package socket

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/momentics/hioload-iocp/api"
)

// AttachTLS installs a TLS channel. The handshake runs lazily on the first
// encrypted call.
func (s *Socket) AttachTLS(ch api.TLSChannel) error {
	if ch == nil {
		return s.fail(fmt.Errorf("%w: nil tls channel", api.ErrInvalidArgument))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return s.fail(err)
	}
	if s.style == Async {
		return s.fail(api.ErrTLSConflict)
	}
	s.tls = ch
	s.tlsOpen = false
	return nil
}

// SendEncrypted sends buf through the attached TLS channel.
func (s *Socket) SendEncrypted(buf []byte) (int, error) {
	ch, settings, err := s.openTLS()
	if err != nil {
		return 0, err
	}
	n, err := ch.Send(rawConn{s}, buf, settings.SendTimeout)
	if err != nil {
		return n, s.fail(err)
	}
	return n, nil
}

// RecvEncrypted receives decrypted data through the attached TLS channel.
func (s *Socket) RecvEncrypted(buf []byte) (int, error) {
	ch, settings, err := s.openTLS()
	if err != nil {
		return 0, err
	}
	n, err := ch.Receive(rawConn{s}, buf, settings.RecvTimeout)
	if err != nil {
		return n, s.fail(err)
	}
	return n, nil
}

func (s *Socket) openTLS() (api.TLSChannel, BlockingSettings, error) {
	s.mu.Lock()
	if err := s.usableLocked(); err != nil {
		s.mu.Unlock()
		return nil, BlockingSettings{}, s.fail(err)
	}
	ch, open, settings := s.tls, s.tlsOpen, s.desc.Blocking
	s.mu.Unlock()
	if ch == nil {
		return nil, settings, s.fail(fmt.Errorf("%w: no tls channel attached", api.ErrInvalidState))
	}
	if open {
		return ch, settings, nil
	}

	s.tlsMu.Lock()
	defer s.tlsMu.Unlock()
	s.mu.Lock()
	open = s.tlsOpen
	s.mu.Unlock()
	if open {
		return ch, settings, nil
	}
	if err := ch.OpenConnection(rawConn{s}, settings.ConnectTimeout); err != nil {
		return nil, settings, s.fail(fmt.Errorf("tls open: %w", err))
	}
	s.mu.Lock()
	s.tlsOpen = true
	s.mu.Unlock()
	return ch, settings, nil
}

// rawConn exposes blocking raw I/O to a TLS channel.
type rawConn struct{ s *Socket }

func (r rawConn) Fd() uintptr { return uintptr(r.s.rawFd()) }

func (r rawConn) SendRaw(buf []byte, timeout time.Duration) (int, error) {
	fd := r.s.rawFd()
	if fd < 0 {
		return 0, api.ErrSocketClosed
	}
	return r.s.sendBlocking(fd, buf, netip.AddrPort{}, newBudget(timeout))
}

func (r rawConn) RecvRaw(buf []byte, timeout time.Duration) (int, error) {
	fd := r.s.rawFd()
	if fd < 0 {
		return 0, api.ErrSocketClosed
	}
	n, _, err := r.s.recvBlocking(fd, buf, newBudget(timeout))
	return n, err
}

func (s *Socket) rawFd() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return -1
	}
	return s.fd
}
