// File: socket/desc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/momentics/hioload-iocp/api"
	"github.com/momentics/hioload-iocp/completion"
)

// Protocol selects the transport.
type Protocol uint8

const (
	TCP Protocol = iota
	UDP
)

func (p Protocol) String() string {
	if p == UDP {
		return "udp"
	}
	return "tcp"
}

// Mode selects what Initialize does with the handle.
type Mode uint8

const (
	// ModeConnect connects to Address:Port.
	ModeConnect Mode = iota
	// ModeListen binds and listens (TCP only).
	ModeListen
	// ModeBind binds without listening (UDP receivers).
	ModeBind
	// ModeAccept creates no handle; one is adopted from an accept completion.
	ModeAccept
)

func (m Mode) String() string {
	switch m {
	case ModeListen:
		return "listen"
	case ModeBind:
		return "bind"
	case ModeAccept:
		return "accept"
	}
	return "connect"
}

// Style is Blocking or Async. The upgrade is one-way.
type Style uint8

const (
	Blocking Style = iota
	Async
)

func (s Style) String() string {
	if s == Async {
		return "async"
	}
	return "blocking"
}

// State of a Socket.
type State uint8

const (
	StateUninitialized State = iota
	StateBlocking
	StateAsync
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateBlocking:
		return "blocking"
	case StateAsync:
		return "async"
	case StateDisabled:
		return "disabled"
	}
	return "uninitialized"
}

// BlockingSettings bound blocking calls. A zero timeout waits indefinitely.
type BlockingSettings struct {
	SendTimeout    time.Duration
	RecvTimeout    time.Duration
	ConnectTimeout time.Duration
}

// DefaultBlockingSettings returns five second budgets.
func DefaultBlockingSettings() BlockingSettings {
	return BlockingSettings{
		SendTimeout:    5 * time.Second,
		RecvTimeout:    5 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// AsyncSettings configure GoAsynchronous.
type AsyncSettings struct {
	Port *completion.Port
	// MaxOperations sizes the socket's operation pool.
	MaxOperations int
	// Handler receives send and receive completions.
	Handler Handler
	// Accept and Disconnect receive the completions of IssueAccept and
	// IssueDisconnect. When nil, Handler is asserted to the interface.
	Accept     AcceptHandler
	Disconnect DisconnectHandler
}

// DefaultMaxOperations is used when AsyncSettings.MaxOperations is zero.
const DefaultMaxOperations = 16

// Desc describes a socket to Initialize.
type Desc struct {
	Address  string
	Port     uint16
	Protocol Protocol
	Mode     Mode
	Style    Style

	ReuseAddress     bool
	ExclusiveAddress bool
	Broadcast        bool
	NoDelay          bool
	Backlog          int

	Blocking BlockingSettings
	Async    AsyncSettings
}

func (d *Desc) validate() error {
	switch {
	case d.Mode == ModeListen && d.Protocol != TCP:
		return fmt.Errorf("%w: listen requires tcp", api.ErrInvalidArgument)
	case d.Mode == ModeAccept && d.Style != Async:
		return fmt.Errorf("%w: accept mode requires async style", api.ErrInvalidArgument)
	case d.Style == Async && d.Async.Port == nil:
		return fmt.Errorf("%w: async style requires a port", api.ErrInvalidArgument)
	case d.Mode == ModeConnect && d.Address == "":
		return fmt.Errorf("%w: connect requires an address", api.ErrInvalidArgument)
	}
	return nil
}

func (d *Desc) addrPort() (netip.AddrPort, error) {
	return resolve(d.Address, d.Port)
}

// resolve maps an address literal or host name to a single endpoint. An
// empty address selects the IPv4 wildcard.
func resolve(host string, port uint16) (netip.AddrPort, error) {
	if host == "" {
		return netip.AddrPortFrom(netip.IPv4Unspecified(), port), nil
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a.Unmap(), port), nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	var fallback netip.Addr
	for _, s := range addrs {
		a, err := netip.ParseAddr(s)
		if err != nil {
			continue
		}
		if a.Is4() {
			return netip.AddrPortFrom(a, port), nil
		}
		if !fallback.IsValid() {
			fallback = a
		}
	}
	if !fallback.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("%w: no usable address for %s", api.ErrInvalidArgument, host)
	}
	return netip.AddrPortFrom(fallback, port), nil
}
