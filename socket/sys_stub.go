// File: socket/sys_stub.go
//go:build !linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"net/netip"
	"time"

	"github.com/momentics/hioload-iocp/api"
)

func sysSocket(netip.AddrPort, Protocol) (int, error)    { return -1, api.ErrNotSupported }
func sysApplyOptions(int, *Desc) error                   { return api.ErrNotSupported }
func sysNoDelay(int) error                               { return api.ErrNotSupported }
func sysBind(int, netip.AddrPort) error                  { return api.ErrNotSupported }
func sysListen(int, int) error                           { return api.ErrNotSupported }
func sysConnect(int, netip.AddrPort) error               { return api.ErrNotSupported }
func sysConnectResult(int) error                         { return api.ErrNotSupported }
func sysAccept(int) (int, netip.AddrPort, error)         { return -1, netip.AddrPort{}, api.ErrNotSupported }
func sysRead(int, []byte) (int, error)                   { return 0, api.ErrNotSupported }
func sysWrite(int, []byte) (int, error)                  { return 0, api.ErrNotSupported }
func sysSendTo(int, []byte, netip.AddrPort) (int, error) { return 0, api.ErrNotSupported }
func sysRecvFrom(int, []byte) (int, netip.AddrPort, error) {
	return 0, netip.AddrPort{}, api.ErrNotSupported
}
func sysShutdown(int) error                          { return api.ErrNotSupported }
func sysClose(int) error                             { return api.ErrNotSupported }
func sysPoll(int, bool, time.Duration) (bool, error) { return false, api.ErrNotSupported }
func sysLocalAddr(int) netip.AddrPort                { return netip.AddrPort{} }
func sysRemoteAddr(int) netip.AddrPort               { return netip.AddrPort{} }
func isWouldBlock(error) bool                        { return false }
func isNotConnected(error) bool                      { return false }
