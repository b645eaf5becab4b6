// File: fake/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/momentics/hioload-iocp/api"
)

var helloRecord = []byte("FAKETLS1")

// TLS is an api.TLSChannel that exchanges a fixed hello and XORs records
// with Key. Both peers must use the same key.
type TLS struct {
	Key byte

	Opened atomic.Int32
	Sent   atomic.Int64
	Recv   atomic.Int64
}

// NewTLS returns a fake channel with the given key.
func NewTLS(key byte) *TLS { return &TLS{Key: key} }

func (t *TLS) OpenConnection(conn api.RawConn, timeout time.Duration) error {
	if _, err := conn.SendRaw(helloRecord, timeout); err != nil {
		return err
	}
	got := make([]byte, len(helloRecord))
	for read := 0; read < len(got); {
		n, err := conn.RecvRaw(got[read:], timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: peer closed during handshake", api.ErrSocketClosed)
		}
		read += n
	}
	if !bytes.Equal(got, helloRecord) {
		return fmt.Errorf("%w: unexpected hello %q", api.ErrInvalidState, got)
	}
	t.Opened.Add(1)
	return nil
}

func (t *TLS) Send(conn api.RawConn, buf []byte, timeout time.Duration) (int, error) {
	rec := make([]byte, len(buf))
	for i, b := range buf {
		rec[i] = b ^ t.Key
	}
	n, err := conn.SendRaw(rec, timeout)
	t.Sent.Add(int64(n))
	return n, err
}

func (t *TLS) Receive(conn api.RawConn, buf []byte, timeout time.Duration) (int, error) {
	n, err := conn.RecvRaw(buf, timeout)
	for i := 0; i < n; i++ {
		buf[i] ^= t.Key
	}
	t.Recv.Add(int64(n))
	return n, err
}

var _ api.TLSChannel = (*TLS)(nil)
