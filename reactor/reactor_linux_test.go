//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestReactor_ReadReadiness(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	defer r.Close()

	a, b := socketPair(t)
	require.NoError(t, r.Register(uintptr(a)))

	// A fresh socket is writable: the first edge reports EventWrite.
	events := make([]Event, 8)
	n, err := r.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, uintptr(a), events[0].Fd)
	assert.NotZero(t, events[0].Events&EventWrite)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	n, err = r.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Events&EventRead)

	require.NoError(t, r.Unregister(uintptr(a)))
	require.NoError(t, r.Unregister(uintptr(a)), "double unregister is tolerated")
}

func TestReactor_HangupOnPeerClose(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	defer r.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	require.NoError(t, r.Register(uintptr(fds[0])))

	events := make([]Event, 8)
	_, err = r.Wait(events, time.Second)
	require.NoError(t, err)

	require.NoError(t, unix.Close(fds[1]))
	n, err := r.Wait(events, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.NotZero(t, events[0].Events&EventHangup, "got %s", events[0].Events)
}

func TestReactor_Wake(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)
	defer r.Close()

	done := make(chan int, 1)
	go func() {
		events := make([]Event, 4)
		n, _ := r.Wait(events, -1)
		done <- n
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Wake())
	select {
	case n := <-done:
		assert.Equal(t, 0, n, "wakeup must not surface as an event")
	case <-time.After(2 * time.Second):
		t.Fatal("Wake did not interrupt Wait")
	}
}

func TestReactor_TimeoutAndClose(t *testing.T) {
	r, err := NewReactor()
	require.NoError(t, err)

	events := make([]Event, 4)
	start := time.Now()
	n, err := r.Wait(events, 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = r.Wait(nil, 0)
	assert.Error(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Error(t, r.Register(0))
}

func TestEvents_String(t *testing.T) {
	assert.Equal(t, "none", Events(0).String())
	assert.Equal(t, "read|hangup", (EventRead | EventHangup).String())
}
