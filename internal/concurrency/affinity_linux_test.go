//go:build linux

package concurrency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPinCurrentThread(t *testing.T) {
	var before unix.CPUSet
	require.NoError(t, unix.SchedGetaffinity(0, &before))
	cpu := -1
	for i := 0; i < 1024; i++ {
		if before.IsSet(i) {
			cpu = i
			break
		}
	}
	require.GreaterOrEqual(t, cpu, 0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, PinCurrentThread(cpu))
		var got unix.CPUSet
		assert.NoError(t, unix.SchedGetaffinity(0, &got))
		assert.Equal(t, 1, got.Count())
		assert.True(t, got.IsSet(cpu))
		// the thread stays locked and is discarded when the goroutine exits
	}()
	<-done
}
