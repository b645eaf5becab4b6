package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferPool_Reuse(t *testing.T) {
	p := NewBufferPool(64, 2)
	a := p.Get()
	require.Len(t, a, 64)
	a[0] = 'x'
	p.Put(a[:3])

	b := p.Get()
	assert.Len(t, b, 64)
	assert.Equal(t, byte('x'), b[0], "buffer is recycled, not reallocated")

	st := p.Stats()
	assert.Equal(t, uint64(1), st.Allocated)
	assert.Equal(t, uint64(1), st.Reused)
	assert.Equal(t, 0, st.Idle)
}

func TestBufferPool_DropsForeignAndOverflow(t *testing.T) {
	p := NewBufferPool(16, 2)
	p.Put(make([]byte, 8))
	for i := 0; i < 3; i++ {
		p.Put(make([]byte, 16))
	}
	st := p.Stats()
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 2, st.Idle)
}
