package completion

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperationPool_AcquireUntilExhausted(t *testing.T) {
	p := NewOperationPool(4)
	require.Equal(t, 4, p.Cap())

	seen := map[int]bool{}
	var ops []*Operation
	for i := 0; i < 4; i++ {
		op, ok := p.Acquire()
		require.True(t, ok)
		assert.False(t, seen[op.Index()], "index %d handed out twice", op.Index())
		seen[op.Index()] = true
		ops = append(ops, op)
	}
	_, ok := p.Acquire()
	assert.False(t, ok)
	assert.Equal(t, 4, p.InUse())
	assert.Equal(t, 0, p.Available())

	require.NoError(t, p.Return(ops[2]))
	op, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, ops[2].Index(), op.Index())
}

func TestOperationPool_ReturnMisuse(t *testing.T) {
	a := NewOperationPool(1)
	b := NewOperationPool(1)
	op, ok := a.Acquire()
	require.True(t, ok)

	assert.ErrorIs(t, b.Return(op), ErrForeignOperation)
	require.NoError(t, a.Return(op))
	assert.ErrorIs(t, a.Return(op), ErrDoubleReturn)
	assert.Equal(t, 0, a.InUse())
}

func TestOperationPool_ZeroCapacityIsOne(t *testing.T) {
	assert.Equal(t, 1, NewOperationPool(0).Cap())
}

func TestOperationPool_CleanupRunsOnReturn(t *testing.T) {
	p := NewOperationPool(1)
	op, _ := p.Acquire()
	acc := op.SetAccept("target")
	acc.Fd = 42
	var closed int
	op.SetCleanup(func(o *Operation) { closed = o.Accept().Fd })

	require.NoError(t, p.Return(op))
	assert.Equal(t, 42, closed)

	op, _ = p.Acquire()
	assert.Equal(t, KindNone, op.Kind())
	assert.Nil(t, op.Accept())
}

func TestOperation_PayloadConstructedOnce(t *testing.T) {
	p := NewOperationPool(1)
	op, _ := p.Acquire()
	tr := op.SetTransfer(KindSend, []byte("abc"), netipZero, 3)
	assert.Equal(t, uint64(3), tr.Gen)
	assert.Same(t, tr, op.Transfer())
	assert.Nil(t, op.Disconnect())
	assert.Panics(t, func() { op.SetTask(func() {}) })
	assert.Panics(t, func() {
		op2 := &Operation{}
		op2.SetTransfer(KindAccept, nil, netipZero, 0)
	})
}

func TestOperationPool_ConcurrentUniqueOwnership(t *testing.T) {
	const workers, rounds = 8, 2000
	p := NewOperationPool(16)
	owners := make([]int32, p.Cap())
	var mu sync.Mutex
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				op, ok := p.Acquire()
				if !ok {
					continue
				}
				mu.Lock()
				if owners[op.Index()] != 0 {
					mu.Unlock()
					t.Errorf("slot %d owned twice", op.Index())
					return
				}
				owners[op.Index()] = id
				mu.Unlock()

				mu.Lock()
				owners[op.Index()] = 0
				mu.Unlock()
				if err := p.Return(op); err != nil {
					t.Error(err)
					return
				}
			}
		}(int32(w + 1))
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
}

var netipZero netip.AddrPort
