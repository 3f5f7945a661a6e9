package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_RejectsInvalidRange(t *testing.T) {
	_, err := NewPool(100, 50)
	require.Error(t, err)
}

func TestAcquireRelease_PartitionsRange(t *testing.T) {
	p, err := NewPool(30000, 30002)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Available())

	a, err := p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Available())

	p.Release(a)
	assert.Equal(t, 3, p.Available())
}

func TestAcquire_ExhaustionFails(t *testing.T) {
	p, err := NewPool(30000, 30000)
	require.NoError(t, err)

	_, err = p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	require.Error(t, err)
}

func TestAcquireN_RollsBackOnPartialExhaustion(t *testing.T) {
	p, err := NewPool(30000, 30001)
	require.NoError(t, err)

	_, err = p.AcquireN(3)
	require.Error(t, err)
	assert.Equal(t, 2, p.Available(), "a failed AcquireN must not consume any ports")
}

func TestRelease_IgnoresOutOfRangePort(t *testing.T) {
	p, err := NewPool(30000, 30001)
	require.NoError(t, err)

	p.Release(22) // out-of-range port from a pre-existing container
	assert.Equal(t, 2, p.Available(), "out-of-range ports must never enter the pool")
}

func TestMarkUsed_RemovesInRangePortOnly(t *testing.T) {
	p, err := NewPool(30000, 30001)
	require.NoError(t, err)

	p.MarkUsed(30000)
	assert.Equal(t, 1, p.Available())

	p.MarkUsed(22)
	assert.Equal(t, 1, p.Available(), "out-of-range port must not affect the pool")
}
