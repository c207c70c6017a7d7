package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferEvictsOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	assert.Empty(t, r.Snapshot())

	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())

	r.Push(3)
	r.Push(4)
	assert.Equal(t, []int{2, 3, 4}, r.Snapshot(), "oldest entry is evicted first")
	assert.Equal(t, 3, r.Len())
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	assert.Equal(t, []string{"b"}, r.Snapshot())
}
