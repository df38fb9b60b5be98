package queue

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathQueue_FIFOOrder(t *testing.T) {
	q := New()
	assert.True(t, q.Empty())

	q.Enqueue("/a")
	q.Enqueue("/b")
	q.Enqueue("/c")

	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"/a", "/b", "/c"} {
		got, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	assert.True(t, q.Empty())
}

func TestPathQueue_DequeueEmpty(t *testing.T) {
	q := New()

	_, ok := q.Dequeue()
	assert.False(t, ok)
}

func TestPathQueue_InterleavedEnqueueDequeue(t *testing.T) {
	q := New()

	q.Enqueue("/a")
	got, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "/a", got)

	q.Enqueue("/b")
	q.Enqueue("/c")

	got, ok = q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, "/b", got)
}

func TestPathQueue_CompactsBackingSlice(t *testing.T) {
	q := New()

	for i := 0; i < 1000; i++ {
		q.Enqueue(fmt.Sprintf("/p%d", i))
		_, ok := q.Dequeue()
		require.True(t, ok)
	}

	assert.True(t, q.Empty())
	assert.Less(t, cap(q.items), 100)
}

func TestPathQueue_Reset(t *testing.T) {
	q := New()
	q.Enqueue("/a")
	q.Enqueue("/b")

	q.Reset()

	assert.True(t, q.Empty())
	assert.Equal(t, 0, q.Len())
}
