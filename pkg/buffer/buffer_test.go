package buffer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularBufferFIFOOrder(t *testing.T) {
	buf, err := NewCircularBuffer[int](4)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 1; i <= 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, 4, buf.Capacity())

	for i := 1; i <= 3; i++ {
		item, ok := buf.Read()
		require.True(t, ok)
		assert.Equal(t, i, item)
	}

	_, ok := buf.Read()
	assert.False(t, ok)
	assert.True(t, buf.IsEmpty())
}

func TestCircularBufferDropOldest(t *testing.T) {
	var dropped []string
	buf, err := NewCircularBuffer(2,
		WithOverflowPolicy[string](DropOldest),
		WithDropCallback[string](func(item string) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c"))

	assert.Equal(t, []string{"a"}, dropped)

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "b", item)

	assert.Equal(t, int64(1), buf.Stats().Drops())
	assert.Equal(t, int64(1), buf.Stats().Overflows())
}

func TestCircularBufferDropNewest(t *testing.T) {
	buf, err := NewCircularBuffer(2, WithOverflowPolicy[string](DropNewest))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))
	require.NoError(t, buf.Write("c"))

	item, ok := buf.Read()
	require.True(t, ok)
	assert.Equal(t, "a", item)
	assert.Equal(t, int64(1), buf.Stats().Drops())
}

func TestCircularBufferReadBatch(t *testing.T) {
	buf, err := NewCircularBuffer[int](8)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 0; i < 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	batch := buf.ReadBatch(3)
	assert.Equal(t, []int{0, 1, 2}, batch)

	batch = buf.ReadBatch(10)
	assert.Equal(t, []int{3, 4}, batch)

	assert.Nil(t, buf.ReadBatch(10))
	assert.Nil(t, buf.ReadBatch(0))
}

func TestCircularBufferWrapAround(t *testing.T) {
	buf, err := NewCircularBuffer[int](3)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	// Cycle through the ring several times
	next := 0
	for round := 0; round < 5; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, buf.Write(next + i))
		}
		batch := buf.ReadBatch(3)
		assert.Equal(t, []int{next, next + 1, next + 2}, batch)
		next += 3
	}

	assert.Equal(t, int64(15), buf.Stats().Writes())
	assert.Equal(t, int64(15), buf.Stats().Reads())
	assert.Equal(t, int64(3), buf.Stats().MaxSize())
}

func TestCircularBufferWriteAfterClose(t *testing.T) {
	buf, err := NewCircularBuffer[int](2)
	require.NoError(t, err)

	require.NoError(t, buf.Close())
	require.NoError(t, buf.Close()) // idempotent

	err = buf.Write(1)
	assert.Error(t, err)
}

func TestCircularBufferClearInvokesDropCallback(t *testing.T) {
	var dropped []int
	buf, err := NewCircularBuffer(4,
		WithDropCallback[int](func(item int) { dropped = append(dropped, item) }),
	)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}

	buf.Clear()
	assert.Equal(t, []int{0, 1, 2}, dropped)
	assert.True(t, buf.IsEmpty())
}

func TestCircularBufferConcurrentProducers(t *testing.T) {
	buf, err := NewCircularBuffer[int](1024)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	const producers = 8
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				_ = buf.Write(i)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, producers*perProducer, buf.Size())
	assert.Equal(t, int64(producers*perProducer), buf.Stats().Writes())
}
