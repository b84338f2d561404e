// Package buffer provides a thread-safe circular buffer used to stage
// datagrams between a socket read loop and downstream decoding. The
// overflow policy decides what happens when producers outpace
// consumers; statistics are always collected, Prometheus export is
// opt-in via WithMetrics.
package buffer

// Buffer is a generic bounded FIFO parameterized by item type T.
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow
	// policy.
	Write(item T) error

	// Read retrieves and removes one item. Returns the zero value and
	// false when empty.
	Read() (T, bool)

	// ReadBatch retrieves and removes up to max items. The returned
	// slice may be shorter than max.
	ReadBatch(max int) []T

	// Size returns the current number of items.
	Size() int

	// Capacity returns the maximum number of items.
	Capacity() int

	// IsEmpty returns true when the buffer holds no items.
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns the buffer's statistics.
	Stats() *Statistics

	// Close shuts the buffer down. Writes after Close fail; blocked
	// writers are woken.
	Close() error
}

// OverflowPolicy defines behavior when the buffer reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item when the buffer is full.
	DropNewest

	// Block makes Write wait until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is invoked with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Returns an error if Prometheus metric registration fails when
// metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
