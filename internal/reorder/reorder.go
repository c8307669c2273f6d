// Package reorder restores sender order for items that may arrive out of
// order or more than once over several racing paths.
package reorder

// Buffer delivers items strictly in sequence-number order, each exactly once.
// Numbering starts at 0. An item whose predecessor never arrives is held
// forever; nothing is evicted except by delivery.
//
// Buffer is not safe for concurrent use.
type Buffer[T any] struct {
	deliver       func(T)
	lastDelivered int
	pending       map[int]T
}

func New[T any](deliver func(T)) *Buffer[T] {
	return &Buffer[T]{
		deliver:       deliver,
		lastDelivered: -1,
		pending:       make(map[int]T),
	}
}

// Push accepts the item numbered i. It reports whether the item was kept
// (delivered or buffered); duplicates and stale items are dropped.
func (b *Buffer[T]) Push(i int, v T) bool {
	switch {
	case i == b.lastDelivered+1:
		b.deliver(v)
		b.lastDelivered = i
		for {
			next, ok := b.pending[b.lastDelivered+1]
			if !ok {
				break
			}
			delete(b.pending, b.lastDelivered+1)
			b.lastDelivered++
			b.deliver(next)
		}
		return true
	case i > b.lastDelivered+1:
		b.pending[i] = v
		return true
	default:
		return false
	}
}

// LastDelivered is the highest sequence number delivered so far, or -1.
func (b *Buffer[T]) LastDelivered() int { return b.lastDelivered }

// Pending is the number of items waiting on a gap.
func (b *Buffer[T]) Pending() int { return len(b.pending) }
