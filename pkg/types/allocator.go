package types

import "fmt"

// Allocator hands out strictly increasing identifiers. Message ids, rest ids,
// object uids and resource versions are all drawn from the same counter, so
// every value is unique over the cluster lifetime.
//
// Allocator is not safe for concurrent use; the cluster serializes access.
type Allocator struct {
	counter uint64
}

// NewAllocator returns an allocator whose first value is 1
func NewAllocator() *Allocator {
	return &Allocator{counter: 1}
}

// Next returns the current counter and advances it
func (a *Allocator) Next() uint64 {
	v := a.counter
	a.counter++
	return v
}

// Counter returns the next value to be handed out. Every allocated value is
// strictly below it.
func (a *Allocator) Counter() uint64 {
	return a.counter
}

// Restore sets the counter after recovering persisted state. The counter
// never moves backwards.
func (a *Allocator) Restore(counter uint64) error {
	if counter < a.counter {
		return fmt.Errorf("allocator cannot move backwards from %d to %d", a.counter, counter)
	}
	a.counter = counter
	return nil
}
