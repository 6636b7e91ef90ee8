// Package network models the lossy message network between hosts.
package network

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/anvil/pkg/metrics"
	"github.com/cuemby/anvil/pkg/types"
)

var (
	// ErrDuplicateID is returned when a message id is already in flight
	ErrDuplicateID = errors.New("message id already in flight")
	// ErrNotInFlight is returned when receiving or dropping an unknown message
	ErrNotInFlight = errors.New("message not in flight")
)

// Network is the unordered multiset of in-flight messages. Ids are unique,
// so the multiset is keyed by id.
type Network struct {
	inFlight map[types.MessageID]*types.Message
	// rest ids whose message was dropped; lets checkers tell a dangling
	// reconcile caused by a drop from a runtime bug
	dropped map[types.RestID]bool
}

// New creates an empty network
func New() *Network {
	return &Network{
		inFlight: make(map[types.MessageID]*types.Message),
		dropped:  make(map[types.RestID]bool),
	}
}

// Send inserts msg into the network
func (n *Network) Send(msg *types.Message) error {
	if _, exists := n.inFlight[msg.ID]; exists {
		return fmt.Errorf("send #%d: %w", msg.ID, ErrDuplicateID)
	}
	n.inFlight[msg.ID] = msg
	metrics.MessagesSent.WithLabelValues(string(msg.Src.Kind)).Inc()
	metrics.NetworkInFlight.Set(float64(len(n.inFlight)))
	return nil
}

// Receive removes and returns the message with the given id
func (n *Network) Receive(id types.MessageID) (*types.Message, error) {
	msg, ok := n.inFlight[id]
	if !ok {
		return nil, fmt.Errorf("receive #%d: %w", id, ErrNotInFlight)
	}
	delete(n.inFlight, id)
	metrics.NetworkInFlight.Set(float64(len(n.inFlight)))
	return msg, nil
}

// Drop removes the message without delivering it. Callers gate this on the
// cluster's drop toggle.
func (n *Network) Drop(id types.MessageID) (*types.Message, error) {
	msg, err := n.Receive(id)
	if err != nil {
		return nil, err
	}
	n.dropped[msg.RestID] = true
	metrics.MessagesDropped.Inc()
	return msg, nil
}

// Get returns the in-flight message with the given id
func (n *Network) Get(id types.MessageID) (*types.Message, bool) {
	msg, ok := n.inFlight[id]
	return msg, ok
}

// Contains reports whether a message with the given id is in flight
func (n *Network) Contains(id types.MessageID) bool {
	_, ok := n.inFlight[id]
	return ok
}

// Len returns the number of in-flight messages
func (n *Network) Len() int {
	return len(n.inFlight)
}

// Messages returns the in-flight messages ordered by id
func (n *Network) Messages() []*types.Message {
	out := make([]*types.Message, 0, len(n.inFlight))
	for _, msg := range n.inFlight {
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Filter returns the in-flight messages satisfying pred, ordered by id
func (n *Network) Filter(pred func(*types.Message) bool) []*types.Message {
	var out []*types.Message
	for _, msg := range n.Messages() {
		if pred(msg) {
			out = append(out, msg)
		}
	}
	return out
}

// Count returns the number of in-flight messages satisfying pred
func (n *Network) Count(pred func(*types.Message) bool) int {
	c := 0
	for _, msg := range n.inFlight {
		if pred(msg) {
			c++
		}
	}
	return c
}

// CarriesRestID reports whether any in-flight message carries rest id
func (n *Network) CarriesRestID(restID types.RestID) bool {
	for _, msg := range n.inFlight {
		if msg.RestID == restID {
			return true
		}
	}
	return false
}

// WasDropped reports whether a message with the given rest id was dropped
func (n *Network) WasDropped(restID types.RestID) bool {
	return n.dropped[restID]
}

// Clone returns an independent copy used by snapshots and checkers
func (n *Network) Clone() *Network {
	out := New()
	for id, msg := range n.inFlight {
		out.inFlight[id] = msg.DeepCopy()
	}
	for id := range n.dropped {
		out.dropped[id] = true
	}
	return out
}
