// Package events publishes cluster events to in-process subscribers.
//
// The API server publishes a watch event for every accepted change, controllers
// publish their reconcile lifecycle and the cluster publishes faults. Publish
// never blocks the tick loop: a subscriber whose buffer is full misses the
// event.
package events
