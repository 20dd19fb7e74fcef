package events

import "github.com/isovm-labs/isovm/pkg/isovm/v1/events"

// NoOpEventBus is a fallback events.Bus implementation used when no
// listener is configured. It ensures emitting components never need to
// nil-check their bus.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a NoOpEventBus.
func NewNoOpEventBus() events.Bus {
	return &NoOpEventBus{}
}

// Emit discards event.
func (n *NoOpEventBus) Emit(event events.Event) {}

var _ events.Bus = (*NoOpEventBus)(nil)
