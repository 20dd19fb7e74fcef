package events

import (
	"github.com/isovm-labs/isovm/pkg/isovm/v1/events"
	isovmlog "github.com/isovm-labs/isovm/pkg/isovm/v1/log"
)

// ChannelEventBus implements the public events.Bus interface using a
// buffered Go channel. Emission is non-blocking: a full buffer drops the
// event and logs a warning rather than stalling the runtime's single
// cooperative execution thread.
type ChannelEventBus struct {
	channel chan events.Event
	log     isovmlog.Logger
}

// NewChannelEventBus creates a ChannelEventBus with the given buffer size
// (defaulting to 100 if non-positive). Panics if log is nil.
func NewChannelEventBus(bufferSize int, log isovmlog.Logger) *ChannelEventBus {
	const defaultBufferSize = 100
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if log == nil {
		panic("ChannelEventBus requires a non-nil logger")
	}

	bus := &ChannelEventBus{
		channel: make(chan events.Event, bufferSize),
		log:     log.With("component", "ChannelEventBus"),
	}
	bus.log.Debugf("ChannelEventBus initialized with buffer size %d", bufferSize)
	return bus
}

// Emit attempts a non-blocking send. If the buffer is full, the event is
// dropped and a warning is logged.
func (c *ChannelEventBus) Emit(event events.Event) {
	select {
	case c.channel <- event:
		c.log.Debugf("Emitted event type '%s'", event.Type)
	default:
		c.log.Warnf("Event channel buffer full, dropping event type '%s'", event.Type)
	}
}

// GetChannel returns the underlying event channel for consumers such as
// MetricsEventListener. Not part of the public events.Bus interface.
func (c *ChannelEventBus) GetChannel() <-chan events.Event {
	return c.channel
}

// Close closes the underlying channel, signaling consumers of GetChannel
// that no further events will be sent.
func (c *ChannelEventBus) Close() {
	c.log.Debugf("Closing ChannelEventBus channel.")
	close(c.channel)
}

var _ events.Bus = (*ChannelEventBus)(nil)
