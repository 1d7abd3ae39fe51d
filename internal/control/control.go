// Package control implements the one-slot control signal shared between
// the config endpoint, the timer task, and the mapper (spec.md §5).
package control

// Signal is a message delivered over the one-slot control channel.
type Signal int

const (
	// SignalNone is never actually delivered; it is the zero value.
	SignalNone Signal = iota
	// SignalReload tells the mapper to hot-reload the layout artifact
	// just written by the config endpoint.
	SignalReload
	// SignalTimerExpired tells the mapper the timer task's requested
	// instant has arrived; the mapper re-evaluates dual-action deadlines
	// and mouse report timing.
	SignalTimerExpired
	// SignalExit tells the mapper's main loop to return. Used only by
	// tests (spec.md §5: "delivered, causes the mapper to return").
	SignalExit
)

// Control is a one-slot mailbox: Set always leaves exactly the most
// recently set value pending, overwriting (not queueing) anything unread.
// This matches the embedded firmware's single outstanding control message;
// there is no history of missed signals to replay.
type Control struct {
	ch chan Signal
}

// New creates an empty control signal.
func New() *Control {
	return &Control{ch: make(chan Signal, 1)}
}

// Set delivers s, discarding any previously set but unread signal.
func (c *Control) Set(s Signal) {
	select {
	case c.ch <- s:
		return
	default:
	}
	select {
	case <-c.ch:
	default:
	}
	c.ch <- s
}

// Chan returns the channel the mapper's select loop reads from.
func (c *Control) Chan() <-chan Signal { return c.ch }
