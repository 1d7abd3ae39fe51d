// Package timer implements the mapper's single timer task (spec.md
// §4.4.6): a requested-instant register with three states (MAX meaning
// idle, MIN meaning shut down, or an absolute instant), signalling expiry
// back through the shared control channel.
package timer

import (
	"sync"
	"time"

	"github.com/rpkgo/firmware/internal/control"
)

// At requests the timer fire at t. Passing the zero Time requests an
// immediate expiry; passing Max (effectively "never") is how the mapper
// expresses "no pending deadline" between events.
//
// Timer is the capability set named in spec.md §9's Dynamic Dispatch note
// ({at, shutdown, wait_control}); tests substitute a deterministic fake
// implementing this interface instead of the real wall-clock one.
type Timer interface {
	At(t time.Time)
	Shutdown()
}

// Max is the "idle" sentinel instant: no deadline is pending.
var Max = time.Unix(1<<62, 0)

// WallClock is the real timer task: a goroutine that sleeps until the
// most recently requested instant and then signals control.SignalTimerExpired,
// re-arming if At is called again before it fires.
type WallClock struct {
	mu      sync.Mutex
	target  time.Time
	version uint64
	ctrl    *control.Control
	done    chan struct{}
}

// NewWallClock starts the timer task. Signal expiry is delivered on ctrl.
func NewWallClock(ctrl *control.Control) *WallClock {
	w := &WallClock{ctrl: ctrl, target: Max, done: make(chan struct{})}
	return w
}

// At (re)arms the timer for t. The zero Time, or any instant not after
// time.Now, fires effectively immediately; Max disarms it. The MIN
// (shut down) state of spec.md §4.4.6 is entered only through Shutdown.
func (w *WallClock) At(t time.Time) {
	w.mu.Lock()
	w.target = t
	w.version++
	v := w.version
	w.mu.Unlock()
	go w.waitFor(t, v)
}

func (w *WallClock) waitFor(t time.Time, v uint64) {
	if t.Equal(Max) {
		return
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		w.mu.Lock()
		stale := w.version != v
		w.mu.Unlock()
		if !stale {
			w.ctrl.Set(control.SignalTimerExpired)
		}
	case <-w.done:
	}
}

// Shutdown stops the timer task permanently (the MIN/shutdown state).
func (w *WallClock) Shutdown() {
	close(w.done)
}
