package control_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rpkgo/firmware/internal/control"
)

func TestSet_DeliversToChan(t *testing.T) {
	c := control.New()
	c.Set(control.SignalReload)

	select {
	case s := <-c.Chan():
		assert.Equal(t, control.SignalReload, s)
	default:
		t.Fatal("expected a pending signal")
	}
}

func TestSet_OverwritesUnreadSignal(t *testing.T) {
	c := control.New()
	c.Set(control.SignalReload)
	c.Set(control.SignalTimerExpired)

	s := <-c.Chan()
	assert.Equal(t, control.SignalTimerExpired, s, "second Set must discard the first, unread signal")

	select {
	case <-c.Chan():
		t.Fatal("expected only one pending signal")
	default:
	}
}

func TestSet_AfterReadDeliversCleanly(t *testing.T) {
	c := control.New()
	c.Set(control.SignalReload)
	<-c.Chan()

	c.Set(control.SignalExit)
	assert.Equal(t, control.SignalExit, <-c.Chan())
}
