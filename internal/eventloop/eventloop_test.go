package eventloop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTickRunsQueuedStepsOnce(t *testing.T) {
	l := New()
	var ran []int
	l.Post(func() { ran = append(ran, 1) })
	l.Post(func() { ran = append(ran, 2) })

	n := l.Tick()
	assert.Equal(t, 2, n)
	assert.Equal(t, []int{1, 2}, ran)
	assert.Equal(t, 0, l.Pending())
}

func TestStepRequeueingRunsOnNextTick(t *testing.T) {
	l := New()
	var ran []int
	var step func()
	step = func() {
		ran = append(ran, len(ran))
		if len(ran) < 3 {
			l.Post(step)
		}
	}
	l.Post(step)

	l.Tick()
	assert.Equal(t, []int{0}, ran)
	l.Tick()
	assert.Equal(t, []int{0, 1}, ran)
	l.Tick()
	assert.Equal(t, []int{0, 1, 2}, ran)
}

func TestPanickingStepDoesNotWedgeTheLoop(t *testing.T) {
	l := New()
	ok := false
	l.Post(func() { panic("boom") })
	l.Post(func() { ok = true })

	assert.NotPanics(t, func() { l.Tick() })
	assert.True(t, ok)
}

func TestStopUnblocksRun(t *testing.T) {
	l := New()
	done := make(chan struct{})
	go func() {
		l.Run(context.Background())
		close(done)
	}()
	l.Stop()
	<-done
}
