package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceRunsDueTimersInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []string

	c.AfterFunc(2*time.Second, func() { order = append(order, "b") })
	c.AfterFunc(time.Second, func() { order = append(order, "a") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "c") })

	c.Advance(3 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.Pending())

	d, ok := c.NextDeadline()
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, d)
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Zero(t, c.Pending())
}

func TestFakeNestedScheduling(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var at []time.Duration
	start := c.Now()

	var tick func()
	tick = func() {
		at = append(at, c.Now().Sub(start))
		if len(at) < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, at)
	assert.Equal(t, start.Add(10*time.Second), c.Now())
}
