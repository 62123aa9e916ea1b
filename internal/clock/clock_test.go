package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresInDeadlineOrder(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []string
	var seen []time.Time
	c.AfterFunc(3*time.Second, func() {
		order = append(order, "late")
		seen = append(seen, c.Now())
	})
	c.AfterFunc(time.Second, func() {
		order = append(order, "early")
		seen = append(seen, c.Now())
	})

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"early"}, order)
	assert.Equal(t, 1, c.Pending())

	c.Advance(5 * time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
	require.Len(t, seen, 2)
	assert.Equal(t, start.Add(time.Second), seen[0])
	assert.Equal(t, start.Add(3*time.Second), seen[1])
	assert.Equal(t, start.Add(7*time.Second), c.Now())
}

func TestFakeStop(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
	assert.Equal(t, 0, c.Pending())
}

func TestFakeCallbackMayReschedule(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	c.Advance(10 * time.Second)
	assert.Equal(t, 3, count)
}
