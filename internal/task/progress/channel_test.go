package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeUnknown(t *testing.T) {
	t.Parallel()
	c := NewChannel(4)
	_, err := c.Subscribe("nope", 0)
	assert.ErrorIs(t, err, ErrUnknownInvocation)
	assert.False(t, c.Publish("nope", "x", nil))

	c.Open("inv")
	c.Close("inv")
	_, err = c.Subscribe("inv", 0)
	assert.ErrorIs(t, err, ErrUnknownInvocation)
}

func TestNoReplayAndFiniteStream(t *testing.T) {
	t.Parallel()
	c := NewChannel(8)
	c.Open("inv")
	require.True(t, c.Publish("inv", "before", nil))

	sub, err := c.Subscribe("inv", 0)
	require.NoError(t, err)
	c.Sink("inv").Report("fetching", map[string]any{"n": 1})
	c.Publish("inv", PhaseSuccess, nil)
	c.Close("inv")

	var phases []string
	for ev := range sub.C() {
		assert.Equal(t, "inv", ev.InvocationID)
		phases = append(phases, ev.Phase)
	}
	assert.Equal(t, []string{"fetching", PhaseSuccess}, phases)
	assert.False(t, c.Publish("inv", "after", nil))
	assert.Zero(t, c.Active())
}

func TestDropOldestNeverBlocks(t *testing.T) {
	t.Parallel()
	c := NewChannel(2)
	c.Open("inv")
	sub, err := c.Subscribe("inv", 2)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			c.Publish("inv", string(rune('a'+i)), nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.EqualValues(t, 8, sub.Dropped())
	assert.EqualValues(t, 8, c.Dropped())
	assert.Equal(t, "i", (<-sub.C()).Phase)
	assert.Equal(t, "j", (<-sub.C()).Phase)

	sub.Close()
	sub.Close()
	assert.True(t, c.Publish("inv", "k", nil), "stream stays open after a subscriber leaves")
}

func TestEventsSequence(t *testing.T) {
	t.Parallel()
	c := NewChannel(8)
	c.Open("inv")
	seq, err := c.Events(context.Background(), "inv")
	require.NoError(t, err)

	go func() {
		c.Publish("inv", "one", nil)
		c.Publish("inv", "two", nil)
		c.Close("inv")
	}()

	var phases []string
	for ev := range seq {
		phases = append(phases, ev.Phase)
	}
	assert.Equal(t, []string{"one", "two"}, phases)
}

func TestEventsStopsOnContext(t *testing.T) {
	t.Parallel()
	c := NewChannel(8)
	c.Open("inv")
	ctx, cancel := context.WithCancel(context.Background())
	seq, err := c.Events(ctx, "inv")
	require.NoError(t, err)
	cancel()

	n := 0
	for range seq {
		n++
	}
	assert.Zero(t, n)
}
