package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOutAndDropsWhenFull(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: PluginRun, Data: "first"})
	b.Publish(Event{Type: PluginRun, Data: "second"})

	got := <-a
	assert.Equal(t, "first", got.Data)
	assert.False(t, got.Time.IsZero())
	assert.Len(t, c, 2)

	unsubA()
	unsubA()
	_, open := <-a
	assert.False(t, open)

	require.NotPanics(t, func() { b.Publish(Event{Type: HealthChecked}) })
}
