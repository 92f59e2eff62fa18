package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adas-system/driver-monitor/internal/models"
)

func TestPublishReplacesPrevious(t *testing.T) {
	b := NewBoard()
	b.Publish([]string{"Eyes closed", "stay alert"})
	b.Publish([]string{"Phone detected"})

	assert.Equal(t, []string{"Phone detected"}, b.Latest().Commands)
}

func TestClearNotifiesOnlyWhenActive(t *testing.T) {
	b := NewBoard()
	var seen []models.Alert
	b.OnChange(func(a models.Alert) { seen = append(seen, a) })

	b.Clear()
	require.Empty(t, seen, "clearing an empty board is silent")

	b.Publish([]string{"Eyes closed"})
	b.Clear()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Active())
	assert.False(t, seen[1].Active())
	assert.False(t, b.Latest().Active())
}

func TestSubscribeKeepsOnlyNewest(t *testing.T) {
	b := NewBoard()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.Publish([]string{"one"})
	b.Publish([]string{"two"})
	b.Publish([]string{"three"})

	got := <-ch
	assert.Equal(t, []string{"three"}, got.Commands)
	select {
	case extra := <-ch:
		t.Fatalf("unexpected backlog value %v", extra)
	default:
	}
}

func TestLatestIsACopy(t *testing.T) {
	b := NewBoard()
	cmds := []string{"Eyes closed"}
	b.Publish(cmds)
	cmds[0] = "mutated"

	latest := b.Latest()
	latest.Commands[0] = "also mutated"
	assert.Equal(t, []string{"Eyes closed"}, b.Latest().Commands)
}
