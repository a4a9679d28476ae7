// ABOUTME: Tests for the ordered event cache
// ABOUTME: Covers ordering, in-place replacement, key changes and per-calendar replacement
package events

import (
	"testing"
	"time"

	"github.com/harperreed/calclient/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 2, 9, 9, 0, 0, 0, time.UTC)

func ev(id string, cal models.ID, offset time.Duration) models.Event {
	return models.Event{ID: id, CalendarID: cal, Summary: id, Start: base.Add(offset), End: base.Add(offset + time.Hour)}
}

func keys(evs []models.Event) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Key())
	}
	return out
}

func TestCacheResetOrdersByStart(t *testing.T) {
	c := newCache()
	c.reset([]models.Event{ev("c", "1", 2*time.Hour), ev("a", "1", 0), ev("b", "2", 0)})

	assert.Equal(t, []string{"a", "b", "c"}, keys(c.list()))
	assert.Equal(t, 3, c.len())
}

func TestCachePutReplacesInPlace(t *testing.T) {
	c := newCache()
	c.reset([]models.Event{ev("a", "1", 0), ev("b", "1", time.Hour), ev("c", "1", 2*time.Hour)})

	changed := ev("b", "1", 5*time.Hour)
	changed.Summary = "changed"
	c.put(changed)

	list := c.list()
	assert.Equal(t, []string{"a", "b", "c"}, keys(list))
	assert.Equal(t, "changed", list[1].Summary)
}

func TestCacheSwapKeepsPosition(t *testing.T) {
	c := newCache()
	c.reset([]models.Event{ev("a", "1", 0), ev("b", "1", time.Hour), ev("c", "1", 2*time.Hour)})

	renamed := ev("b", "1", time.Hour)
	renamed.RecurrenceID = "20260209T100000Z"
	c.swap("b", renamed)

	assert.Equal(t, []string{"a", "b@20260209T100000Z", "c"}, keys(c.list()))
	_, ok := c.get("b")
	assert.False(t, ok)
}

func TestCacheSwapUnknownKeyAppends(t *testing.T) {
	c := newCache()
	c.reset([]models.Event{ev("a", "1", 0)})

	c.swap("missing", ev("z", "1", 0))
	assert.Equal(t, []string{"a", "z"}, keys(c.list()))
}

func TestCacheKeysForAndRemove(t *testing.T) {
	c := newCache()
	occ1 := ev("s", "1", 0)
	occ1.RecurrenceID = "r1"
	occ2 := ev("s", "1", 24*time.Hour)
	occ2.RecurrenceID = "r2"
	other := ev("s", "2", time.Hour)
	c.reset([]models.Event{occ1, occ2, other})

	assert.Equal(t, []string{"s@r1", "s@r2"}, c.keysFor("1", "s"))
	assert.Equal(t, []string{"s"}, c.keysFor("2", "s"))

	assert.True(t, c.remove("s@r1"))
	assert.False(t, c.remove("s@r1"))
	assert.Equal(t, []string{"s", "s@r2"}, keys(c.list()))
}

func TestCacheReplaceCalendar(t *testing.T) {
	c := newCache()
	c.reset([]models.Event{ev("a", "1", 0), ev("b", "2", time.Hour), ev("c", "1", 2*time.Hour)})

	c.replaceCalendar("1", []models.Event{ev("d", "1", 3*time.Hour)})

	list := c.list()
	require.Len(t, list, 2)
	assert.Equal(t, []string{"b", "d"}, keys(list))
}
