// ABOUTME: Ordered, keyed event cache
// ABOUTME: Keeps one entry per occurrence key and preserves position on replacement
package events

import (
	"sort"

	"github.com/harperreed/calclient/models"
)

type cache struct {
	order []string
	items map[string]models.Event
}

func newCache() *cache {
	return &cache{items: make(map[string]models.Event)}
}

// reset replaces the contents with evs ordered by start time.
func (c *cache) reset(evs []models.Event) {
	sorted := append([]models.Event(nil), evs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start.Equal(sorted[j].Start) {
			return sorted[i].Key() < sorted[j].Key()
		}
		return sorted[i].Start.Before(sorted[j].Start)
	})

	c.order = c.order[:0]
	c.items = make(map[string]models.Event, len(sorted))
	for _, ev := range sorted {
		c.put(ev)
	}
}

func (c *cache) get(key string) (models.Event, bool) {
	ev, ok := c.items[key]
	return ev, ok
}

// put inserts ev, replacing an existing entry with the same key in place.
func (c *cache) put(ev models.Event) {
	key := ev.Key()
	if _, ok := c.items[key]; !ok {
		c.order = append(c.order, key)
	}
	c.items[key] = ev
}

// swap replaces the entry at oldKey with ev, keeping its position.
func (c *cache) swap(oldKey string, ev models.Event) {
	newKey := ev.Key()
	if oldKey == newKey {
		c.items[newKey] = ev
		return
	}
	if _, ok := c.items[newKey]; ok {
		c.remove(newKey)
	}
	for i, k := range c.order {
		if k == oldKey {
			c.order[i] = newKey
			delete(c.items, oldKey)
			c.items[newKey] = ev
			return
		}
	}
	c.put(ev)
}

func (c *cache) remove(key string) bool {
	if _, ok := c.items[key]; !ok {
		return false
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// keysFor returns the keys of every cached occurrence of eventID in calendarID.
func (c *cache) keysFor(calendarID models.ID, eventID string) []string {
	var keys []string
	for _, k := range c.order {
		ev := c.items[k]
		if ev.ID == eventID && ev.CalendarID == calendarID {
			keys = append(keys, k)
		}
	}
	return keys
}

// replaceCalendar drops every entry of calendarID and appends evs.
func (c *cache) replaceCalendar(calendarID models.ID, evs []models.Event) {
	kept := c.order[:0]
	for _, k := range c.order {
		if c.items[k].CalendarID == calendarID {
			delete(c.items, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
	for _, ev := range evs {
		c.put(ev)
	}
}

func (c *cache) list() []models.Event {
	out := make([]models.Event, 0, len(c.order))
	for _, k := range c.order {
		out = append(out, c.items[k])
	}
	return out
}

func (c *cache) len() int {
	return len(c.order)
}
