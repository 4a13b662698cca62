package overlay

// seenCache remembers the most recent message ids, evicting oldest first.
// It is not safe for concurrent use.
type seenCache struct {
	max   int
	ids   map[MessageID]struct{}
	order []MessageID
	head  int
}

func newSeenCache(max int) *seenCache {
	if max <= 0 {
		max = 4096
	}
	return &seenCache{
		max:   max,
		ids:   make(map[MessageID]struct{}, max),
		order: make([]MessageID, 0, max),
	}
}

// Add records id and reports whether it was new.
func (c *seenCache) Add(id MessageID) bool {
	if _, ok := c.ids[id]; ok {
		return false
	}
	if len(c.order) < c.max {
		c.order = append(c.order, id)
	} else {
		delete(c.ids, c.order[c.head])
		c.order[c.head] = id
		c.head = (c.head + 1) % c.max
	}
	c.ids[id] = struct{}{}
	return true
}

func (c *seenCache) Len() int { return len(c.ids) }
