package ime

// DefaultReplayCacheSize bounds the number of remembered resolved events.
const DefaultReplayCacheSize = 40

// ReplayCache remembers the identities of events that were already handed
// to the local pipeline so a re-delivery is not forwarded twice. It is a
// fixed-size FIFO: the oldest identity is forgotten first.
type ReplayCache struct {
	ring []KeyEvent
	head int
	size int
	set  map[KeyEvent]struct{}
}

// NewReplayCache returns a cache holding at most capacity identities.
func NewReplayCache(capacity int) *ReplayCache {
	if capacity <= 0 {
		capacity = DefaultReplayCacheSize
	}
	return &ReplayCache{
		ring: make([]KeyEvent, capacity),
		set:  make(map[KeyEvent]struct{}, capacity),
	}
}

// Add remembers ev. It reports false if ev was already present.
func (c *ReplayCache) Add(ev KeyEvent) bool {
	if _, ok := c.set[ev]; ok {
		return false
	}
	if c.size == len(c.ring) {
		delete(c.set, c.ring[c.head])
		c.ring[c.head] = ev
		c.head = (c.head + 1) % len(c.ring)
	} else {
		c.ring[(c.head+c.size)%len(c.ring)] = ev
		c.size++
	}
	c.set[ev] = struct{}{}
	return true
}

// Contains reports whether ev is remembered.
func (c *ReplayCache) Contains(ev KeyEvent) bool {
	_, ok := c.set[ev]
	return ok
}

// Len returns the number of remembered identities.
func (c *ReplayCache) Len() int { return c.size }

// Cap returns the capacity.
func (c *ReplayCache) Cap() int { return len(c.ring) }
