package rooms

// Dedup collapses the at-least-once overlap between a join snapshot
// and the live stream. Not safe for concurrent use; each subscriber
// owns its own instance.
type Dedup struct {
	seen map[EventKey]struct{}
}

// NewDedup returns an empty Dedup.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[EventKey]struct{})}
}

// Observe records the key and reports whether it was already seen.
func (d *Dedup) Observe(key EventKey) bool {
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}
