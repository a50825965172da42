package pipeline

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Dedup is a bounded set of recently forwarded message ids.
type Dedup struct {
	seen *lru.Cache[string, struct{}]
}

// NewDedup returns a set remembering the last size message ids.
func NewDedup(size int) (*Dedup, error) {
	if size <= 0 {
		size = 10000
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Dedup{seen: c}, nil
}

// Seen reports whether id was already forwarded.
func (d *Dedup) Seen(id string) bool {
	return d.seen.Contains(id)
}

// Mark records id as forwarded.
func (d *Dedup) Mark(id string) {
	d.seen.Add(id, struct{}{})
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	return d.seen.Len()
}
