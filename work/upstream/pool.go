package upstream

import (
	"errors"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrEmptyPool is returned when a pool is built without origins.
var ErrEmptyPool = errors.New("upstream pool needs at least one origin")

// Pool rotates over a fixed, ordered list of upstream origins.
type Pool struct {
	origins    []string
	cursor     atomic.Uint64
	selections *xsync.MapOf[string, *xsync.Counter]
}

// NewPool copies origins into a new round-robin pool.
func NewPool(origins []string) (*Pool, error) {
	if len(origins) == 0 {
		return nil, ErrEmptyPool
	}
	p := &Pool{
		origins:    make([]string, len(origins)),
		selections: xsync.NewMapOf[string, *xsync.Counter](),
	}
	copy(p.origins, origins)
	for _, o := range p.origins {
		p.selections.LoadOrCompute(o, xsync.NewCounter)
	}
	return p, nil
}

// Next returns the origin under the cursor and advances it. Safe for
// concurrent use; every caller gets a distinct cursor value.
func (p *Pool) Next() string {
	i := p.cursor.Add(1) - 1
	origin := p.origins[i%uint64(len(p.origins))]
	if c, ok := p.selections.Load(origin); ok {
		c.Inc()
	}
	return origin
}

// Len returns the number of origins.
func (p *Pool) Len() int {
	return len(p.origins)
}

// Origins returns a copy of the configured origins in rotation order.
func (p *Pool) Origins() []string {
	out := make([]string, len(p.origins))
	copy(out, p.origins)
	return out
}

// Selections reports how often Next has handed out each origin.
func (p *Pool) Selections() map[string]int64 {
	out := make(map[string]int64, p.selections.Size())
	p.selections.Range(func(origin string, c *xsync.Counter) bool {
		out[origin] = c.Value()
		return true
	})
	return out
}
