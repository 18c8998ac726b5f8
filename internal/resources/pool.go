// Package resources allocates the identifiers a flow needs: cookies, meters
// and transit encapsulation ids.
package resources

import (
	"errors"
	"fmt"
	"sync"
)

// ErrResourceExhausted is returned when a pool has no free identifier left.
var ErrResourceExhausted = errors.New("resources: exhausted")

// ErrInvalidRange is returned when a pool is configured with min > max.
var ErrInvalidRange = errors.New("resources: invalid range")

// Pool hands out integers from a closed range, lowest free id first.
type Pool struct {
	name     string
	min, max int64

	mu   sync.Mutex
	used map[int64]struct{}
	next int64
}

// NewPool returns a pool over [min, max].
func NewPool(name string, min, max int64) (*Pool, error) {
	if min > max {
		return nil, fmt.Errorf("%w: %s [%d, %d]", ErrInvalidRange, name, min, max)
	}
	return &Pool{
		name: name,
		min:  min,
		max:  max,
		used: make(map[int64]struct{}),
		next: min,
	}, nil
}

// Name returns the pool name used in errors.
func (p *Pool) Name() string { return p.name }

// Allocate returns the lowest free id at or after the last allocation,
// wrapping around once.
func (p *Pool) Allocate() (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	if int64(len(p.used)) >= size {
		return 0, fmt.Errorf("%s: %w", p.name, ErrResourceExhausted)
	}
	id := p.next
	for i := int64(0); i < size; i++ {
		if _, taken := p.used[id]; !taken {
			p.used[id] = struct{}{}
			p.next = id + 1
			if p.next > p.max {
				p.next = p.min
			}
			return id, nil
		}
		id++
		if id > p.max {
			id = p.min
		}
	}
	return 0, fmt.Errorf("%s: %w", p.name, ErrResourceExhausted)
}

// AllocateSpecific claims id, failing if it is outside the range or taken.
func (p *Pool) AllocateSpecific(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < p.min || id > p.max {
		return fmt.Errorf("%s: id %d outside [%d, %d]", p.name, id, p.min, p.max)
	}
	if _, taken := p.used[id]; taken {
		return fmt.Errorf("%s: id %d already allocated", p.name, id)
	}
	p.used[id] = struct{}{}
	return nil
}

// Release returns id to the pool. Releasing a free id is a no-op.
func (p *Pool) Release(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, taken := p.used[id]; !taken {
		return
	}
	delete(p.used, id)
	if id < p.next {
		p.next = id
	}
}

// InUse reports whether id is allocated.
func (p *Pool) InUse(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.used[id]
	return ok
}

// Len returns the number of allocated ids.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}

// CookiePool is a reference counted pool of unmasked flow cookies. Rerouting
// re-acquires the cookie a flow already holds, so the value survives until
// both the old and the new path pair let go of it.
type CookiePool struct {
	pool *Pool

	mu   sync.Mutex
	refs map[uint64]int
}

// NewCookiePool returns a cookie pool over [min, max].
func NewCookiePool(min, max uint64) (*CookiePool, error) {
	p, err := NewPool("cookie", int64(min), int64(max))
	if err != nil {
		return nil, err
	}
	return &CookiePool{pool: p, refs: make(map[uint64]int)}, nil
}

// Allocate takes a fresh cookie.
func (c *CookiePool) Allocate() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, err := c.pool.Allocate()
	if err != nil {
		return 0, err
	}
	c.refs[uint64(id)] = 1
	return uint64(id), nil
}

// Acquire adds a reference to an existing cookie, claiming it first if no
// one holds it.
func (c *CookiePool) Acquire(cookie uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.refs[cookie]; ok {
		c.refs[cookie] = n + 1
		return nil
	}
	if err := c.pool.AllocateSpecific(int64(cookie)); err != nil {
		return err
	}
	c.refs[cookie] = 1
	return nil
}

// Release drops one reference and frees the cookie on the last one.
func (c *CookiePool) Release(cookie uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.refs[cookie]
	if !ok {
		return
	}
	if n > 1 {
		c.refs[cookie] = n - 1
		return
	}
	delete(c.refs, cookie)
	c.pool.Release(int64(cookie))
}

// Refs returns the reference count of cookie.
func (c *CookiePool) Refs(cookie uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs[cookie]
}

// Len returns the number of distinct cookies in use.
func (c *CookiePool) Len() int { return c.pool.Len() }
