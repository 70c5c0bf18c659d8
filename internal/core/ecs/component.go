package ecs

import (
	"fmt"
	"math/bits"
)

// bitset tracks column occupancy by entity index.
type bitset []uint64

func (b *bitset) set(i uint32) {
	w := int(i >> 6)
	for w >= len(*b) {
		*b = append(*b, 0)
	}
	(*b)[w] |= 1 << (i & 63)
}

func (b bitset) clear(i uint32) {
	w := int(i >> 6)
	if w < len(b) {
		b[w] &^= 1 << (i & 63)
	}
}

func (b bitset) test(i uint32) bool {
	w := int(i >> 6)
	return w < len(b) && b[w]&(1<<(i&63)) != 0
}

// each visits set bits in ascending order until fn returns false.
func (b bitset) each(fn func(i uint32) bool) {
	for w, word := range b {
		for word != 0 {
			t := bits.TrailingZeros64(word)
			if !fn(uint32(w<<6 + t)) {
				return
			}
			word &= word - 1
		}
	}
}

// column is the type-erased view of a per-kind store, used by World for
// bulk removal on despawn and by the dynamic (script-facing) API.
type column interface {
	has(idx uint32) bool
	getAny(idx uint32) (any, bool)
	setAny(idx uint32, v any) error
	removeAny(idx uint32) (any, bool)
	occupancy() bitset
	size() int
}

// denseColumn stores T values in a slice indexed by entity index.
// Pointers handed out by ptr stay valid until the next insert that grows
// the slice.
type denseColumn[T any] struct {
	values   []T
	occupied bitset
	n        int
}

func newColumn[T any]() *denseColumn[T] {
	return &denseColumn[T]{values: make([]T, 0, 64)}
}

func (c *denseColumn[T]) has(idx uint32) bool { return c.occupied.test(idx) }

func (c *denseColumn[T]) get(idx uint32) (T, bool) {
	if !c.occupied.test(idx) {
		var zero T
		return zero, false
	}
	return c.values[idx], true
}

func (c *denseColumn[T]) ptr(idx uint32) (*T, bool) {
	if !c.occupied.test(idx) {
		return nil, false
	}
	return &c.values[idx], true
}

func (c *denseColumn[T]) set(idx uint32, v T) {
	if int(idx) >= len(c.values) {
		if int(idx) < cap(c.values) {
			c.values = c.values[:idx+1]
		} else {
			grown := make([]T, idx+1, 2*int(idx)+2)
			copy(grown, c.values)
			c.values = grown
		}
	}
	if !c.occupied.test(idx) {
		c.n++
		c.occupied.set(idx)
	}
	c.values[idx] = v
}

func (c *denseColumn[T]) remove(idx uint32) (T, bool) {
	var zero T
	if !c.occupied.test(idx) {
		return zero, false
	}
	v := c.values[idx]
	c.values[idx] = zero
	c.occupied.clear(idx)
	c.n--
	return v, true
}

func (c *denseColumn[T]) getAny(idx uint32) (any, bool) {
	v, ok := c.get(idx)
	if !ok {
		return nil, false
	}
	return v, true
}

func (c *denseColumn[T]) setAny(idx uint32, v any) error {
	tv, ok := v.(T)
	if !ok {
		var zero T
		return fmt.Errorf("component type %T does not match column type %T", v, zero)
	}
	c.set(idx, tv)
	return nil
}

func (c *denseColumn[T]) removeAny(idx uint32) (any, bool) {
	v, ok := c.remove(idx)
	if !ok {
		return nil, false
	}
	return v, true
}

func (c *denseColumn[T]) occupancy() bitset { return c.occupied }
func (c *denseColumn[T]) size() int         { return c.n }
