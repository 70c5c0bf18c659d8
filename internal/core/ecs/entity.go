package ecs

import (
	"fmt"
	"math"
)

// EntityID encodes a 32-bit index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on destroy to invalidate stale refs.
type EntityID uint64

// InvalidEntity never names a live entity; the pool never hands out index
// MaxUint32.
const InvalidEntity = EntityID(math.MaxUint64)

func NewEntityID(index uint32, generation uint32) EntityID {
	return EntityID(uint64(generation)<<32 | uint64(index))
}

func (id EntityID) Index() uint32      { return uint32(id) }
func (id EntityID) Generation() uint32 { return uint32(id >> 32) }

func (id EntityID) String() string {
	return fmt.Sprintf("%dv%d", id.Index(), id.Generation())
}

// EntityPool manages entity allocation with generational indices and a free list.
// An index whose generation would wrap is retired instead of recycled, since a
// wrapped generation would make very old handles look live again.
type EntityPool struct {
	generations []uint32
	retired     []bool
	live        []bool
	freeList    []uint32
	nextIndex   uint32
	count       int
}

func NewEntityPool() *EntityPool {
	return &EntityPool{
		generations: make([]uint32, 0, 1024),
		retired:     make([]bool, 0, 1024),
		live:        make([]bool, 0, 1024),
		freeList:    make([]uint32, 0, 256),
	}
}

// Create pops a recycled index (LIFO) or extends the pool.
func (p *EntityPool) Create() EntityID {
	p.count++
	if len(p.freeList) > 0 {
		idx := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		p.live[idx] = true
		return NewEntityID(idx, p.generations[idx])
	}
	idx := p.nextIndex
	if idx == math.MaxUint32 {
		panic("ecs: entity index space exhausted")
	}
	p.nextIndex++
	p.generations = append(p.generations, 0)
	p.retired = append(p.retired, false)
	p.live = append(p.live, true)
	return NewEntityID(idx, 0)
}

func (p *EntityPool) Alive(id EntityID) bool {
	idx := id.Index()
	if idx >= p.nextIndex {
		return false
	}
	return p.live[idx] && p.generations[idx] == id.Generation()
}

// Destroy invalidates id. It returns false for stale or unknown handles.
func (p *EntityPool) Destroy(id EntityID) bool {
	if !p.Alive(id) {
		return false
	}
	idx := id.Index()
	p.live[idx] = false
	p.count--
	if p.generations[idx] == math.MaxUint32 {
		p.retired[idx] = true
		return true
	}
	p.generations[idx]++
	p.freeList = append(p.freeList, idx)
	return true
}

// Count returns the number of live entities.
func (p *EntityPool) Count() int { return p.count }

// Capacity is one past the highest index ever handed out.
func (p *EntityPool) Capacity() uint32 { return p.nextIndex }

// IsRetired reports whether index will never be handed out again.
func (p *EntityPool) IsRetired(index uint32) bool {
	return index < p.nextIndex && p.retired[index]
}

// Current returns the live handle stored at index, if any.
func (p *EntityPool) Current(index uint32) (EntityID, bool) {
	if index >= p.nextIndex || !p.live[index] {
		return 0, false
	}
	return NewEntityID(index, p.generations[index]), true
}

// setGeneration is a test hook for exercising generation wrap-around.
func (p *EntityPool) setGeneration(index uint32, gen uint32) EntityID {
	p.generations[index] = gen
	return NewEntityID(index, gen)
}
