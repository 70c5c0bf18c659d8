package input

import (
	"errors"

	"github.com/google/uuid"
)

// MaxBindings caps the bindings one script instance may hold.
const MaxBindings = 256

// MaxPending caps fired callbacks waiting for a later frame.
const MaxPending = 4 * MaxBindings

var ErrTooManyBindings = errors.New("too many key bindings")

// Binding attaches a script callback (held by the runtime under ID) to a
// key press edge.
type Binding struct {
	ID  string
	Key Key
}

// BindingSet is the per-instance binding table. Bindings fire in the order
// they were created; presses beyond the per-frame budget queue up.
type BindingSet struct {
	list    []Binding
	pending []string
}

// Add registers a binding for k and returns its id.
func (b *BindingSet) Add(k Key) (string, error) {
	if len(b.list) >= MaxBindings {
		return "", ErrTooManyBindings
	}
	id := uuid.NewString()
	b.list = append(b.list, Binding{ID: id, Key: k})
	return id, nil
}

// Remove drops the binding with id and its queued calls, reporting whether
// it existed.
func (b *BindingSet) Remove(id string) bool {
	for i, bd := range b.list {
		if bd.ID == id {
			b.list = append(b.list[:i], b.list[i+1:]...)
			kept := b.pending[:0]
			for _, p := range b.pending {
				if p != id {
					kept = append(kept, p)
				}
			}
			b.pending = kept
			return true
		}
	}
	return false
}

func (b *BindingSet) Len() int { return len(b.list) }

// Pending is the number of queued calls.
func (b *BindingSet) Pending() int { return len(b.pending) }

// Enqueue queues every binding whose key went down in snap and returns how
// many had to be dropped because the queue was full. Call once per frame.
func (b *BindingSet) Enqueue(snap *Snapshot) (dropped int) {
	for _, bd := range b.list {
		if !snap.IsKeyJustPressed(bd.Key) {
			continue
		}
		if len(b.pending) >= MaxPending {
			dropped++
			continue
		}
		b.pending = append(b.pending, bd.ID)
	}
	return dropped
}

// Next pops up to max queued ids, oldest first (max <= 0 takes all).
func (b *BindingSet) Next(max int) []string {
	n := len(b.pending)
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]string, n)
	copy(out, b.pending[:n])
	b.pending = append(b.pending[:0], b.pending[n:]...)
	return out
}

// Triggered is Enqueue followed by Next.
func (b *BindingSet) Triggered(snap *Snapshot, max int) []string {
	b.Enqueue(snap)
	return b.Next(max)
}
