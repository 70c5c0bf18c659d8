package ecs

import "fmt"

// Query returns the live entities that have every listed kind, in ascending
// index order. The result is a snapshot: structural changes made while the
// caller walks it do not alter it.
func (w *World) Query(kinds ...Kind) ([]EntityID, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	cols := make([]column, len(kinds))
	for i, k := range kinds {
		if !IsRegistered(k) {
			return nil, fmt.Errorf("query kind %d: %w", k, ErrUnregisteredComponent)
		}
		cols[i] = w.existingColumn(k)
		if cols[i] == nil {
			return nil, nil
		}
	}

	// Walk the smallest column and probe the others.
	lead := 0
	for i := 1; i < len(cols); i++ {
		if cols[i].size() < cols[lead].size() {
			lead = i
		}
	}

	out := make([]EntityID, 0, cols[lead].size())
	cols[lead].occupancy().each(func(idx uint32) bool {
		for i, c := range cols {
			if i != lead && !c.has(idx) {
				return true
			}
		}
		if id, ok := w.pool.Current(idx); ok {
			out = append(out, id)
		}
		return true
	})
	return out, nil
}

// Count returns how many entities carry kind.
func (w *World) Count(kind Kind) int {
	col := w.existingColumn(kind)
	if col == nil {
		return 0
	}
	return col.size()
}

// Each1 visits every entity with A. The match set is captured before the
// first callback; entities that lose A during iteration are skipped.
func Each1[A any](w *World, fn func(EntityID, *A)) error {
	ca, ia, err := typedColumn[A](w)
	if err != nil {
		return err
	}
	ids, err := w.Query(ia.kind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !w.pool.Alive(id) {
			continue
		}
		a, ok := ca.ptr(id.Index())
		if !ok {
			continue
		}
		fn(id, a)
	}
	return nil
}

// Each2 visits every entity that has both A and B.
func Each2[A, B any](w *World, fn func(EntityID, *A, *B)) error {
	ca, ia, err := typedColumn[A](w)
	if err != nil {
		return err
	}
	cb, ib, err := typedColumn[B](w)
	if err != nil {
		return err
	}
	ids, err := w.Query(ia.kind, ib.kind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !w.pool.Alive(id) {
			continue
		}
		a, okA := ca.ptr(id.Index())
		b, okB := cb.ptr(id.Index())
		if !okA || !okB {
			continue
		}
		fn(id, a, b)
	}
	return nil
}

// Each3 visits every entity that has A, B, and C.
func Each3[A, B, C any](w *World, fn func(EntityID, *A, *B, *C)) error {
	ca, ia, err := typedColumn[A](w)
	if err != nil {
		return err
	}
	cb, ib, err := typedColumn[B](w)
	if err != nil {
		return err
	}
	cc, ic, err := typedColumn[C](w)
	if err != nil {
		return err
	}
	ids, err := w.Query(ia.kind, ib.kind, ic.kind)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if !w.pool.Alive(id) {
			continue
		}
		a, okA := ca.ptr(id.Index())
		b, okB := cb.ptr(id.Index())
		c, okC := cc.ptr(id.Index())
		if !okA || !okB || !okC {
			continue
		}
		fn(id, a, b, c)
	}
	return nil
}
