package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore keeps the whole tree in process memory. It is the default
// backend for a single node and the test double for everything built on the
// Store interface. A single mutex serializes commits, which is what gives
// the sink its commit-order guarantee.
type MemoryStore struct {
	mu       sync.RWMutex
	root     map[string]any
	versions map[Path]uint64
	seq      uint64
	sink     func(Event)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:     make(map[string]any),
		versions: make(map[Path]uint64),
	}
}

func (s *MemoryStore) SetSink(sink func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *MemoryStore) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

func (s *MemoryStore) Read(_ context.Context, p Path) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return Snapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := lookup(s.root, p.Segments())
	snap := Snapshot{Path: p, Version: s.versions[p]}
	if !ok {
		return snap, nil
	}
	raw, err := json.Marshal(node)
	if err != nil {
		return Snapshot{}, fmt.Errorf("marshal subtree %q: %w", p, err)
	}
	snap.Value = raw
	snap.Exists = true
	return snap, nil
}

func (s *MemoryStore) Write(ctx context.Context, p Path, value any) error {
	return s.Commit(ctx, []Op{Put(p, value)})
}

func (s *MemoryStore) Patch(ctx context.Context, p Path, fields map[string]any) error {
	return s.Commit(ctx, []Op{Patch(p, fields)})
}

func (s *MemoryStore) Delete(ctx context.Context, p Path) error {
	return s.Commit(ctx, []Op{Delete(p)})
}

func (s *MemoryStore) Commit(_ context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	// Validate and normalize everything before touching the tree, so a bad
	// op rejects the batch as a whole.
	normalized := make([]Op, len(ops))
	for i, op := range ops {
		if err := op.Path.Validate(); err != nil {
			return err
		}
		n := op
		if op.Kind != OpDelete {
			v, err := normalize(op.Value)
			if err != nil {
				return fmt.Errorf("encode value for %q: %w", op.Path, err)
			}
			n.Value = v
		}
		normalized[i] = n
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev := Event{Seq: s.seq + 1, Paths: make([]Path, 0, len(normalized))}
	for _, op := range normalized {
		segs := op.Path.Segments()
		switch op.Kind {
		case OpPut:
			if op.Value == nil {
				remove(s.root, segs)
			} else {
				put(s.root, segs, op.Value)
			}
		case OpPatch:
			fields, _ := op.Value.(map[string]any)
			merge(s.root, segs, fields)
		case OpDelete:
			remove(s.root, segs)
		}
		ev.Paths = append(ev.Paths, op.Path)
	}

	s.seq++
	for _, p := range ev.Paths {
		s.versions[p] = s.seq
	}
	if s.sink != nil {
		s.sink(ev)
	}
	return nil
}

// lookup walks the tree; ok is false when any segment is missing or a
// scalar sits where a branch is needed.
func lookup(node any, segs []string) (any, bool) {
	cur := node
	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// put replaces the subtree at segs, materializing parents. A scalar in the
// way of a parent is overwritten by a branch, matching set() semantics.
func put(root map[string]any, segs []string, value any) {
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value
}

// merge applies a field map onto the object at segs. A nil field value
// deletes that field, the way update() treats null.
func merge(root map[string]any, segs []string, fields map[string]any) {
	cur := root
	for _, seg := range segs {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	for k, v := range fields {
		if v == nil {
			delete(cur, k)
		} else {
			cur[k] = v
		}
	}
}

// remove deletes the subtree at segs and prunes emptied parents so absent
// means absent all the way up.
func remove(root map[string]any, segs []string) {
	parents := make([]map[string]any, 0, len(segs))
	cur := root
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		parents = append(parents, cur)
		cur = next
	}
	delete(cur, segs[len(segs)-1])

	// Prune upward.
	for i := len(parents) - 1; i >= 0; i-- {
		if len(cur) > 0 {
			break
		}
		delete(parents[i], segs[i])
		cur = parents[i]
	}
}
