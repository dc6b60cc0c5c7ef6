// Package store is the keyed tree every other component reads and writes.
// It owns all persisted entities; the engines validate against it and commit
// mutations, and every successful commit is handed to a sink (the broker) in
// commit order.
package store

import (
	"context"
	"encoding/json"
)

// OpKind selects what a commit op does to its path.
type OpKind int

const (
	// OpPut replaces the subtree at Path with Value.
	OpPut OpKind = iota
	// OpPatch merges the named fields of Value into the object at Path
	// without touching sibling fields.
	OpPatch
	// OpDelete removes the subtree at Path.
	OpDelete
)

// Op is one path mutation inside a commit.
type Op struct {
	Kind  OpKind
	Path  Path
	Value any
}

// Put, Patch and Delete are shorthand constructors for commit ops.
func Put(p Path, v any) Op              { return Op{Kind: OpPut, Path: p, Value: v} }
func Patch(p Path, f map[string]any) Op { return Op{Kind: OpPatch, Path: p, Value: f} }
func Delete(p Path) Op                  { return Op{Kind: OpDelete, Path: p} }

// Event describes one committed mutation batch. Paths lists every path the
// commit wrote or deleted; Seq is the store-wide commit sequence number.
// Events reach the sink in Seq order.
type Event struct {
	Seq   uint64
	Paths []Path
}

// Snapshot is the current value of a subtree. Value is the JSON encoding of
// the subtree (children appear as nested objects); Exists is false when
// nothing is stored at or under the path, in which case Value is nil.
type Snapshot struct {
	Path    Path
	Value   json.RawMessage
	Exists  bool
	Version uint64
}

// Decode unmarshals the snapshot value into v. Absent snapshots decode to
// the zero value without error.
func (s Snapshot) Decode(v any) error {
	if !s.Exists {
		return nil
	}
	return json.Unmarshal(s.Value, v)
}

// Children decodes the snapshot as a one-level map of child key to raw
// child value. Non-object and absent snapshots yield an empty map.
func (s Snapshot) Children() map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	if !s.Exists {
		return out
	}
	_ = json.Unmarshal(s.Value, &out)
	return out
}

// Store is durable keyed storage with subtree-granular reads and atomic
// multi-path commits. Implementations serialize commits: the sink observes
// them in a total order, and anything a Read returns reflects a prefix of
// that order. Multi-path commits apply all-or-nothing; no reader or
// subscriber ever observes a half-applied batch.
type Store interface {
	// Read returns the current value at path, or Exists=false when absent.
	Read(ctx context.Context, p Path) (Snapshot, error)

	// Write replaces the value at path. Equivalent to a one-op commit.
	Write(ctx context.Context, p Path, value any) error

	// Patch merges fields into the object at path, leaving siblings alone.
	Patch(ctx context.Context, p Path, fields map[string]any) error

	// Delete removes the subtree at path. Deleting an absent path is a no-op
	// that still commits (and notifies), matching remove() semantics.
	Delete(ctx context.Context, p Path) error

	// Commit applies ops atomically. Paths are validated up front; the
	// commit is rejected as a whole on the first invalid op.
	Commit(ctx context.Context, ops []Op) error

	// SetSink registers the change-event consumer. The sink is invoked
	// under the commit lock, so invocation order is commit order; it must
	// not call back into the store.
	SetSink(sink func(Event))

	// Seq returns the sequence number of the latest commit.
	Seq() uint64
}

// normalize round-trips v through JSON so the tree only ever holds the JSON
// data model (map[string]any, []any, string, float64, bool, nil).
func normalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
