package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lib/pq"
)

// PostgresStore is the durable backend. Rows in store_nodes are disjoint:
// each row's JSONB value covers its whole subtree and no row is an ancestor
// of another. Writing below an existing row first splits that row into its
// children until the invariant holds again. Every commit appends a row to
// store_commits, which assigns the store-wide sequence number.
//
// A process-level mutex serializes commits so the sink sees them in sequence
// order. Reads go straight to the database.
type PostgresStore struct {
	db   *sql.DB
	mu   sync.Mutex
	seq  uint64
	sink func(Event)
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	row := db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM store_commits`)
	if err := row.Scan(&s.seq); err != nil {
		return nil, fmt.Errorf("read last commit seq: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) SetSink(sink func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *PostgresStore) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *PostgresStore) Read(ctx context.Context, p Path) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return Snapshot{}, err
	}
	return readSnapshot(ctx, s.db, p)
}

func (s *PostgresStore) Write(ctx context.Context, p Path, value any) error {
	return s.Commit(ctx, []Op{Put(p, value)})
}

func (s *PostgresStore) Patch(ctx context.Context, p Path, fields map[string]any) error {
	return s.Commit(ctx, []Op{Patch(p, fields)})
}

func (s *PostgresStore) Delete(ctx context.Context, p Path) error {
	return s.Commit(ctx, []Op{Delete(p)})
}

func (s *PostgresStore) Commit(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	ev := Event{Paths: make([]Path, 0, len(normalized))}
	for _, op := range normalized {
		ev.Paths = append(ev.Paths, op.Path)
	}

	paths := make([]string, len(ev.Paths))
	for i, p := range ev.Paths {
		paths[i] = string(p)
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO store_commits (paths) VALUES ($1) RETURNING seq`,
		pq.Array(paths),
	).Scan(&ev.Seq); err != nil {
		return fmt.Errorf("append commit record: %w", err)
	}

	for _, op := range normalized {
		switch op.Kind {
		case OpPut:
			if op.Value == nil {
				err = txDelete(ctx, tx, op.Path, ev.Seq)
			} else {
				err = txPut(ctx, tx, op.Path, op.Value, ev.Seq)
			}
		case OpPatch:
			fields, _ := op.Value.(map[string]any)
			err = txPatch(ctx, tx, op.Path, fields, ev.Seq)
		case OpDelete:
			err = txDelete(ctx, tx, op.Path, ev.Seq)
		}
		if err != nil {
			return fmt.Errorf("apply %q: %w", op.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.seq = ev.Seq
	if s.sink != nil {
		s.sink(ev)
	}
	return nil
}

// splitAncestor breaks any row covering p into child rows until no row is a
// strict ancestor of p. Each pass moves the covering row one level deeper,
// so the loop terminates within the depth of p.
func splitAncestor(ctx context.Context, tx *sql.Tx, p Path, seq uint64) error {
	for {
		var ancestor string
		var raw []byte
		err := tx.QueryRowContext(ctx,
			`SELECT path, value FROM store_nodes WHERE $1 LIKE path || '/%' LIMIT 1`,
			string(p),
		).Scan(&ancestor, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find covering row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM store_nodes WHERE path = $1`, ancestor); err != nil {
			return fmt.Errorf("drop covering row: %w", err)
		}

		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			// A scalar sat where a branch is being written; overwrite wins.
			return nil
		}
		for key, child := range obj {
			childPath := ancestor + "/" + key
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO store_nodes (path, value, version) VALUES ($1, $2, $3)`,
				childPath, []byte(child), seq,
			); err != nil {
				return fmt.Errorf("split child %q: %w", childPath, err)
			}
		}
	}
}

func txPut(ctx context.Context, tx *sql.Tx, p Path, value any, seq uint64) error {
	if err := splitAncestor(ctx, tx, p, seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_nodes WHERE path = $1 OR path LIKE $1 || '/%'`,
		string(p),
	); err != nil {
		return fmt.Errorf("clear subtree: %w", err)
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO store_nodes (path, value, version) VALUES ($1, $2, $3)`,
		string(p), raw, seq,
	); err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func txPatch(ctx context.Context, tx *sql.Tx, p Path, fields map[string]any, seq uint64) error {
	snap, err := readSnapshotTx(ctx, tx, p)
	if err != nil {
		return err
	}
	current := map[string]any{}
	if snap.Exists {
		// Patching a scalar replaces it with an object, like merge().
		_ = json.Unmarshal(snap.Value, &current)
	}
	for k, v := range fields {
		if v == nil {
			delete(current, k)
		} else {
			current[k] = v
		}
	}
	return txPut(ctx, tx, p, current, seq)
}

func txDelete(ctx context.Context, tx *sql.Tx, p Path, seq uint64) error {
	// Splitting first makes a delete inside a covering row carve out just
	// the requested subtree.
	if err := splitAncestor(ctx, tx, p, seq); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM store_nodes WHERE path = $1 OR path LIKE $1 || '/%'`,
		string(p),
	); err != nil {
		return fmt.Errorf("delete subtree: %w", err)
	}
	return nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func readSnapshot(ctx context.Context, q rowQuerier, p Path) (Snapshot, error) {
	return assemble(ctx, q, p)
}

func readSnapshotTx(ctx context.Context, tx *sql.Tx, p Path) (Snapshot, error) {
	return assemble(ctx, tx, p)
}

// assemble reconstructs the subtree at p from the disjoint rows that
// intersect it: either one covering row (extract the sub-value), an exact
// row, or a set of descendant rows grafted into a nested object.
func assemble(ctx context.Context, q rowQuerier, p Path) (Snapshot, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT path, value, version FROM store_nodes
		 WHERE path = $1 OR path LIKE $1 || '/%' OR $1 LIKE path || '/%'`,
		string(p),
	)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query subtree %q: %w", p, err)
	}
	defer rows.Close()

	snap := Snapshot{Path: p}
	var tree any
	found := false
	for rows.Next() {
		var rowPath string
		var raw []byte
		var version uint64
		if err := rows.Scan(&rowPath, &raw, &version); err != nil {
			return Snapshot{}, err
		}
		var value any
		if err := json.Unmarshal(raw, &value); err != nil {
			return Snapshot{}, fmt.Errorf("decode node %q: %w", rowPath, err)
		}

		switch {
		case rowPath == string(p):
			tree = value
			snap.Version = version
			found = true
		case Path(rowPath).IsAncestorOf(p):
			rel := strings.TrimPrefix(string(p), rowPath+"/")
			sub, ok := lookup(value, strings.Split(rel, "/"))
			if ok {
				tree = sub
				found = true
			}
		default: // descendant row
			branch, ok := tree.(map[string]any)
			if !ok {
				branch = make(map[string]any)
				tree = branch
			}
			rel := strings.TrimPrefix(rowPath, string(p)+"/")
			put(branch, strings.Split(rel, "/"), value)
			found = true
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, err
	}
	if !found {
		return snap, nil
	}
	raw, err := json.Marshal(tree)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Value = raw
	snap.Exists = true
	return snap, nil
}
