// Package messaging validates and commits chat messages. Ordering is owned
// by the server: ids are monotonic ULIDs assigned under the engine lock at
// commit time, so id order, commit order and timestamp order agree. Client
// timestamps are never consulted.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"chatsync/internal/domain"
	"chatsync/internal/store"
)

// ChatKey derives the direct-chat partition key: both participant ids sorted
// lexicographically and joined. Either side computes the same key without a
// lookup, and the pair maps to exactly one partition.
func ChatKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// SendRequest carries one send command. IdempotencyKey is optional: retries
// bearing the same key return the originally committed message instead of
// appending a duplicate.
type SendRequest struct {
	Sender         domain.Identity
	RecipientID    string
	Content        string
	IsGroup        bool
	IdempotencyKey string
}

type Engine struct {
	store store.Store
	log   *zap.Logger
	clock func() time.Time

	// mu is held from id assignment through commit, which is what makes
	// ULID order equal commit order within the process.
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewEngine(st store.Store, log *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		log:     log,
		clock:   time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetClock overrides the commit clock. Tests only.
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// partition returns the storage base and partition key for a send target.
func partition(senderID, recipientID string, isGroup bool) (base string, key string) {
	if isGroup {
		return "groupMessages", recipientID
	}
	return "messages", ChatKey(senderID, recipientID)
}

// SendMessage validates, orders and commits one message. The commit also
// clears the sender's typing marker for the target scope, and records the
// idempotency key when one is given — all in the same atomic batch.
func (e *Engine) SendMessage(ctx context.Context, req SendRequest) (*domain.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, domain.ErrEmptyContent
	}

	base, key := partition(req.Sender.ID, req.RecipientID, req.IsGroup)

	if req.IsGroup {
		if err := e.requireMember(ctx, key, req.Sender.ID); err != nil {
			return nil, err
		}
	}

	// The lock covers the dedup read as well as the commit: a retry racing
	// the original request must observe its dedup entry, not slip past it.
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.IdempotencyKey != "" {
		dedupPath := store.Join("dedup", key, req.IdempotencyKey)
		if err := dedupPath.Validate(); err != nil {
			return nil, err
		}
		snap, err := e.store.Read(ctx, dedupPath)
		if err != nil {
			return nil, fmt.Errorf("read dedup index: %w", err)
		}
		if snap.Exists {
			var msgID string
			if err := snap.Decode(&msgID); err != nil {
				return nil, fmt.Errorf("decode dedup entry: %w", err)
			}
			return e.message(ctx, base, key, msgID)
		}
	}

	now := e.clock()
	id := ulid.MustNew(ulid.Timestamp(now), e.entropy).String()

	msg := domain.Message{
		ID:                id,
		Content:           content,
		Sender:            req.Sender.ID,
		SenderDisplayName: req.Sender.DisplayName,
		Timestamp:         now.UnixMilli(),
		Read:              false,
	}

	ops := []store.Op{
		store.Put(store.Join(base, key, id), msg),
		// Sending ends the sender's typing indicator for this conversation.
		store.Delete(store.Join("typing", key, req.Sender.ID)),
	}
	if req.IdempotencyKey != "" {
		ops = append(ops, store.Put(store.Join("dedup", key, req.IdempotencyKey), id))
	}

	if err := e.store.Commit(ctx, ops); err != nil {
		return nil, fmt.Errorf("commit message: %w", err)
	}
	return &msg, nil
}

// requireMember rejects group sends and reads from users outside the group,
// mirroring the check subscriptions perform on the same partition.
func (e *Engine) requireMember(ctx context.Context, gid, uid string) error {
	snap, err := e.store.Read(ctx, store.Join("groups", gid, "members", uid))
	if err != nil {
		return fmt.Errorf("read membership: %w", err)
	}
	if !snap.Exists {
		return fmt.Errorf("group %s: %w", gid, domain.ErrNotMember)
	}
	return nil
}

func (e *Engine) message(ctx context.Context, base, key, id string) (*domain.Message, error) {
	snap, err := e.store.Read(ctx, store.Join(base, key, id))
	if err != nil {
		return nil, fmt.Errorf("read message %s: %w", id, err)
	}
	if !snap.Exists {
		return nil, fmt.Errorf("dedup entry points at missing message %s: %w", id, domain.ErrUnavailable)
	}
	var msg domain.Message
	if err := snap.Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead flips read=false→true on every message in the partition not sent
// by the reader, as one atomic multi-path patch. Re-invocation finds nothing
// unread and commits nothing, so it is idempotent and retry-safe.
func (e *Engine) MarkRead(ctx context.Context, chatOrGroupID, readerID string, isGroup bool) error {
	base := "messages"
	if isGroup {
		base = "groupMessages"
		if err := e.requireMember(ctx, chatOrGroupID, readerID); err != nil {
			return err
		}
	}
	partitionPath := store.Join(base, chatOrGroupID)
	snap, err := e.store.Read(ctx, partitionPath)
	if err != nil {
		return fmt.Errorf("read partition: %w", err)
	}

	var ops []store.Op
	for id, raw := range snap.Children() {
		var msg domain.Message
		if err := unmarshal(raw, &msg); err != nil {
			e.log.Warn("skipping undecodable message", zap.String("id", id), zap.Error(err))
			continue
		}
		if msg.Sender != readerID && !msg.Read {
			ops = append(ops, store.Patch(partitionPath.Child(id), map[string]any{"read": true}))
		}
	}
	if len(ops) == 0 {
		return nil
	}
	if err := e.store.Commit(ctx, ops); err != nil {
		return fmt.Errorf("commit read flags: %w", err)
	}
	return nil
}

// listMessages returns the partition contents sorted by commit timestamp,
// ties broken by id. Because ids are monotonic ULIDs this is also id order.
// Subscribers get the raw partition over the broker; this is a test helper.
func (e *Engine) listMessages(ctx context.Context, chatOrGroupID string, isGroup bool) ([]domain.Message, error) {
	base := "messages"
	if isGroup {
		base = "groupMessages"
	}
	snap, err := e.store.Read(ctx, store.Join(base, chatOrGroupID))
	if err != nil {
		return nil, fmt.Errorf("read partition: %w", err)
	}

	msgs := make([]domain.Message, 0)
	for id, raw := range snap.Children() {
		var msg domain.Message
		if err := unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.ID == "" {
			msg.ID = id
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	return json.Unmarshal(raw, v)
}
