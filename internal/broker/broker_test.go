package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"go.uber.org/zap"

	"chatsync/internal/store"
)

func newBroker(t *testing.T) (*Broker, *store.MemoryStore, context.CancelFunc) {
	t.Helper()
	st := store.NewMemoryStore()
	b := New(st, zap.NewNop())
	st.SetSink(b.Inject)
	ctx, cancel := context.WithCancel(context.Background())
	go b.Run(ctx)
	return b, st, cancel
}

func recv(t *testing.T, sub *Subscription) Update {
	t.Helper()
	select {
	case u, ok := <-sub.Updates():
		if !ok {
			t.Fatal("updates channel closed")
		}
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for update")
	}
	return Update{}
}

func TestSubscribeDeliversSnapshotThenUpdates(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	st.Write(ctx, "users/u1/friends/u2", map[string]any{"addedAt": 1})

	sub, err := b.Subscribe(ctx, "users/u1/friends")
	assert.Equal(t, nil, err)
	defer sub.Close()

	assert.Equal(t, true, sub.Initial.Exists)

	st.Write(ctx, "users/u1/friends/u3", map[string]any{"addedAt": 2})

	u := recv(t, sub)
	assert.Equal(t, true, u.Exists)
	children := map[string]any{}
	assert.Equal(t, nil, json.Unmarshal(u.Value, &children))
	_, hasU2 := children["u2"]
	_, hasU3 := children["u3"]
	assert.Equal(t, true, hasU2)
	assert.Equal(t, true, hasU3)
}

func TestAncestorAndDescendantCommitsReachSubscriber(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "users/u1/friends")
	assert.Equal(t, nil, err)
	defer sub.Close()

	// Descendant write.
	st.Write(ctx, "users/u1/friends/u2", map[string]any{"addedAt": 1})
	u := recv(t, sub)
	assert.Equal(t, true, u.Exists)

	// Ancestor delete takes the whole subtree away.
	st.Delete(ctx, "users/u1")
	u = recv(t, sub)
	assert.Equal(t, false, u.Exists)
}

func TestUnrelatedCommitNotDelivered(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "users/u1/friends")
	assert.Equal(t, nil, err)
	defer sub.Close()

	st.Write(ctx, "users/u2/friends/u3", map[string]any{"addedAt": 1})
	st.Write(ctx, "users/u1/friends/u2", map[string]any{"addedAt": 2})

	// The only delivery is the one for our path; its seq is the second commit.
	u := recv(t, sub)
	assert.Equal(t, uint64(2), u.Seq)
	select {
	case extra := <-sub.Updates():
		t.Fatalf("unexpected extra update: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMultiPathCommitDeliversOnce(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "users/u1")
	assert.Equal(t, nil, err)
	defer sub.Close()

	// One commit touching two paths under the subscription delivers one frame.
	st.Commit(ctx, []store.Op{
		store.Put("users/u1/friends/u2", map[string]any{"addedAt": 1}),
		store.Put("users/u1/pendingRequests/u3", map[string]any{"timestamp": 1}),
	})

	u := recv(t, sub)
	assert.Equal(t, uint64(1), u.Seq)
	select {
	case extra := <-sub.Updates():
		t.Fatalf("one commit produced two deliveries: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "users/u1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	// Channel is closed; a subsequent commit cannot be delivered.
	_, ok := <-sub.Updates()
	assert.Equal(t, false, ok)

	st.Write(ctx, "users/u1/friends/u2", map[string]any{"addedAt": 1})
	sub.Close() // second close is a no-op
}

func TestLateSubscriberGetsCurrentSnapshot(t *testing.T) {
	b, st, cancel := newBroker(t)
	defer cancel()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		st.Write(ctx, "counters/n", i)
	}

	sub, err := b.Subscribe(ctx, "counters/n")
	assert.Equal(t, nil, err)
	defer sub.Close()

	var n int
	assert.Equal(t, nil, sub.Initial.Decode(&n))
	assert.Equal(t, 4, n)
}
