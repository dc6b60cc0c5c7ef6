// Package broker fans Store change events out to live queries. The contract
// is "full current value now, then every future change": Subscribe delivers
// a synchronous snapshot, then one update per commit that touches the path,
// in commit order. There is no event log; a late subscriber just gets the
// then-current snapshot.
package broker

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"chatsync/internal/store"
)

// Update is one delivery on a subscription. Value is the full re-read value
// of the subscribed path after the commit (nil + Exists=false when the
// subtree is gone); Seq is the commit that triggered it.
type Update struct {
	Path   store.Path
	Value  json.RawMessage
	Exists bool
	Seq    uint64
}

// Subscription is one live query. Initial is the snapshot taken at
// registration. Updates is closed by Close and never delivers after Close
// returns.
type Subscription struct {
	Path    store.Path
	Initial store.Snapshot

	broker  *Broker
	updates chan Update
	closed  bool
}

// Updates is the stream of post-snapshot deliveries, in per-path commit
// order. When the consumer falls behind the oldest buffered update is
// dropped in favor of the newer one; values are full snapshots, so the
// latest delivery always reflects everything before it.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Close unsubscribes. No update is delivered after Close returns, and any
// in-flight delivery happened before it.
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Broker tracks live queries and replays store change events against them.
// A single dispatch goroutine consumes the sequenced event feed, so
// deliveries per path are FIFO in commit order. Ordering across unrelated
// paths is not guaranteed, and not promised.
type Broker struct {
	store store.Store
	log   *zap.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}

	// Unbounded FIFO of pending events. The store calls Inject under its
	// commit lock, so Inject must never block on the dispatcher — the
	// dispatcher reads from the store and would deadlock against a blocked
	// committer.
	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []store.Event
	stopped bool
}

func New(st store.Store, log *zap.Logger) *Broker {
	b := &Broker{
		store: st,
		log:   log,
		subs:  make(map[*Subscription]struct{}),
	}
	b.qcond = sync.NewCond(&b.qmu)
	return b
}

// Run consumes the event feed until ctx is done. Call it once, in its own
// goroutine, after wiring Inject as the store sink.
func (b *Broker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		b.qmu.Lock()
		b.stopped = true
		b.qmu.Unlock()
		b.qcond.Broadcast()
	}()

	for {
		b.qmu.Lock()
		for len(b.queue) == 0 && !b.stopped {
			b.qcond.Wait()
		}
		if b.stopped {
			b.qmu.Unlock()
			return
		}
		ev := b.queue[0]
		b.queue = b.queue[1:]
		b.qmu.Unlock()

		b.dispatch(ev)
	}
}

// Inject feeds one committed change event into the broker. The store invokes
// it as its sink; the relay invokes it for commits that happened on other
// nodes. It never blocks.
func (b *Broker) Inject(ev store.Event) {
	b.qmu.Lock()
	b.queue = append(b.queue, ev)
	b.qmu.Unlock()
	b.qcond.Signal()
}

// Subscribe registers a live query on path and returns its snapshot plus the
// update stream. The snapshot read and the registration happen under the
// same lock the dispatcher takes, so no commit is both missing from the
// snapshot and skipped by the stream.
func (b *Broker) Subscribe(ctx context.Context, p store.Path) (*Subscription, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	snap, err := b.store.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	sub := &Subscription{
		Path:    p,
		Initial: snap,
		broker:  b,
		updates: make(chan Update, 16),
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// SubscriberCount is used by metrics.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(b.subs, sub)
	close(sub.updates)
}

// dispatch re-reads every subscribed path the commit touches and delivers
// the fresh value. One commit produces at most one delivery per
// subscription, so an atomic multi-path commit is never observed half-done.
func (b *Broker) dispatch(ev store.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		touched := false
		for _, p := range ev.Paths {
			if p.Touches(sub.Path) {
				touched = true
				break
			}
		}
		if !touched {
			continue
		}

		snap, err := b.store.Read(context.Background(), sub.Path)
		if err != nil {
			b.log.Warn("re-read for subscriber failed",
				zap.String("path", string(sub.Path)), zap.Error(err))
			continue
		}
		u := Update{Path: sub.Path, Value: snap.Value, Exists: snap.Exists, Seq: ev.Seq}
		for {
			select {
			case sub.updates <- u:
			default:
				// Consumer is behind: drop the oldest buffered update and
				// retry. Updates are whole snapshots, so dropping an
				// intermediate one loses nothing except an intermediate
				// frame, and order is preserved.
				select {
				case <-sub.updates:
				default:
				}
				continue
			}
			break
		}
	}
}
