// Package relay propagates store commit notifications between nodes sharing
// one durable store. A commit on node A is just a (seq, paths) envelope; the
// broker on node B re-reads the shared store, so the relay never carries
// values, only invalidations.
//
// Two transports are supported: "broadcast" uses a topic exchange with a
// throwaway queue per node (lost on disconnect, fine for live clients that
// resnapshot on reconnect), and "stream" appends envelopes to a RabbitMQ
// stream, giving a totally ordered feed that a node can rejoin at the tail.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	streamamqp "github.com/rabbitmq/rabbitmq-stream-go-client/pkg/amqp"
	"github.com/rabbitmq/rabbitmq-stream-go-client/pkg/stream"
	"go.uber.org/zap"

	"chatsync/internal/broker"
	"chatsync/internal/store"
)

// Mode selects the relay transport.
type Mode string

const (
	ModeBroadcast Mode = "broadcast"
	ModeStream    Mode = "stream"
)

type envelope struct {
	NodeID string   `json:"node_id"`
	Seq    uint64   `json:"seq"`
	Paths  []string `json:"paths"`
}

// Relay publishes local commits and injects foreign ones into the local
// broker. Publish is queue-and-return: the store sink runs under the commit
// lock and must not do network I/O there.
type Relay struct {
	client *Client
	broker *broker.Broker
	nodeID string
	mode   Mode
	stream string
	log    *zap.Logger

	producer *stream.Producer

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []envelope
	stopped bool
}

func New(client *Client, b *broker.Broker, nodeID string, mode Mode, streamName string, log *zap.Logger) (*Relay, error) {
	r := &Relay{
		client: client,
		broker: b,
		nodeID: nodeID,
		mode:   mode,
		stream: streamName,
		log:    log,
	}
	r.qcond = sync.NewCond(&r.qmu)

	if mode == ModeStream {
		if err := client.DeclareStream(streamName); err != nil {
			return nil, err
		}
		producer, err := client.StreamEnv.NewProducer(streamName, stream.NewProducerOptions())
		if err != nil {
			return nil, fmt.Errorf("create stream producer: %w", err)
		}
		r.producer = producer
	}
	return r, nil
}

// Publish enqueues a local commit for cross-node fan-out. Safe to call from
// the store sink.
func (r *Relay) Publish(ev store.Event) {
	paths := make([]string, len(ev.Paths))
	for i, p := range ev.Paths {
		paths[i] = string(p)
	}
	r.qmu.Lock()
	r.queue = append(r.queue, envelope{NodeID: r.nodeID, Seq: ev.Seq, Paths: paths})
	r.qmu.Unlock()
	r.qcond.Signal()
}

// Start runs the publisher loop and the consumer for the configured
// transport until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.qmu.Lock()
		r.stopped = true
		r.qmu.Unlock()
		r.qcond.Broadcast()
	}()
	go r.publishLoop(ctx)

	switch r.mode {
	case ModeStream:
		return r.consumeStream(ctx)
	default:
		return r.consumeBroadcast(ctx)
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		r.qmu.Lock()
		for len(r.queue) == 0 && !r.stopped {
			r.qcond.Wait()
		}
		if r.stopped {
			r.qmu.Unlock()
			return
		}
		env := r.queue[0]
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		if err := r.send(ctx, env); err != nil {
			r.log.Error("relay publish failed", zap.Uint64("seq", env.Seq), zap.Error(err))
		}
	}
}

func (r *Relay) send(ctx context.Context, env envelope) error {
	if r.mode == ModeStream {
		bytes, err := json.Marshal(env)
		if err != nil {
			return err
		}
		return r.producer.Send(streamamqp.NewMessage(bytes))
	}
	return r.client.Publish(ctx, routingKeyCommit, env)
}

func (r *Relay) consumeBroadcast(ctx context.Context) error {
	msgs, err := r.client.ConsumeBroadcast("store.#")
	if err != nil {
		return fmt.Errorf("consume broadcast: %w", err)
	}
	r.log.Info("relay consuming broadcast exchange", zap.String("node", r.nodeID))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("broadcast channel closed")
			}
			r.inject(d.Body)
		}
	}
}

func (r *Relay) consumeStream(ctx context.Context) error {
	consumer, err := r.client.StreamEnv.NewConsumer(
		r.stream,
		func(_ stream.ConsumerContext, message *streamamqp.Message) {
			r.inject(message.GetData())
		},
		stream.NewConsumerOptions().
			// New nodes join at the tail: clients re-snapshot on connect,
			// so replaying history buys nothing.
			SetOffset(stream.OffsetSpecification{}.Last()),
	)
	if err != nil {
		return fmt.Errorf("start stream consumer: %w", err)
	}
	defer consumer.Close()
	r.log.Info("relay consuming commit stream",
		zap.String("stream", r.stream), zap.String("node", r.nodeID))

	<-ctx.Done()
	return nil
}

func (r *Relay) inject(body []byte) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.log.Warn("bad relay envelope", zap.Error(err))
		return
	}
	if env.NodeID == r.nodeID {
		return // our own commit, the local broker already saw it
	}
	paths := make([]store.Path, len(env.Paths))
	for i, p := range env.Paths {
		paths[i] = store.Path(p)
	}
	r.broker.Inject(store.Event{Seq: env.Seq, Paths: paths})
}
