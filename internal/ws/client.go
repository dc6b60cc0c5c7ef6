package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/internal/broker"
	"chatsync/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxFrameSize = 4096
	sendBuffer   = 256
)

// clientFrame is what the browser sends: subscribe/unsubscribe plus a topic.
type clientFrame struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// serverFrame is every delivery to the browser. Snapshot and update frames
// carry the full current value of the topic; error frames carry the domain
// code.
type serverFrame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Exists  bool            `json:"exists,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity domain.Identity
	connID   string

	send chan []byte

	mu   sync.Mutex
	subs map[string]*broker.Subscription
	done chan struct{}
	once sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, id domain.Identity) *Client {
	return &Client{
		hub:      hub,
		conn:     conn,
		identity: id,
		connID:   uuid.New().String(),
		send:     make(chan []byte, sendBuffer),
		subs:     make(map[string]*broker.Subscription),
		done:     make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.identity.ID }

// teardown closes every subscription and releases the write pump. Called by
// the hub exactly once, on unregister. The send channel itself is never
// closed — forwarder goroutines may still be selecting on it — the done
// channel shuts everything down instead.
func (c *Client) teardown() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for topic, sub := range c.subs {
			sub.Close()
			delete(c.subs, topic)
		}
		c.mu.Unlock()
	})
}

// ReadPump consumes client frames until the connection drops, then asks the
// hub to unregister.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("ws read failed", zap.String("user", c.UserID()), zap.Error(err))
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("", domain.ErrInvalidPath)
			continue
		}
		switch frame.Action {
		case "subscribe":
			c.subscribe(frame.Topic)
		case "unsubscribe":
			c.unsubscribe(frame.Topic)
		default:
			c.sendError(frame.Topic, domain.ErrInvalidPath)
		}
	}
}

// WritePump drains the send channel and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) subscribe(topic string) {
	ctx := context.Background()
	path, err := resolveTopic(ctx, c.hub.store, c.UserID(), topic)
	if err != nil {
		c.sendError(topic, err)
		return
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return // already subscribed, snapshot was delivered once
	}
	sub, err := c.hub.broker.Subscribe(ctx, path)
	if err != nil {
		c.mu.Unlock()
		c.sendError(topic, err)
		return
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	filter := isTypingPath(path)

	initial := sub.Initial.Value
	if filter {
		initial = c.hub.tracker.Prune(initial)
	}
	c.enqueue(serverFrame{
		Type:   "snapshot",
		Topic:  topic,
		Value:  initial,
		Exists: initial != nil,
		Seq:    sub.Initial.Version,
	})

	go func() {
		for u := range sub.Updates() {
			value := u.Value
			exists := u.Exists
			if filter {
				value = c.hub.tracker.Prune(value)
				exists = value != nil
			}
			c.enqueue(serverFrame{
				Type:   "update",
				Topic:  topic,
				Value:  value,
				Exists: exists,
				Seq:    u.Seq,
			})
		}
	}()
}

func (c *Client) unsubscribe(topic string) {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	if ok {
		delete(c.subs, topic)
	}
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (c *Client) sendError(topic string, err error) {
	c.enqueue(serverFrame{
		Type:    "error",
		Topic:   topic,
		Code:    domain.CodeOf(err),
		Message: err.Error(),
	})
}

// enqueue is a non-blocking handoff to the write pump. A client that cannot
// keep up is disconnected rather than allowed to stall the dispatcher.
func (c *Client) enqueue(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.hub.log.Warn("client send buffer full, disconnecting",
			zap.String("user", c.UserID()), zap.String("conn", c.connID))
		go func() { c.hub.Unregister <- c }()
	}
}
