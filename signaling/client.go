// Package signaling implements the call-control message channel between
// two identities, relayed by the platform's low-latency signaling
// service over a websocket connection.
//
// The relay delivers messages with at-least-once, unordered-within-burst
// semantics; the negotiator owns ordering (candidate queueing behind the
// remote description) so the client stays a thin pipe: JSON in, JSON
// out, subscriber fan-out for inbound messages.
package signaling

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// writeWait bounds a single websocket write. Exceeding it means the
	// link is dead and local operations must fail fast.
	writeWait = 10 * time.Second

	// maxMessageSize bounds inbound control messages. Descriptions are
	// the largest payload and stay well under this.
	maxMessageSize = 64 * 1024

	// subscriberBuffer is the per-subscriber inbound queue length.
	subscriberBuffer = 64
)

// ErrChannelClosed indicates the signaling connection is gone. Any
// in-flight session is unreachable once this is returned.
var ErrChannelClosed = errors.New("signaling channel closed")

// Client is a websocket-backed signaling channel for one local
// identity. One read pump decodes inbound messages and fans them out to
// subscribers; outbound writes are serialized by a mutex.
type Client struct {
	identity string
	clientID string
	conn     *websocket.Conn

	writeMu sync.Mutex

	mu          sync.Mutex
	subscribers map[chan *Message]struct{}
	closed      bool

	done chan struct{}
}

// Dial connects to the signaling relay at url, authenticating as
// identity via request headers, and starts the read pump.
func Dial(url, identity string, header http.Header) (*Client, error) {
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}

	clientID := uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"function":  "Dial",
		"url":       url,
		"identity":  identity,
		"client_id": clientID,
	}).Info("Connecting to signaling relay")

	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Identity", identity)
	header.Set("X-Client-ID", clientID)

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"url":      url,
			"error":    err.Error(),
		}).Error("Signaling relay connection failed")
		return nil, fmt.Errorf("failed to connect signaling relay: %w", err)
	}

	c := newClient(identity, clientID, conn)
	go c.readPump()
	return c, nil
}

// NewClient wraps an already-established websocket connection. Used by
// tests and by applications that manage their own dialing.
func NewClient(identity string, conn *websocket.Conn) *Client {
	c := newClient(identity, uuid.NewString(), conn)
	go c.readPump()
	return c
}

func newClient(identity, clientID string, conn *websocket.Conn) *Client {
	return &Client{
		identity:    identity,
		clientID:    clientID,
		conn:        conn,
		subscribers: make(map[chan *Message]struct{}),
		done:        make(chan struct{}),
	}
}

// Identity returns the local identity this channel authenticates as.
func (c *Client) Identity() string {
	return c.identity
}

// Send encodes and writes one message to the relay. It fails fast with
// ErrChannelClosed once the connection is gone.
func (c *Client) Send(msg *Message) error {
	if msg.From == "" {
		msg.From = c.identity
	}

	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"identity":   c.identity,
			"kind":       msg.Kind,
			"session_id": msg.SessionID,
			"error":      err.Error(),
		}).Error("Signaling write failed")
		c.Close()
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Send",
		"identity":   c.identity,
		"kind":       msg.Kind,
		"to":         msg.To,
		"session_id": msg.SessionID,
	}).Debug("Signaling message sent")

	return nil
}

// Subscribe returns a channel receiving inbound messages and a cancel
// function. The channel is closed on cancel or when the connection
// drops. A slow subscriber drops messages rather than blocking the
// read pump.
func (c *Client) Subscribe() (ch chan *Message, cancel func()) {
	ch = make(chan *Message, subscriberBuffer)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	cancel = func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

// Close tears down the connection and closes all subscriber channels.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := make([]chan *Message, 0, len(c.subscribers))
	for ch := range c.subscribers {
		subs = append(subs, ch)
	}
	c.subscribers = make(map[chan *Message]struct{})
	close(c.done)
	c.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"identity": c.identity,
	}).Info("Signaling channel closed")

	return c.conn.Close()
}

// Done is closed when the channel shuts down, whether locally or
// because the relay connection dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// readPump decodes inbound frames and fans them out until the
// connection drops. Malformed frames are logged and skipped; they must
// not kill the pump.
func (c *Client) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"identity": c.identity,
					"error":    err.Error(),
				}).Warn("Signaling connection dropped")
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"identity": c.identity,
				"error":    err.Error(),
			}).Warn("Discarding malformed signaling message")
			continue
		}

		c.fanOut(msg)
	}
}

// fanOut delivers one message to every subscriber without blocking.
func (c *Client) fanOut(msg *Message) {
	c.mu.Lock()
	subs := make([]chan *Message, 0, len(c.subscribers))
	for ch := range c.subscribers {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			logrus.WithFields(logrus.Fields{
				"function":   "fanOut",
				"identity":   c.identity,
				"kind":       msg.Kind,
				"session_id": msg.SessionID,
			}).Warn("Subscriber queue full, dropping signaling message")
		}
	}
}
