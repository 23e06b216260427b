package glitter

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ParseEndpoint splits a ws:// endpoint into the listen address and path.
func ParseEndpoint(addr string) (host string, path string, err error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", "", fmt.Errorf("parse endpoint %q: %w", addr, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", "", fmt.Errorf("endpoint %q: scheme should be ws or wss", addr)
	}
	if u.Path == "" {
		return "", "", fmt.Errorf("endpoint %q: missing path", addr)
	}
	return u.Host, u.Path, nil
}

// ActionClient is the worker side of the action channel. Calls are strictly
// serialized; one request is in flight at a time.
type ActionClient struct {
	mu     sync.Mutex
	addr   string
	secret string
	conn   *websocket.Conn
}

func NewActionClient(addr, secret string) *ActionClient {
	return &ActionClient{addr: addr, secret: secret}
}

func (c *ActionClient) dialLocked() error {
	if c.conn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: CallTimeout}
	conn, _, err := dialer.Dial(c.addr, nil)
	if err != nil {
		return fmt.Errorf("dial action socket: %w", err)
	}
	c.conn = conn
	return nil
}

func (c *ActionClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Call sends one request and waits for its reply. On any transport error the
// connection is dropped so the next call redials with a clean slate.
func (c *ActionClient) Call(req ActionReq) (ActionRep, error) {
	payload, err := EncodeReq(req)
	if err != nil {
		return ActionRep{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.dialLocked(); err != nil {
		return ActionRep{}, err
	}

	deadline := time.Now().Add(CallTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, EncodeParts([][]byte{[]byte(c.secret), payload})); err != nil {
		c.dropLocked()
		return ActionRep{}, fmt.Errorf("send %s: %w", req.Type(), err)
	}

	_ = c.conn.SetReadDeadline(deadline)
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.dropLocked()
		return ActionRep{}, fmt.Errorf("recv %s reply: %w", req.Type(), err)
	}
	parts, err := DecodeParts(data)
	if err != nil || len(parts) != 1 {
		c.dropLocked()
		return ActionRep{}, fmt.Errorf("bad %s reply frame: %v", req.Type(), err)
	}
	return DecodeRep(parts[0])
}

func (c *ActionClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked()
}

// EventSub is the worker side of the event channel.
type EventSub struct {
	conn *websocket.Conn
}

func DialEvent(addr string) (*EventSub, error) {
	dialer := websocket.Dialer{HandshakeTimeout: CallTimeout}
	conn, _, err := dialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial event socket: %w", err)
	}
	return &EventSub{conn: conn}, nil
}

// Next blocks for the next published event. A deadline miss is an error; the
// reducer heartbeats SYNC often enough that silence means trouble.
func (s *EventSub) Next(timeout time.Duration) (Event, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return Event{}, fmt.Errorf("recv event: %w", err)
	}
	parts, err := DecodeParts(data)
	if err != nil {
		return Event{}, err
	}
	return DecodeEvent(parts)
}

func (s *EventSub) Close() {
	_ = s.conn.Close()
}
