// Package remote is the websocket-backed store adapter: the same Store
// contract as the in-process tree, spoken over the wire protocol to a
// loreforge server. One connection multiplexes subscriptions and ops.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loreforge.gg/internal/protocol"
	"loreforge.gg/internal/store"
)

const opTimeout = 10 * time.Second

type Client struct {
	conn *websocket.Conn
	log  *log.Logger

	writeMu sync.Mutex // serializes conn writes

	mu       sync.Mutex
	nextID   uint64
	subs     map[string]subEntry
	acks     map[string]chan protocol.AckMsg
	keys     map[string]chan protocol.KeyMsg
	reads    map[string]chan protocol.SnapshotMsg
	closed   bool
	closeErr error

	clientID string
	user     *protocol.IdentityInfo
}

type subEntry struct {
	path    string
	fn      store.Handler
	initial chan struct{}
	once    *sync.Once
}

var _ store.Store = (*Client)(nil)

// Dial connects, performs the HELLO/WELCOME handshake and starts the read
// loop. An empty token joins as an unauthenticated viewer.
func Dial(ctx context.Context, url, token, clientName string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		ClientName:      clientName,
	}
	if token != "" {
		hello.Auth = &protocol.HelloAuth{Token: token}
	}
	b, err := json.Marshal(hello)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		conn.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("welcome: %w", err)
	}
	var welcome protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("welcome: unexpected reply")
	}
	// The handshake deadline must not outlive the handshake.
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:     conn,
		log:      logger,
		subs:     map[string]subEntry{},
		acks:     map[string]chan protocol.AckMsg{},
		keys:     map[string]chan protocol.KeyMsg{},
		reads:    map[string]chan protocol.SnapshotMsg{},
		clientID: welcome.ClientID,
		user:     welcome.User,
	}
	go c.readLoop()
	return c, nil
}

// User returns the identity the server resolved for our token, nil for
// viewers.
func (c *Client) User() *protocol.IdentityInfo {
	return c.user
}

func (c *Client) ClientID() string { return c.clientID }

func (c *Client) Close() error {
	c.fail(fmt.Errorf("closed"))
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("connection lost: %w", err))
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeSnapshot:
			var m protocol.SnapshotMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			if m.OpID != "" {
				c.mu.Lock()
				ch, ok := c.reads[m.OpID]
				delete(c.reads, m.OpID)
				c.mu.Unlock()
				if ok {
					ch <- m
				}
				continue
			}
			c.mu.Lock()
			entry, ok := c.subs[m.SubID]
			c.mu.Unlock()
			if ok {
				entry.fn(m.Value)
				entry.once.Do(func() { close(entry.initial) })
			}
		case protocol.TypeAck:
			var m protocol.AckMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.acks[m.AckFor]
			delete(c.acks, m.AckFor)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		case protocol.TypeErr:
			var m protocol.ErrMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			c.log.Printf("server error: %s: %s", m.Code, m.Message)
		case protocol.TypeKey:
			var m protocol.KeyMsg
			if json.Unmarshal(msg, &m) != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.keys[m.OpID]
			delete(c.keys, m.OpID)
			c.mu.Unlock()
			if ok {
				ch <- m
			}
		}
	}
}

// fail closes every waiter so pending ops surface the error instead of
// hanging.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	acks, keys, reads := c.acks, c.keys, c.reads
	c.acks, c.keys, c.reads = map[string]chan protocol.AckMsg{}, map[string]chan protocol.KeyMsg{}, map[string]chan protocol.SnapshotMsg{}
	c.mu.Unlock()
	for _, ch := range acks {
		close(ch)
	}
	for _, ch := range keys {
		close(ch)
	}
	for _, ch := range reads {
		close(ch)
	}
}

func (c *Client) nextOpID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return "op" + strconv.FormatUint(c.nextID, 10)
}

func (c *Client) sendMsg(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) mutate(typ, path string, value any) error {
	opID := c.nextOpID()
	ch := make(chan protocol.AckMsg, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.acks[opID] = ch
	c.mu.Unlock()

	err := c.sendMsg(protocol.OpMsg{
		Type:            typ,
		ProtocolVersion: protocol.Version,
		OpID:            opID,
		Path:            path,
		Value:           value,
	})
	if err != nil {
		c.dropAck(opID)
		return err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s %s: %v", typ, path, c.closeErr)
		}
		if !ack.Accepted {
			return fmt.Errorf("%s %s: %s: %s", typ, path, ack.Code, ack.Message)
		}
		return nil
	case <-time.After(opTimeout):
		c.dropAck(opID)
		return fmt.Errorf("%s %s: ack timeout", typ, path)
	}
}

func (c *Client) dropAck(opID string) {
	c.mu.Lock()
	delete(c.acks, opID)
	c.mu.Unlock()
}

func (c *Client) Write(path string, value any) error {
	return c.mutate(protocol.TypePut, path, value)
}

func (c *Client) Patch(path string, partial map[string]any) error {
	return c.mutate(protocol.TypePatch, path, partial)
}

func (c *Client) Delete(path string) error {
	return c.mutate(protocol.TypeDel, path, nil)
}

func (c *Client) NewKey(path string) (string, error) {
	opID := c.nextOpID()
	ch := make(chan protocol.KeyMsg, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return "", err
	}
	c.keys[opID] = ch
	c.mu.Unlock()

	err := c.sendMsg(protocol.OpMsg{
		Type:            protocol.TypeKeyReq,
		ProtocolVersion: protocol.Version,
		OpID:            opID,
		Path:            path,
	})
	if err != nil {
		return "", err
	}
	select {
	case key, ok := <-ch:
		if !ok {
			return "", fmt.Errorf("newkey %s: %v", path, c.closeErr)
		}
		return key.Key, nil
	case <-time.After(opTimeout):
		return "", fmt.Errorf("newkey %s: timeout", path)
	}
}

func (c *Client) ReadOnce(path string) (any, error) {
	opID := c.nextOpID()
	ch := make(chan protocol.SnapshotMsg, 1)
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.reads[opID] = ch
	c.mu.Unlock()

	err := c.sendMsg(protocol.OpMsg{
		Type:            protocol.TypeRead,
		ProtocolVersion: protocol.Version,
		OpID:            opID,
		Path:            path,
	})
	if err != nil {
		return nil, err
	}
	select {
	case snap, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("read %s: %v", path, c.closeErr)
		}
		return snap.Value, nil
	case <-time.After(opTimeout):
		return nil, fmt.Errorf("read %s: timeout", path)
	}
}

// Subscribe registers the handler and blocks until the server's initial
// snapshot has been delivered, matching the in-process tree's semantics.
func (c *Client) Subscribe(path string, fn store.Handler) (func(), error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	subID := "sub" + strconv.FormatUint(c.nextID, 10)
	entry := subEntry{path: path, fn: fn, initial: make(chan struct{}), once: &sync.Once{}}
	c.subs[subID] = entry
	c.mu.Unlock()

	err := c.sendMsg(protocol.SubMsg{
		Type:            protocol.TypeSub,
		ProtocolVersion: protocol.Version,
		SubID:           subID,
		Path:            path,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-entry.initial:
	case <-time.After(opTimeout):
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: no initial snapshot", path)
	}

	cancel := func() {
		c.mu.Lock()
		_, ok := c.subs[subID]
		delete(c.subs, subID)
		c.mu.Unlock()
		if ok {
			_ = c.sendMsg(protocol.UnsubMsg{
				Type:            protocol.TypeUnsub,
				ProtocolVersion: protocol.Version,
				SubID:           subID,
			})
		}
	}
	return cancel, nil
}
