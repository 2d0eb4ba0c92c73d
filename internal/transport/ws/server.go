// Package ws exposes the store over a websocket: one connection carries a
// HELLO/WELCOME handshake, then subscription snapshots flowing down and
// store operations flowing up.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loreforge.gg/internal/auth"
	"loreforge.gg/internal/protocol"
	"loreforge.gg/internal/session"
	"loreforge.gg/internal/store"
)

// OpRecord is one accepted mutation, as handed to the journal.
type OpRecord struct {
	TS     int64  `json:"ts"`
	Client string `json:"client"`
	User   string `json:"user,omitempty"`
	Op     string `json:"op"`
	Path   string `json:"path"`
}

// Journal records accepted mutations; nil-safe no-op when unset.
type Journal interface {
	Record(entry OpRecord) error
}

type Server struct {
	tree *store.Tree
	reg  *auth.Registry
	log  *log.Logger
	jrnl Journal

	upgrader websocket.Upgrader
}

func NewServer(tree *store.Tree, reg *auth.Registry, jrnl Journal, logger *log.Logger) *Server {
	s := &Server{
		tree: tree,
		reg:  reg,
		log:  logger,
		jrnl: jrnl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		c := s.handshake(conn)
		if c == nil {
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		defer c.teardown()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-c.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				return
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				c.sendErr(protocol.ErrProtoBadRequest, "malformed message")
				continue
			}
			if base.ProtocolVersion != protocol.Version {
				c.sendErr(protocol.ErrProtoBadRequest, "bad protocol_version")
				continue
			}
			switch base.Type {
			case protocol.TypeSub:
				var m protocol.SubMsg
				if json.Unmarshal(msg, &m) == nil {
					c.subscribe(m)
				}
			case protocol.TypeUnsub:
				var m protocol.UnsubMsg
				if json.Unmarshal(msg, &m) == nil {
					c.unsubscribe(m.SubID)
				}
			case protocol.TypePut, protocol.TypePatch, protocol.TypeDel, protocol.TypeRead, protocol.TypeKeyReq:
				var m protocol.OpMsg
				if json.Unmarshal(msg, &m) == nil {
					m.Type = base.Type
					c.handleOp(m)
				}
			}
		}
	}
}

func (s *Server) handshake(conn *websocket.Conn) *client {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil
	}

	var ident *auth.Identity
	if hello.Auth != nil {
		ident = s.reg.Lookup(strings.TrimSpace(hello.Auth.Token))
	}

	c := &client{
		srv:      s,
		id:       uuid.NewString(),
		ident:    ident,
		out:      make(chan []byte, 1024),
		subs:     map[string]func(){},
		presence: map[string]struct{}{},
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		ClientID:        c.id,
	}
	if ident != nil {
		welcome.User = &protocol.IdentityInfo{ID: ident.ID, DisplayName: ident.DisplayName}
	}
	b, err := json.Marshal(welcome)
	if err != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return nil
	}
	return c
}

type client struct {
	srv   *Server
	id    string
	ident *auth.Identity
	out   chan []byte

	mu       sync.Mutex
	subs     map[string]func()
	presence map[string]struct{}
	closed   bool
}

func (c *client) send(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.out <- b:
		c.mu.Unlock()
	default:
		c.mu.Unlock()
		// Slow consumer: dropping a snapshot would leave the client
		// permanently stale, so drop the connection instead.
		c.srv.log.Printf("client %s: send queue full, closing", c.id)
		c.teardown()
	}
}

func (c *client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]func(){}
	presence := c.presence
	c.presence = nil
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	close(c.out)
	if len(presence) > 0 {
		// Best-effort removal of membership records this connection wrote.
		// Runs off the delivery path: teardown can be reached from inside a
		// subscription callback, and the tree must not re-enter itself.
		go func() {
			for p := range presence {
				_ = c.srv.tree.Delete(p)
			}
		}()
	}
}

// sendErr reports a connection-level failure not tied to one op.
func (c *client) sendErr(code, message string) {
	c.send(protocol.ErrMsg{
		Type:            protocol.TypeErr,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         message,
	})
}

func (c *client) subscribe(m protocol.SubMsg) {
	if m.SubID == "" || m.Path == "" {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if old, ok := c.subs[m.SubID]; ok {
		delete(c.subs, m.SubID)
		c.mu.Unlock()
		old()
		c.mu.Lock()
	}
	c.mu.Unlock()

	cancel, err := c.srv.tree.Subscribe(m.Path, func(v any) {
		c.send(protocol.SnapshotMsg{
			Type:            protocol.TypeSnapshot,
			ProtocolVersion: protocol.Version,
			SubID:           m.SubID,
			Path:            m.Path,
			Value:           v,
		})
	})
	if err != nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.subs[m.SubID] = cancel
	c.mu.Unlock()
}

func (c *client) unsubscribe(subID string) {
	c.mu.Lock()
	cancel, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *client) handleOp(m protocol.OpMsg) {
	ack := func(accepted bool, code, message string) {
		c.send(protocol.AckMsg{
			Type:            protocol.TypeAck,
			ProtocolVersion: protocol.Version,
			AckFor:          m.OpID,
			Accepted:        accepted,
			Code:            code,
			Message:         message,
		})
	}
	if m.OpID == "" || m.Path == "" {
		ack(false, protocol.ErrProtoBadRequest, "missing op_id or path")
		return
	}

	switch m.Type {
	case protocol.TypeRead:
		v, err := c.srv.tree.ReadOnce(m.Path)
		if err != nil {
			ack(false, protocol.ErrStoreFailed, err.Error())
			return
		}
		c.send(protocol.SnapshotMsg{
			Type:            protocol.TypeSnapshot,
			ProtocolVersion: protocol.Version,
			OpID:            m.OpID,
			Path:            m.Path,
			Value:           v,
		})
		return

	case protocol.TypeKeyReq:
		key, err := c.srv.tree.NewKey(m.Path)
		if err != nil {
			ack(false, protocol.ErrStoreFailed, err.Error())
			return
		}
		c.send(protocol.KeyMsg{
			Type:            protocol.TypeKey,
			ProtocolVersion: protocol.Version,
			OpID:            m.OpID,
			Key:             key,
		})
		return
	}

	// Mutations from here on.
	if code, msg := c.authorize(m); code != "" {
		ack(false, code, msg)
		return
	}

	var err error
	switch m.Type {
	case protocol.TypePut:
		err = c.srv.tree.Write(m.Path, m.Value)
	case protocol.TypePatch:
		partial, ok := m.Value.(map[string]any)
		if !ok {
			ack(false, protocol.ErrBadRequest, "patch value must be an object")
			return
		}
		err = c.srv.tree.Patch(m.Path, partial)
	case protocol.TypeDel:
		err = c.srv.tree.Delete(m.Path)
	}
	if err != nil {
		ack(false, protocol.ErrStoreFailed, err.Error())
		return
	}
	c.trackPresence(m.Type, m.Path)
	if c.srv.jrnl != nil {
		_ = c.srv.jrnl.Record(OpRecord{
			TS:     time.Now().UnixMilli(),
			Client: c.id,
			User:   c.userID(),
			Op:     m.Type,
			Path:   m.Path,
		})
	}
	ack(true, "", "")
}

// trackPresence remembers membership records this connection wrote for its
// own user, so a dropped connection does not leave a ghost member behind.
func (c *client) trackPresence(op, path string) {
	uid := c.userID()
	if uid == "" {
		return
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 4 || parts[0] != session.Root || parts[2] != "users" || parts[3] != uid {
		return
	}
	p := strings.Join(parts, "/")
	c.mu.Lock()
	if c.presence != nil {
		if op == protocol.TypeDel {
			delete(c.presence, p)
		} else {
			c.presence[p] = struct{}{}
		}
	}
	c.mu.Unlock()
}

func (c *client) userID() string {
	if c.ident == nil {
		return ""
	}
	return c.ident.ID
}

// authorize applies the server-side write gates. Unauthenticated connections
// are read-only. Token deletion needs the DM; ownership may be claimed only
// once. Both gates hold for ancestor writes too: a PUT or DEL at the session
// root encloses the owner record and every token, so it is checked the same
// way as a write to the enclosed path itself. Movement patches stay open to
// any authenticated member, since the override modifier is a client-side
// capability the server cannot observe.
func (c *client) authorize(m protocol.OpMsg) (code, message string) {
	if c.ident == nil {
		return protocol.ErrNoPermission, "viewers cannot write"
	}
	parts := strings.Split(strings.Trim(m.Path, "/"), "/")
	if parts[0] == "" {
		// The tree root encloses every session.
		return protocol.ErrNoPermission, "root is not writable"
	}
	if parts[0] != session.Root {
		return "", ""
	}
	if len(parts) < 2 {
		return protocol.ErrNoPermission, "write below the session root"
	}
	sid := parts[1]

	// A nil PUT deletes the subtree; gate it like a DEL.
	op := m.Type
	if op == protocol.TypePut && m.Value == nil {
		op = protocol.TypeDel
	}
	partial, _ := m.Value.(map[string]any)

	switch {
	case len(parts) == 2:
		// The session root. PUT and DEL replace or drop the owner record
		// along with the tokens; PATCH merges, so only the keys it names
		// are gated.
		if op != protocol.TypePatch {
			return c.ownerGate(sid)
		}
		if _, ok := partial["ownerUserId"]; ok {
			return c.ownerGate(sid)
		}
		if _, ok := partial["tokens"]; ok {
			return c.dmGate(sid)
		}

	case parts[2] == "ownerUserId":
		return c.ownerGate(sid)

	case parts[2] == "tokens" && len(parts) == 3:
		// Replacing or dropping the collection removes tokens; a PATCH
		// removes them only through nil entries.
		if op != protocol.TypePatch {
			return c.dmGate(sid)
		}
		for _, v := range partial {
			if v == nil {
				return c.dmGate(sid)
			}
		}

	case parts[2] == "tokens" && len(parts) == 4 && op == protocol.TypeDel:
		return c.dmGate(sid)
	}
	return "", ""
}

// ownerGate admits writes to an unowned session and writes by the owner.
func (c *client) ownerGate(sid string) (code, message string) {
	owner, _ := c.srv.tree.ReadOnce(session.OwnerPath(sid))
	if owner != nil && owner != c.ident.ID {
		return protocol.ErrNoPermission, "session already owned"
	}
	return "", ""
}

func (c *client) dmGate(sid string) (code, message string) {
	if c.resolveRole(sid) != session.RoleDM {
		return protocol.ErrNoPermission, "only the DM removes tokens"
	}
	return "", ""
}

func (c *client) resolveRole(sid string) session.Role {
	owner, _ := c.srv.tree.ReadOnce(session.OwnerPath(sid))
	users, _ := c.srv.tree.ReadOnce(session.UsersPath(sid))
	s := session.Session{ID: sid}
	s.Owner, _ = owner.(string)
	s.Users = session.DecodeMembers(users)
	return session.ResolveRole(s, c.userID())
}
