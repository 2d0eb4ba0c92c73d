package ws

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loreforge.gg/internal/auth"
	"loreforge.gg/internal/protocol"
	"loreforge.gg/internal/session"
	"loreforge.gg/internal/store"
	"loreforge.gg/internal/store/remote"
)

func newTestServer(t *testing.T) (*store.Tree, string) {
	t.Helper()
	tree := store.NewTree()
	reg := auth.NewRegistry()
	reg.Register("tok-dm", auth.Identity{ID: "u-dm", DisplayName: "Dana"})
	reg.Register("tok-pl", auth.Identity{ID: "u-pl", DisplayName: "Pat"})
	logger := log.New(io.Discard, "", 0)
	ts := httptest.NewServer(NewServer(tree, reg, nil, logger).Handler())
	t.Cleanup(ts.Close)
	return tree, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url, token string) *remote.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := remote.Dial(ctx, url, token, "test", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestHandshake_ResolvesIdentity(t *testing.T) {
	_, url := newTestServer(t)

	dm := dial(t, url, "tok-dm")
	if u := dm.User(); u == nil || u.ID != "u-dm" {
		t.Fatalf("dm identity = %+v", dm.User())
	}
	if dm.ClientID() == "" {
		t.Fatalf("missing client id")
	}

	viewer := dial(t, url, "")
	if viewer.User() != nil {
		t.Fatalf("viewer got identity %+v", viewer.User())
	}
	if unknown := dial(t, url, "no-such-token"); unknown.User() != nil {
		t.Fatalf("bad token got identity %+v", unknown.User())
	}
}

func TestSubscribe_InitialSnapshotAndUpdates(t *testing.T) {
	tree, url := newTestServer(t)
	if err := tree.Write("sessions/s1/notes", "hello"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	c := dial(t, url, "tok-pl")
	got := make(chan any, 16)
	cancel, err := c.Subscribe("sessions/s1/notes", func(v any) { got <- v })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if v := recvValue(t, got); v != "hello" {
		t.Fatalf("initial snapshot = %v", v)
	}

	// A second client's write must fan out.
	other := dial(t, url, "tok-dm")
	if err := other.Write("sessions/s1/notes", "updated"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if v := recvValue(t, got); v != "updated" {
		t.Fatalf("update snapshot = %v", v)
	}

	cancel()
	if err := other.Write("sessions/s1/notes", "after-unsub"); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case v := <-got:
		t.Fatalf("delivery after unsubscribe: %v", v)
	case <-time.After(200 * time.Millisecond):
	}
}

func recvValue(t *testing.T, ch chan any) any {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("no snapshot delivered")
		return nil
	}
}

func TestViewerIsReadOnly(t *testing.T) {
	tree, url := newTestServer(t)
	if err := tree.Write("sessions/s1/notes", "public"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	viewer := dial(t, url, "")
	if v, err := viewer.ReadOnce("sessions/s1/notes"); err != nil || v != "public" {
		t.Fatalf("read = %v, %v", v, err)
	}
	err := viewer.Write("sessions/s1/notes", "defaced")
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("viewer write: %v", err)
	}
	if v, _ := tree.ReadOnce("sessions/s1/notes"); v != "public" {
		t.Fatalf("store mutated by viewer: %v", v)
	}
}

func TestTokenDeleteRequiresDM(t *testing.T) {
	tree, url := newTestServer(t)
	if err := tree.Write(session.OwnerPath("s1"), "u-dm"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	player := dial(t, url, "tok-pl")
	tokPath := session.TokenPath("s1", "t1")
	if err := player.Write(tokPath, map[string]any{"owner": "u-pl", "x": 10.0, "y": 10.0}); err != nil {
		t.Fatalf("place: %v", err)
	}

	err := player.Delete(tokPath)
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("player delete: %v", err)
	}

	dm := dial(t, url, "tok-dm")
	if err := dm.Delete(tokPath); err != nil {
		t.Fatalf("dm delete: %v", err)
	}
	if v, _ := tree.ReadOnce(tokPath); v != nil {
		t.Fatalf("token survived delete: %v", v)
	}
}

func TestOwnershipClaimedOnce(t *testing.T) {
	tree, url := newTestServer(t)

	player := dial(t, url, "tok-pl")
	if err := player.Write(session.OwnerPath("s1"), "u-pl"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if v, _ := tree.ReadOnce(session.OwnerPath("s1")); v != "u-pl" {
		t.Fatalf("owner = %v", v)
	}

	dm := dial(t, url, "tok-dm")
	err := dm.Write(session.OwnerPath("s1"), "u-dm")
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("owner overwrite: %v", err)
	}
	// The owner may rewrite their own record.
	if err := player.Write(session.OwnerPath("s1"), "u-pl"); err != nil {
		t.Fatalf("owner self-write: %v", err)
	}
}

func TestOwnershipGateCoversAncestorWrites(t *testing.T) {
	tree, url := newTestServer(t)
	if err := tree.Write(session.OwnerPath("s1"), "u-dm"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	player := dial(t, url, "tok-pl")

	// Replacing the session root would swap the owner record wholesale.
	err := player.Write(session.Path("s1"), map[string]any{
		"ownerUserId": "u-pl",
		"createdAt":   1.0,
	})
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("root put: %v", err)
	}
	if v, _ := tree.ReadOnce(session.OwnerPath("s1")); v != "u-dm" {
		t.Fatalf("owner stolen via parent write: %v", v)
	}

	// Dropping the whole record would drop the owner too.
	err = player.Delete(session.Path("s1"))
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("root delete: %v", err)
	}
	// So would a nil PUT, which the store treats as a delete.
	err = player.Write(session.Path("s1"), nil)
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("nil put: %v", err)
	}

	// The sessions collection itself is never writable as a whole.
	dm := dial(t, url, "tok-dm")
	err = dm.Write(session.Root, map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("collection put: %v", err)
	}

	// The owner keeps full control of their session record.
	if err := dm.Write(session.Path("s1"), map[string]any{
		"ownerUserId": "u-dm",
		"createdAt":   2.0,
	}); err != nil {
		t.Fatalf("owner root put: %v", err)
	}
}

func TestTokenRemovalGateCoversAncestorWrites(t *testing.T) {
	tree, url := newTestServer(t)
	if err := tree.Write(session.OwnerPath("s1"), "u-dm"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	player := dial(t, url, "tok-pl")
	tokPath := session.TokenPath("s1", "t1")
	if err := player.Write(tokPath, map[string]any{"owner": "u-pl", "x": 10.0, "y": 10.0}); err != nil {
		t.Fatalf("place: %v", err)
	}

	// Replacing the collection, patching a token away, or nil-putting the
	// token are all removals and stay DM-only.
	tokensPath := session.TokensPath("s1")
	err := player.Write(tokensPath, map[string]any{})
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("collection replace: %v", err)
	}
	err = player.Patch(tokensPath, map[string]any{"t1": nil})
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("patch removal: %v", err)
	}
	err = player.Write(tokPath, nil)
	if err == nil || !strings.Contains(err.Error(), "E_NO_PERMISSION") {
		t.Fatalf("nil put: %v", err)
	}
	if v, _ := tree.ReadOnce(tokPath); v == nil {
		t.Fatalf("token removed by non-DM")
	}

	dm := dial(t, url, "tok-dm")
	if err := dm.Patch(tokensPath, map[string]any{"t1": nil}); err != nil {
		t.Fatalf("dm patch removal: %v", err)
	}
	if v, _ := tree.ReadOnce(tokPath); v != nil {
		t.Fatalf("token survived dm removal: %v", v)
	}
}

func TestMalformedMessagesGetErr(t *testing.T) {
	_, url := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version}); err != nil {
		t.Fatalf("hello: %v", err)
	}
	var welcome protocol.WelcomeMsg
	if err := conn.ReadJSON(&welcome); err != nil || welcome.Type != protocol.TypeWelcome {
		t.Fatalf("welcome: %+v, %v", welcome, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var errMsg protocol.ErrMsg
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errMsg.Type != protocol.TypeErr || errMsg.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("err frame = %+v", errMsg)
	}

	// A stale protocol version is rejected the same way.
	if err := conn.WriteJSON(protocol.SubMsg{Type: protocol.TypeSub, ProtocolVersion: "0.9", SubID: "s", Path: "sessions/s1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.ReadJSON(&errMsg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if errMsg.Type != protocol.TypeErr || errMsg.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("err frame = %+v", errMsg)
	}
}

func TestMembershipRemovedOnDisconnect(t *testing.T) {
	tree, url := newTestServer(t)

	player := dial(t, url, "tok-pl")
	memberPath := session.UserPath("s1", "u-pl")
	if err := player.Write(memberPath, map[string]any{"displayName": "Pat"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if v, _ := tree.ReadOnce(memberPath); v == nil {
		t.Fatalf("membership not written")
	}

	player.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, _ := tree.ReadOnce(memberPath); v == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("membership survived disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewKeysAreOrdered(t *testing.T) {
	_, url := newTestServer(t)
	c := dial(t, url, "tok-pl")

	k1, err := c.NewKey("sessions/s1/chat")
	if err != nil {
		t.Fatalf("newkey: %v", err)
	}
	k2, err := c.NewKey("sessions/s1/chat")
	if err != nil {
		t.Fatalf("newkey: %v", err)
	}
	if !(k1 < k2) {
		t.Fatalf("keys out of order: %q then %q", k1, k2)
	}
}
