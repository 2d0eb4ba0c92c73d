package engine

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"loreforge.gg/internal/auth"
	"loreforge.gg/internal/session"
	"loreforge.gg/internal/store"
)

// State is the controller's lifecycle position.
type State int

const (
	Unjoined State = iota
	Joining
	Joined
	Left
)

func (s State) String() string {
	switch s {
	case Unjoined:
		return "unjoined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	case Left:
		return "left"
	}
	return "unknown"
}

// Controller orchestrates one client's view of one session: create/join,
// subscription wiring, role computation, and dispatch of user actions. All
// per-tab mutable state lives here, not in globals, so several controllers
// can coexist in one process.
type Controller struct {
	store store.Store
	ids   auth.Provider
	log   *log.Logger

	// Repaint is invoked after every state change that affects the frame.
	// Set before Join; never called while the controller lock is held.
	Repaint func()

	mu         sync.Mutex
	state      State
	sessionID  string
	sess       session.Session
	role       session.Role
	tokens     *TokenSync
	cancels    []func()
	mapInfo    *session.MapInfo
	chat       []session.ChatMessage
	rolls      []session.DiceRoll
	notes      string
	initiative []session.InitiativeEntry
	encounters []session.Encounter
	turnIndex  int
}

func NewController(st store.Store, ids auth.Provider, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		store: st,
		ids:   ids,
		log:   logger,
		state: Unjoined,
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Role() session.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Tokens exposes the sync engine; nil until Joined.
func (c *Controller) Tokens() *TokenSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tokens
}

func (c *Controller) Chat() []session.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.ChatMessage(nil), c.chat...)
}

func (c *Controller) Rolls() []session.DiceRoll {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.DiceRoll(nil), c.rolls...)
}

func (c *Controller) Notes() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notes
}

func (c *Controller) Encounters() []session.Encounter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]session.Encounter(nil), c.encounters...)
}

// Initiative returns the render ordering: value descending, stable ties.
func (c *Controller) Initiative() []session.InitiativeEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return session.SortInitiative(c.initiative)
}

func (c *Controller) TurnIndex() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.turnIndex
}

func (c *Controller) MapInfo() *session.MapInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mapInfo
}

// CreateSession creates the session record with the caller as owner, then
// joins it. Creating an id that already exists joins it instead; ownership
// is never overwritten.
func (c *Controller) CreateSession(id string) error {
	user := c.ids.CurrentUser()
	if user == nil {
		return fmt.Errorf("create session: no identity: %w", ErrValidation)
	}
	if id == "" {
		return fmt.Errorf("create session: empty id: %w", ErrValidation)
	}
	existing, err := c.store.ReadOnce(session.OwnerPath(id))
	if err != nil {
		return fmt.Errorf("create session %s: %w: %v", id, ErrStore, err)
	}
	if existing == nil {
		if err := c.store.Patch(session.Path(id), map[string]any{
			"ownerUserId": user.ID,
			"createdAt":   time.Now().UnixMilli(),
		}); err != nil {
			return fmt.Errorf("create session %s: %w: %v", id, ErrStore, err)
		}
	}
	return c.JoinSession(id)
}

// JoinSession joins an existing session, creating an ownerless shared record
// when the id does not exist yet. Joining never claims ownership; only
// CreateSession does. Re-joining while joined elsewhere tears the old
// subscriptions down first so no state bleeds across sessions.
func (c *Controller) JoinSession(id string) error {
	if id == "" {
		return fmt.Errorf("join session: empty id: %w", ErrValidation)
	}

	c.mu.Lock()
	if c.state == Joined || c.state == Joining {
		c.mu.Unlock()
		c.LeaveSession()
		c.mu.Lock()
	}
	c.state = Joining
	c.sessionID = id
	c.mu.Unlock()

	root, err := c.store.ReadOnce(session.CreatedAtPath(id))
	if err != nil {
		c.failJoin()
		return fmt.Errorf("join session %s: %w: %v", id, ErrStore, err)
	}
	if root == nil {
		if err := c.store.Patch(session.Path(id), map[string]any{
			"createdAt": time.Now().UnixMilli(),
		}); err != nil {
			c.failJoin()
			return fmt.Errorf("join session %s: %w: %v", id, ErrStore, err)
		}
	}

	if user := c.ids.CurrentUser(); user != nil {
		member := session.Member{
			UserID:      user.ID,
			DisplayName: user.DisplayName,
			JoinedAt:    time.Now().UnixMilli(),
		}
		if err := c.store.Write(session.UserPath(id, user.ID), member); err != nil {
			c.failJoin()
			return fmt.Errorf("join session %s: %w: %v", id, ErrStore, err)
		}
	}

	repaint := func() {
		if c.Repaint != nil {
			c.Repaint()
		}
	}
	tokens := NewTokenSync(c.store, id, repaint)

	c.mu.Lock()
	c.tokens = tokens
	c.sess = session.Session{ID: id}
	c.mu.Unlock()

	subs := []struct {
		path string
		fn   store.Handler
	}{
		{session.OwnerPath(id), c.onOwner},
		{session.UsersPath(id), c.onUsers},
		{session.MapPath(id), c.onMap},
		{session.TokensPath(id), tokens.OnRemoteSnapshot},
		{session.ChatPath(id), c.onChat},
		{session.RollsPath(id), c.onRolls},
		{session.NotesPath(id), c.onNotes},
		{session.InitiativePath(id), c.onInitiative},
		{session.EncountersPath(id), c.onEncounters},
		{session.MetaPath(id), c.onMeta},
	}
	cancels := make([]func(), 0, len(subs))
	for _, s := range subs {
		cancel, err := c.store.Subscribe(s.path, s.fn)
		if err != nil {
			for _, cf := range cancels {
				cf()
			}
			c.failJoin()
			return fmt.Errorf("join session %s: subscribe %s: %w: %v", id, s.path, ErrStore, err)
		}
		cancels = append(cancels, cancel)
	}

	c.mu.Lock()
	c.cancels = cancels
	c.state = Joined
	c.mu.Unlock()

	c.log.Printf("joined session %s as %s", id, c.Role())
	repaint()
	return nil
}

func (c *Controller) failJoin() {
	c.mu.Lock()
	c.state = Unjoined
	c.sessionID = ""
	c.tokens = nil
	c.mu.Unlock()
}

// LeaveSession removes the membership record (best-effort; the write may
// never arrive if the client dies first) and tears down every subscription.
func (c *Controller) LeaveSession() {
	c.mu.Lock()
	if c.state != Joined && c.state != Joining {
		c.mu.Unlock()
		return
	}
	id := c.sessionID
	cancels := c.cancels
	c.cancels = nil
	c.state = Left
	c.sessionID = ""
	c.tokens = nil
	c.chat, c.rolls, c.initiative, c.encounters = nil, nil, nil, nil
	c.notes = ""
	c.mapInfo = nil
	c.turnIndex = 0
	c.role = session.RoleViewer
	c.sess = session.Session{}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if user := c.ids.CurrentUser(); user != nil {
		if err := c.store.Delete(session.UserPath(id, user.ID)); err != nil {
			c.log.Printf("leave session %s: membership removal failed: %v", id, err)
		}
	}
}

// --- subscription handlers ---

func (c *Controller) onOwner(v any) {
	owner, _ := v.(string)
	c.mu.Lock()
	c.sess.Owner = owner
	c.recomputeRole()
	c.mu.Unlock()
}

func (c *Controller) onUsers(v any) {
	members := session.DecodeMembers(v)
	c.mu.Lock()
	c.sess.Users = members
	c.recomputeRole()
	c.mu.Unlock()
}

// recomputeRole runs under c.mu.
func (c *Controller) recomputeRole() {
	userID := ""
	if user := c.ids.CurrentUser(); user != nil {
		userID = user.ID
	}
	c.role = session.ResolveRole(c.sess, userID)
}

func (c *Controller) onMap(v any) {
	m := session.DecodeMap(v)
	c.mu.Lock()
	c.mapInfo = m
	c.mu.Unlock()
	c.repaint()
}

func (c *Controller) onChat(v any) {
	msgs := session.DecodeChat(v)
	c.mu.Lock()
	c.chat = msgs
	c.mu.Unlock()
}

func (c *Controller) onRolls(v any) {
	rolls := session.DecodeRolls(v)
	c.mu.Lock()
	c.rolls = rolls
	c.mu.Unlock()
}

func (c *Controller) onNotes(v any) {
	notes, _ := v.(string)
	c.mu.Lock()
	c.notes = notes
	c.mu.Unlock()
}

func (c *Controller) onInitiative(v any) {
	entries := session.DecodeInitiative(v)
	c.mu.Lock()
	c.initiative = entries
	c.mu.Unlock()
}

func (c *Controller) onEncounters(v any) {
	encs := session.DecodeEncounters(v)
	c.mu.Lock()
	c.encounters = encs
	c.mu.Unlock()
}

func (c *Controller) onMeta(v any) {
	meta := session.DecodeMeta(v)
	c.mu.Lock()
	c.turnIndex = meta.TurnIndex
	c.mu.Unlock()
}

func (c *Controller) repaint() {
	if c.Repaint != nil {
		c.Repaint()
	}
}

// --- user actions ---

func (c *Controller) requireJoined() (string, *auth.Identity, error) {
	c.mu.Lock()
	state, id := c.state, c.sessionID
	c.mu.Unlock()
	if state != Joined {
		return "", nil, fmt.Errorf("not joined: %w", ErrValidation)
	}
	return id, c.ids.CurrentUser(), nil
}

// SendChat appends a chat message under a fresh push key.
func (c *Controller) SendChat(text string) error {
	id, user, err := c.requireJoined()
	if err != nil {
		return err
	}
	if text == "" {
		return fmt.Errorf("send chat: empty message: %w", ErrValidation)
	}
	if user == nil {
		return fmt.Errorf("send chat: no identity: %w", ErrValidation)
	}
	key, err := c.store.NewKey(session.ChatPath(id))
	if err != nil {
		return fmt.Errorf("send chat: %w: %v", ErrStore, err)
	}
	msg := session.ChatMessage{
		UserID:   user.ID,
		UserName: user.DisplayName,
		Text:     text,
		TS:       time.Now().UnixMilli(),
	}
	if err := c.store.Write(session.ChatPath(id)+"/"+key, msg); err != nil {
		return fmt.Errorf("send chat: %w: %v", ErrStore, err)
	}
	return nil
}

// Roll performs a dice roll and appends the record. Mode "adv"/"dis" rolls
// 2d20 keep-high/keep-low; anything else rolls count*d(sides).
func (c *Controller) Roll(sides, count int, mode, visibility string) (session.DiceRoll, error) {
	id, user, err := c.requireJoined()
	if err != nil {
		return session.DiceRoll{}, err
	}
	if user == nil {
		return session.DiceRoll{}, fmt.Errorf("roll: no identity: %w", ErrValidation)
	}

	roll := session.DiceRoll{
		UserID:     user.ID,
		UserName:   user.DisplayName,
		Visibility: visibility,
		TS:         time.Now().UnixMilli(),
	}
	switch mode {
	case "adv":
		rolls, kept, err := RollAdvantage()
		if err != nil {
			return session.DiceRoll{}, err
		}
		roll.Sides, roll.Count, roll.Rolls, roll.Total = 20, 2, rolls, kept
		roll.Label = "advantage"
	case "dis":
		rolls, kept, err := RollDisadvantage()
		if err != nil {
			return session.DiceRoll{}, err
		}
		roll.Sides, roll.Count, roll.Rolls, roll.Total = 20, 2, rolls, kept
		roll.Label = "disadvantage"
	default:
		rolls, total, err := RollDice(sides, count)
		if err != nil {
			return session.DiceRoll{}, err
		}
		roll.Sides, roll.Count, roll.Rolls, roll.Total = sides, count, rolls, total
	}

	key, err := c.store.NewKey(session.RollsPath(id))
	if err != nil {
		return session.DiceRoll{}, fmt.Errorf("roll: %w: %v", ErrStore, err)
	}
	roll.ID = key
	if err := c.store.Write(session.RollsPath(id)+"/"+key, roll); err != nil {
		return session.DiceRoll{}, fmt.Errorf("roll: %w: %v", ErrStore, err)
	}
	return roll, nil
}

// SaveNotes writes the shared notes document (last writer wins).
func (c *Controller) SaveNotes(text string) error {
	id, user, err := c.requireJoined()
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("save notes: no identity: %w", ErrValidation)
	}
	if err := c.store.Write(session.NotesPath(id), text); err != nil {
		return fmt.Errorf("save notes: %w: %v", ErrStore, err)
	}
	return nil
}

// AddInitiative validates the raw value and appends an entry.
func (c *Controller) AddInitiative(name, rawValue string) error {
	id, user, err := c.requireJoined()
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("add initiative: no identity: %w", ErrValidation)
	}
	if name == "" {
		return fmt.Errorf("add initiative: empty name: %w", ErrValidation)
	}
	value, err := session.ParseInitiativeValue(rawValue)
	if err != nil {
		return fmt.Errorf("add initiative: %w: %v", ErrValidation, err)
	}
	key, err := c.store.NewKey(session.InitiativePath(id))
	if err != nil {
		return fmt.Errorf("add initiative: %w: %v", ErrStore, err)
	}
	entry := session.InitiativeEntry{Name: name, Value: value, TS: time.Now().UnixMilli()}
	if err := c.store.Write(session.InitiativePath(id)+"/"+key, entry); err != nil {
		return fmt.Errorf("add initiative: %w: %v", ErrStore, err)
	}
	return nil
}

// AdvanceTurn moves meta/turnIndex to the next entry in the derived
// ordering. DM only.
func (c *Controller) AdvanceTurn() error {
	id, _, err := c.requireJoined()
	if err != nil {
		return err
	}
	c.mu.Lock()
	role := c.role
	n := len(c.initiative)
	next := c.turnIndex + 1
	c.mu.Unlock()
	if role != session.RoleDM {
		return fmt.Errorf("advance turn: %w", ErrDenied)
	}
	if n == 0 {
		return fmt.Errorf("advance turn: empty initiative: %w", ErrValidation)
	}
	if err := c.store.Write(session.TurnIndexPath(id), next%n); err != nil {
		return fmt.Errorf("advance turn: %w: %v", ErrStore, err)
	}
	return nil
}

// SpawnEncounter appends an encounter record. DM only.
func (c *Controller) SpawnEncounter(name string, monsters []string) error {
	id, _, err := c.requireJoined()
	if err != nil {
		return err
	}
	if c.Role() != session.RoleDM {
		return fmt.Errorf("spawn encounter: %w", ErrDenied)
	}
	if name == "" {
		return fmt.Errorf("spawn encounter: empty name: %w", ErrValidation)
	}
	key, err := c.store.NewKey(session.EncountersPath(id))
	if err != nil {
		return fmt.Errorf("spawn encounter: %w: %v", ErrStore, err)
	}
	enc := session.Encounter{Name: name, Monsters: monsters, TS: time.Now().UnixMilli()}
	if err := c.store.Write(session.EncountersPath(id)+"/"+key, enc); err != nil {
		return fmt.Errorf("spawn encounter: %w: %v", ErrStore, err)
	}
	return nil
}

// SetMap points the session at a new background image, normally a blob-store
// URL. Replacing the map invalidates renderer-held image dimensions via the
// map subscription.
func (c *Controller) SetMap(url, name string) error {
	id, user, err := c.requireJoined()
	if err != nil {
		return err
	}
	if user == nil {
		return fmt.Errorf("set map: no identity: %w", ErrValidation)
	}
	if url == "" {
		return fmt.Errorf("set map: empty url: %w", ErrValidation)
	}
	m := session.MapInfo{URL: url, Name: name, UploadedAt: time.Now().UnixMilli()}
	if err := c.store.Write(session.MapPath(id), m); err != nil {
		return fmt.Errorf("set map: %w: %v", ErrStore, err)
	}
	return nil
}

// Export serializes the full session tree as indented JSON, for download.
func (c *Controller) Export() ([]byte, error) {
	id, _, err := c.requireJoined()
	if err != nil {
		return nil, err
	}
	v, err := c.store.ReadOnce(session.Path(id))
	if err != nil {
		return nil, fmt.Errorf("export: %w: %v", ErrStore, err)
	}
	if v == nil {
		return nil, fmt.Errorf("export: %w", ErrNotFound)
	}
	return json.MarshalIndent(v, "", "  ")
}
