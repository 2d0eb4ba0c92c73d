// Package session defines the shared document shape of one tabletop session
// and the pure rules over it: store path layout, role resolution, field
// validation and initiative ordering. The store owns the data; everything
// here operates on transient snapshots.
package session

// Role is the permission tier of a user inside a session.
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
	RoleViewer Role = "viewer"
)

// Defaults for freshly placed tokens.
const (
	DefaultHP           = 10
	DefaultTokenSize    = 48
	DefaultRevealRadius = 120
)

// Token is a movable marker on the map. X and Y are canvas-space pixels.
type Token struct {
	ID           string  `json:"id"`
	Owner        string  `json:"owner"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Size         float64 `json:"size"`
	Color        string  `json:"color,omitempty"`
	Portrait     string  `json:"portrait,omitempty"`
	HP           int     `json:"hp"`
	MaxHP        int     `json:"maxHp"`
	RevealRadius float64 `json:"revealRadius"`
}

// Member is a user's membership record inside a session. A missing Role
// means "player".
type Member struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	JoinedAt    int64  `json:"joinedAt"`
	Role        Role   `json:"role,omitempty"`
}

// MapInfo references the single active background map of a session.
type MapInfo struct {
	URL        string `json:"url"`
	Name       string `json:"name,omitempty"`
	UploadedAt int64  `json:"ts"`
}

type InitiativeEntry struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	TS    int64   `json:"ts"`
}

type ChatMessage struct {
	ID       string `json:"id"`
	UserID   string `json:"uid"`
	UserName string `json:"user"`
	Text     string `json:"text"`
	TS       int64  `json:"ts"`
}

// DiceRoll is an append-only record of one roll. Visibility is "public" or
// "private".
type DiceRoll struct {
	ID         string `json:"id"`
	UserID     string `json:"uid"`
	UserName   string `json:"user"`
	Sides      int    `json:"sides"`
	Count      int    `json:"count"`
	Rolls      []int  `json:"rolls"`
	Total      int    `json:"total"`
	Label      string `json:"label,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	TS         int64  `json:"ts"`
}

type Encounter struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Monsters []string `json:"monsters,omitempty"`
	TS       int64    `json:"ts"`
}

// Session is the root record. Subtrees (tokens, chat, ...) are synchronized
// independently and are not carried here; role resolution only needs the
// owner and the membership map.
type Session struct {
	ID        string            `json:"id"`
	Owner     string            `json:"ownerUserId,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	Map       *MapInfo          `json:"map,omitempty"`
	Users     map[string]Member `json:"users,omitempty"`
}

// Meta holds per-session scalars outside the collections.
type Meta struct {
	TurnIndex int `json:"turnIndex"`
}
