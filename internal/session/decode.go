package session

import (
	"encoding/json"
	"sort"
)

// reshape converts a generic store snapshot into a typed value by a JSON
// round trip. Unknown fields are dropped, missing fields zeroed.
func reshape(v any, dst any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// DecodeSession decodes the root session record from a full-session snapshot.
func DecodeSession(id string, v any) (Session, bool) {
	if v == nil {
		return Session{}, false
	}
	var s Session
	if err := reshape(v, &s); err != nil {
		return Session{}, false
	}
	s.ID = id
	for uid, m := range s.Users {
		m.UserID = uid
		s.Users[uid] = m
	}
	return s, true
}

// DecodeTokens decodes a tokens-subtree snapshot. Each token's ID is taken
// from its store key, which is authoritative over any embedded id field.
func DecodeTokens(v any) map[string]Token {
	out := map[string]Token{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for key, raw := range m {
		var t Token
		if err := reshape(raw, &t); err != nil {
			continue
		}
		t.ID = key
		out[key] = t
	}
	return out
}

// DecodeMembers decodes a users-subtree snapshot keyed by user id.
func DecodeMembers(v any) map[string]Member {
	out := map[string]Member{}
	m, ok := v.(map[string]any)
	if !ok {
		return out
	}
	for uid, raw := range m {
		var mem Member
		if err := reshape(raw, &mem); err != nil {
			continue
		}
		mem.UserID = uid
		out[uid] = mem
	}
	return out
}

// decodeKeyed decodes a push-key collection into a slice ordered by store
// key, i.e. by creation.
func decodeKeyed[T any](v any, setID func(*T, string)) []T {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		var item T
		if err := reshape(m[k], &item); err != nil {
			continue
		}
		setID(&item, k)
		out = append(out, item)
	}
	return out
}

func DecodeChat(v any) []ChatMessage {
	return decodeKeyed[ChatMessage](v, func(m *ChatMessage, id string) { m.ID = id })
}

func DecodeRolls(v any) []DiceRoll {
	return decodeKeyed[DiceRoll](v, func(r *DiceRoll, id string) { r.ID = id })
}

func DecodeInitiative(v any) []InitiativeEntry {
	return decodeKeyed[InitiativeEntry](v, func(e *InitiativeEntry, id string) { e.ID = id })
}

func DecodeEncounters(v any) []Encounter {
	return decodeKeyed[Encounter](v, func(e *Encounter, id string) { e.ID = id })
}

func DecodeMap(v any) *MapInfo {
	if v == nil {
		return nil
	}
	var m MapInfo
	if err := reshape(v, &m); err != nil || m.URL == "" {
		return nil
	}
	return &m
}

// DecodeMeta decodes the per-session meta subtree. A negative or unreadable
// turn index defaults to 0.
func DecodeMeta(v any) Meta {
	var m Meta
	if err := reshape(v, &m); err != nil || m.TurnIndex < 0 {
		return Meta{}
	}
	return m
}
