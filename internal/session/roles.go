package session

// ResolveRole derives the caller's role. Rule order: unauthenticated callers
// are viewers; the session owner is the DM; an explicit per-user override in
// the membership map wins next; everyone else is a player.
func ResolveRole(s Session, userID string) Role {
	if userID == "" {
		return RoleViewer
	}
	if s.Owner != "" && s.Owner == userID {
		return RoleDM
	}
	if m, ok := s.Users[userID]; ok {
		switch m.Role {
		case RoleDM, RolePlayer, RoleViewer:
			return m.Role
		}
	}
	return RolePlayer
}

// CanMutateToken gates token movement. The override flag is the transient
// held-key state ("shift held") that lets a player move a token they do not
// own; it is UI input, never persisted, and never promotes a viewer.
func CanMutateToken(role Role, tok Token, userID string, override bool) bool {
	switch role {
	case RoleDM:
		return true
	case RoleViewer:
		return false
	}
	return tok.Owner == userID || override
}
