package session

import "path"

// Store path layout, per session:
//
//	sessions/{id}/ownerUserId
//	sessions/{id}/createdAt
//	sessions/{id}/map
//	sessions/{id}/tokens/{tokenId}
//	sessions/{id}/chat/{msgId}
//	sessions/{id}/rolls/{rollId}
//	sessions/{id}/notes
//	sessions/{id}/initiative/{entryId}
//	sessions/{id}/encounters/{encId}
//	sessions/{id}/users/{userId}
//	sessions/{id}/meta/turnIndex

const Root = "sessions"

func Path(sessionID string, parts ...string) string {
	return path.Join(append([]string{Root, sessionID}, parts...)...)
}

func OwnerPath(id string) string      { return Path(id, "ownerUserId") }
func CreatedAtPath(id string) string  { return Path(id, "createdAt") }
func MapPath(id string) string        { return Path(id, "map") }
func TokensPath(id string) string     { return Path(id, "tokens") }
func TokenPath(id, tid string) string { return Path(id, "tokens", tid) }
func ChatPath(id string) string       { return Path(id, "chat") }
func RollsPath(id string) string      { return Path(id, "rolls") }
func NotesPath(id string) string      { return Path(id, "notes") }
func InitiativePath(id string) string { return Path(id, "initiative") }
func EncountersPath(id string) string { return Path(id, "encounters") }
func UsersPath(id string) string      { return Path(id, "users") }
func UserPath(id, uid string) string  { return Path(id, "users", uid) }
func MetaPath(id string) string       { return Path(id, "meta") }
func TurnIndexPath(id string) string  { return Path(id, "meta", "turnIndex") }
