package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	ClientID        string        `json:"client_id"`
	User            *IdentityInfo `json:"user,omitempty"` // nil for unauthenticated viewers
}

type IdentityInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// SUB / UNSUB (client -> server)
type SubMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubID           string `json:"sub_id"`
	Path            string `json:"path"`
}

type UnsubMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubID           string `json:"sub_id"`
}

// SNAPSHOT (server -> client): full subtree value at path. Sent once on SUB,
// again on every change under the path, and as the reply to READ (with OpID
// set instead of SubID).
type SnapshotMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SubID           string `json:"sub_id,omitempty"`
	OpID            string `json:"op_id,omitempty"`
	Path            string `json:"path"`
	Value           any    `json:"value"`
}

// PUT / PATCH / DEL / READ / KEYREQ (client -> server)
type OpMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	OpID            string `json:"op_id"`
	Path            string `json:"path"`
	Value           any    `json:"value,omitempty"`
}

// KEY (server -> client): reply to KEYREQ.
type KeyMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	OpID            string `json:"op_id"`
	Key             string `json:"key"`
}

// ACK (server -> client): outcome of a mutating op.
type AckMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	AckFor          string `json:"ack_for"`
	Accepted        bool   `json:"accepted"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ERR (server -> client): connection-level failure not tied to one op.
type ErrMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Code            string `json:"code"`
	Message         string `json:"message,omitempty"`
}
