package model

import "encoding/json"

// SessionSnapshot is one entry of the full session-list snapshot a
// workstation sends after the init handshake. It deliberately carries less
// than Session: locally accumulated fields (name overrides, message count,
// first-message preview) are preserved across snapshot upserts.
type SessionSnapshot struct {
	ID        string `json:"id"`
	Path      string `json:"path,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Branch    string `json:"branch,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"`
	Open      bool   `json:"open"`
}

// RawEvent is the unclassified wire form of one timeline event. The peer
// streams these in batches; the reconciliation engine classifies each into
// a closed set of event kinds and drops the rest.
type RawEvent struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	ParentID  string          `json:"parent_id,omitempty"`
	Kind      string          `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Raw event kinds as emitted by the workstation daemon.
const (
	RawKindMessage       = "message"        // ordinary user/assistant/system message
	RawKindRename        = "rename"         // session display-name change
	RawKindPermission    = "permission"     // tool permission request
	RawKindCommand       = "command"        // local shell-style command invocation
	RawKindCommandOutput = "command-output" // output fragment for a command
	RawKindSummary       = "summary"        // dropped
	RawKindHeartbeat     = "heartbeat"      // dropped
)
