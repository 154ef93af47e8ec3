// Package model defines the entities shared between the store, the
// projection, and the reconciliation engine.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ConnStatus is the runtime state of a workstation connection.
type ConnStatus string

const (
	ConnDisconnected ConnStatus = "disconnected"
	ConnConnecting   ConnStatus = "connecting"
	ConnConnected    ConnStatus = "connected"
	ConnError        ConnStatus = "error"
)

// SessionStatus is the user-facing status label derived from the last
// known messages of a session.
type SessionStatus string

const (
	StatusIdle            SessionStatus = "idle"
	StatusWorking         SessionStatus = "working"
	StatusWaitingForInput SessionStatus = "waiting_for_input"
	StatusClosed          SessionStatus = "closed"
)

// Workstation is a paired remote peer.
type Workstation struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Enabled bool   `json:"enabled"`
	// Active marks the workstation currently shown in the UI. Exactly one
	// workstation is active at a time; all enabled ones still connect.
	Active bool `json:"active"`
}

// Project groups sessions by the directory they ran in on a workstation.
type Project struct {
	ID            string `json:"id"`
	WorkstationID string `json:"workstation_id"`
	Path          string `json:"path"`
	Name          string `json:"name"`
	Starred       bool   `json:"starred"`
}

// ProjectID derives a stable project id from (workstationID, path) so two
// workstations with the same path never collide.
func ProjectID(workstationID, path string) string {
	h := sha256.New()
	h.Write([]byte(workstationID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Session is one conversation thread on a workstation.
type Session struct {
	ID            string        `json:"id"`
	WorkstationID string        `json:"workstation_id"`
	ProjectID     string        `json:"project_id,omitempty"`
	Name          string        `json:"name,omitempty"`
	Provider      string        `json:"provider,omitempty"`
	Model         string        `json:"model,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	StartedAt     int64         `json:"started_at,omitempty"`
	EndedAt       int64         `json:"ended_at,omitempty"`
	Open          bool          `json:"open"`
	MessageCount  int           `json:"message_count"`
	FirstMessage  string        `json:"first_message,omitempty"`
	LastActivity  int64         `json:"last_activity,omitempty"`
	Status        SessionStatus `json:"status,omitempty"`
	StatusDetail  string        `json:"status_detail,omitempty"`

	// RenamedAt is the timestamp of the last applied rename event; rename
	// conflicts resolve last-write-wins against it.
	RenamedAt int64 `json:"renamed_at,omitempty"`

	// Pending is the single outstanding permission request, if any.
	// Invariant: Open==false implies Pending==nil and a terminal Status.
	Pending *PendingPermission `json:"pending,omitempty"`
}

// MessageType distinguishes the author of a message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
	MessageSystem    MessageType = "system"
)

// Content block kinds.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockImage      = "image"
)

// ContentBlock is one element of a message body.
type ContentBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolInput string `json:"tool_input,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// CommandMeta carries the raw command metadata of a local-command system
// message. Stdout and Stderr may grow after creation as later-arriving
// output fragments are merged in; everything else is append-only.
type CommandMeta struct {
	Name   string `json:"name"`
	Args   string `json:"args,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// Usage counts tokens reported by the provider for one assistant turn.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Message is a single entry in a session timeline. IDs are assigned by the
// peer and globally unique; messages are upserted by ID, which makes
// re-applying an already-seen message a no-op.
type Message struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	ParentID   string         `json:"parent_id,omitempty"`
	Type       MessageType    `json:"type"`
	Timestamp  int64          `json:"timestamp"`
	Blocks     []ContentBlock `json:"blocks,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	Command    *CommandMeta   `json:"command,omitempty"`

	// Fragment marks a command-output fragment row. Fragments are kept for
	// replay and merging but are not timeline entries in their own right.
	Fragment bool `json:"fragment,omitempty"`

	// Raw is the source wire payload, persisted verbatim for replay. It is
	// not part of the message's logical content.
	Raw []byte `json:"-"`
}

// IsLocalCommand reports whether the message records a shell-style local
// command invocation.
func (m *Message) IsLocalCommand() bool {
	return m.Type == MessageSystem && m.Command != nil
}

// LastToolUse returns the final tool_use block of the message, if any.
func (m *Message) LastToolUse() *ContentBlock {
	for i := len(m.Blocks) - 1; i >= 0; i-- {
		if m.Blocks[i].Type == BlockToolUse {
			return &m.Blocks[i]
		}
	}
	return nil
}

// ToolResultIDs returns the tool_use ids resolved by this message.
func (m *Message) ToolResultIDs() []string {
	var ids []string
	for _, b := range m.Blocks {
		if b.Type == BlockToolResult && b.ToolUseID != "" {
			ids = append(ids, b.ToolUseID)
		}
	}
	return ids
}

// Artifact kinds.
const (
	ArtifactPlan  = "plan"
	ArtifactTodos = "todos"
)

// Artifact is a derived structured entity (task list, plan) extracted from
// the event stream, keyed by (sessionID, type).
type Artifact struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Provider  string `json:"provider,omitempty"`
	Content   string `json:"content"` // JSON-encoded
	MessageID string `json:"message_id,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// ArtifactID derives the stable artifact key for a session and type.
func ArtifactID(sessionID, typ string) string {
	return sessionID + ":" + typ
}

// PendingPermission is an unresolved tool permission request. At most one
// exists per open session; it is superseded by a tool result for the same
// ToolUseID or by a newer request.
type PendingPermission struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	ToolInput string `json:"tool_input,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Cursor is the per-session resumption bookmark sent back to the peer on
// reconnect so it only replays the delta.
type Cursor struct {
	SessionID     string `json:"session_id"`
	LastMessageID string `json:"last_message_id,omitempty"`
	LastTimestamp int64  `json:"last_timestamp"`
}

// Now returns the current time in unix milliseconds, the timestamp unit
// used throughout the wire protocol and store.
func Now() int64 {
	return time.Now().UnixMilli()
}
