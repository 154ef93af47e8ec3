package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/tetherapp/tether/internal/model"
)

// EventKind is the closed set of classified event kinds. Anything the
// classifier cannot place here (summaries, heartbeats, future kinds) is
// dropped before merging.
type EventKind int

const (
	// KindMessage is an ordinary user/assistant/system message.
	KindMessage EventKind = iota
	// KindRename carries a session display-name or branch change.
	KindRename
	// KindPermission is a tool permission request.
	KindPermission
	// KindCommand is a local shell-style command invocation.
	KindCommand
	// KindCommandOutput is an output fragment for a command.
	KindCommandOutput
)

// Event is one classified batch entry.
type Event struct {
	Kind      EventKind
	ID        string
	SessionID string
	Timestamp int64

	// Message is set for KindMessage, KindCommand, and KindCommandOutput;
	// commands and fragments are represented as system messages carrying
	// CommandMeta.
	Message *model.Message

	// Rename is set for KindRename.
	Rename *RenameEvent

	// Permission is set for KindPermission.
	Permission *model.PendingPermission
}

// RenameEvent is a display-name and/or branch change.
type RenameEvent struct {
	Name      string
	Branch    string
	Timestamp int64
}

// messagePayload is the wire body of ordinary message events.
type messagePayload struct {
	Type       string               `json:"type"`
	Blocks     []model.ContentBlock `json:"blocks,omitempty"`
	StopReason string               `json:"stop_reason,omitempty"`
	Usage      *model.Usage         `json:"usage,omitempty"`
}

// commandPayload is the wire body of local-command events.
type commandPayload struct {
	Name   string `json:"name"`
	Args   string `json:"args,omitempty"`
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// outputPayload is the wire body of command-output fragments.
type outputPayload struct {
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// renamePayload is the wire body of rename events.
type renamePayload struct {
	Name   string `json:"name,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// permissionPayload is the wire body of permission-request events.
type permissionPayload struct {
	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`
	ToolInput string `json:"tool_input,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

// Classify decodes raw batch entries into the closed event union. Unknown
// and uninteresting kinds are dropped silently; malformed entries are
// reported so the caller can log them without aborting the batch.
func Classify(rawEvents []json.RawMessage) ([]Event, []error) {
	var events []Event
	var malformed []error

	for i, raw := range rawEvents {
		var rev model.RawEvent
		if err := json.Unmarshal(raw, &rev); err != nil {
			malformed = append(malformed, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		ev, err := classifyOne(&rev, raw)
		if err != nil {
			malformed = append(malformed, fmt.Errorf("event %d (%s): %w", i, rev.Kind, err))
			continue
		}
		if ev != nil {
			events = append(events, *ev)
		}
	}
	return events, malformed
}

func classifyOne(rev *model.RawEvent, raw json.RawMessage) (*Event, error) {
	if rev.SessionID == "" {
		return nil, fmt.Errorf("missing session id")
	}

	switch rev.Kind {
	case model.RawKindMessage:
		var p messagePayload
		if err := json.Unmarshal(rev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode message payload: %w", err)
		}
		typ := model.MessageType(p.Type)
		switch typ {
		case model.MessageUser, model.MessageAssistant, model.MessageSystem:
		default:
			return nil, fmt.Errorf("unknown message type %q", p.Type)
		}
		return &Event{
			Kind:      KindMessage,
			ID:        rev.ID,
			SessionID: rev.SessionID,
			Timestamp: rev.Timestamp,
			Message: &model.Message{
				ID:         rev.ID,
				SessionID:  rev.SessionID,
				ParentID:   rev.ParentID,
				Type:       typ,
				Timestamp:  rev.Timestamp,
				Blocks:     p.Blocks,
				StopReason: p.StopReason,
				Usage:      p.Usage,
				Raw:        raw,
			},
		}, nil

	case model.RawKindCommand:
		var p commandPayload
		if err := json.Unmarshal(rev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode command payload: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("command without a name")
		}
		return &Event{
			Kind:      KindCommand,
			ID:        rev.ID,
			SessionID: rev.SessionID,
			Timestamp: rev.Timestamp,
			Message: &model.Message{
				ID:        rev.ID,
				SessionID: rev.SessionID,
				ParentID:  rev.ParentID,
				Type:      model.MessageSystem,
				Timestamp: rev.Timestamp,
				Command: &model.CommandMeta{
					Name:   p.Name,
					Args:   p.Args,
					Stdout: p.Stdout,
					Stderr: p.Stderr,
				},
				Raw: raw,
			},
		}, nil

	case model.RawKindCommandOutput:
		var p outputPayload
		if err := json.Unmarshal(rev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode output payload: %w", err)
		}
		if rev.ParentID == "" {
			return nil, fmt.Errorf("output fragment without a parent")
		}
		return &Event{
			Kind:      KindCommandOutput,
			ID:        rev.ID,
			SessionID: rev.SessionID,
			Timestamp: rev.Timestamp,
			Message: &model.Message{
				ID:        rev.ID,
				SessionID: rev.SessionID,
				ParentID:  rev.ParentID,
				Type:      model.MessageSystem,
				Timestamp: rev.Timestamp,
				Command:   &model.CommandMeta{Stdout: p.Stdout, Stderr: p.Stderr},
				Fragment:  true,
				Raw:       raw,
			},
		}, nil

	case model.RawKindRename:
		var p renamePayload
		if err := json.Unmarshal(rev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode rename payload: %w", err)
		}
		return &Event{
			Kind:      KindRename,
			ID:        rev.ID,
			SessionID: rev.SessionID,
			Timestamp: rev.Timestamp,
			Rename:    &RenameEvent{Name: p.Name, Branch: p.Branch, Timestamp: rev.Timestamp},
		}, nil

	case model.RawKindPermission:
		var p permissionPayload
		if err := json.Unmarshal(rev.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode permission payload: %w", err)
		}
		if p.ToolUseID == "" {
			return nil, fmt.Errorf("permission request without tool_use_id")
		}
		return &Event{
			Kind:      KindPermission,
			ID:        rev.ID,
			SessionID: rev.SessionID,
			Timestamp: rev.Timestamp,
			Permission: &model.PendingPermission{
				ToolUseID: p.ToolUseID,
				ToolName:  p.ToolName,
				ToolInput: p.ToolInput,
				Mode:      p.Mode,
				Timestamp: rev.Timestamp,
			},
		}, nil

	default:
		// Summaries, heartbeats, and anything newer than this client.
		return nil, nil
	}
}
