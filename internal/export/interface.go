package export

import (
	"fmt"
	"io"

	"github.com/tetherapp/tether/internal/model"
)

// Document is the exportable form of one synced session: its metadata plus
// the merged timeline (command output fragments already folded in).
type Document struct {
	Session  *model.Session
	Messages []*model.Message
}

// Exporter defines the interface for all export formats
type Exporter interface {
	Export(doc *Document, w io.Writer) error
	Extension() string
}

// NewExporter creates a new exporter based on format
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "jsonl":
		return &JSONLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	case "yaml":
		return &YAMLExporter{}, nil
	case "json":
		return &JSONExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: jsonl, md, yaml, json)", format)
	}
}

// sessionView is the serialized session header shared by the structured
// formats.
type sessionView struct {
	ID           string `json:"id" yaml:"id"`
	Workstation  string `json:"workstation_id" yaml:"workstation_id"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Provider     string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	Branch       string `json:"branch,omitempty" yaml:"branch,omitempty"`
	Status       string `json:"status" yaml:"status"`
	MessageCount int    `json:"message_count" yaml:"message_count"`
	StartedAt    int64  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	LastActivity int64  `json:"last_activity,omitempty" yaml:"last_activity,omitempty"`
}

type messageView struct {
	ID         string        `json:"id" yaml:"id"`
	Type       string        `json:"type" yaml:"type"`
	Timestamp  int64         `json:"timestamp" yaml:"timestamp"`
	Text       string        `json:"text,omitempty" yaml:"text,omitempty"`
	StopReason string        `json:"stop_reason,omitempty" yaml:"stop_reason,omitempty"`
	Command    *commandView  `json:"command,omitempty" yaml:"command,omitempty"`
	ToolUses   []toolUseView `json:"tool_uses,omitempty" yaml:"tool_uses,omitempty"`
}

type commandView struct {
	Name   string `json:"name" yaml:"name"`
	Args   string `json:"args,omitempty" yaml:"args,omitempty"`
	Stdout string `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

type toolUseView struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Name  string `json:"name" yaml:"name"`
	Input string `json:"input,omitempty" yaml:"input,omitempty"`
}

type documentView struct {
	Session  sessionView   `json:"session" yaml:"session"`
	Messages []messageView `json:"messages" yaml:"messages"`
}

func buildView(doc *Document) *documentView {
	s := doc.Session
	v := &documentView{
		Session: sessionView{
			ID:           s.ID,
			Workstation:  s.WorkstationID,
			Name:         s.Name,
			Provider:     s.Provider,
			Model:        s.Model,
			Branch:       s.Branch,
			Status:       string(s.Status),
			MessageCount: s.MessageCount,
			StartedAt:    s.StartedAt,
			LastActivity: s.LastActivity,
		},
	}
	for _, m := range doc.Messages {
		v.Messages = append(v.Messages, buildMessageView(m))
	}
	return v
}

func buildMessageView(m *model.Message) messageView {
	mv := messageView{
		ID:         m.ID,
		Type:       string(m.Type),
		Timestamp:  m.Timestamp,
		Text:       messageText(m),
		StopReason: m.StopReason,
	}
	if m.Command != nil {
		mv.Command = &commandView{
			Name:   m.Command.Name,
			Args:   m.Command.Args,
			Stdout: m.Command.Stdout,
			Stderr: m.Command.Stderr,
		}
	}
	for _, b := range m.Blocks {
		if b.Type == model.BlockToolUse {
			mv.ToolUses = append(mv.ToolUses, toolUseView{
				ID:    b.ToolUseID,
				Name:  b.ToolName,
				Input: b.ToolInput,
			})
		}
	}
	return mv
}

func messageText(m *model.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == model.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}
