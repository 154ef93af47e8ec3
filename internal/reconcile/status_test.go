package reconcile

import (
	"testing"

	"github.com/tetherapp/tether/internal/model"
)

func assistantMsg(ts int64, stopReason string, toolName string) *model.Message {
	m := &model.Message{
		ID:         "a",
		SessionID:  "s1",
		Type:       model.MessageAssistant,
		Timestamp:  ts,
		StopReason: stopReason,
		Blocks:     []model.ContentBlock{{Type: model.BlockText, Text: "ok"}},
	}
	if toolName != "" {
		m.Blocks = append(m.Blocks, model.ContentBlock{
			Type: model.BlockToolUse, ToolUseID: "tu-1", ToolName: toolName,
		})
	}
	return m
}

func userMsg(ts int64) *model.Message {
	return &model.Message{
		ID: "u", SessionID: "s1", Type: model.MessageUser, Timestamp: ts,
		Blocks: []model.ContentBlock{{Type: model.BlockText, Text: "hi"}},
	}
}

// The scenario table is the authoritative contract for status derivation;
// extend it with characterization cases rather than changing behavior.
func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name       string
		assistant  *model.Message
		user       *model.Message
		open       bool
		want       model.SessionStatus
		wantDetail string
	}{
		{
			name: "closed session is terminal",
			assistant: assistantMsg(2, StopReasonToolUse, "AskUserQuestion"),
			user: userMsg(1),
			open: false,
			want: model.StatusClosed,
		},
		{
			name: "no messages yet",
			open: true,
			want: model.StatusIdle,
		},
		{
			name: "user message with no reply",
			user: userMsg(1),
			open: true,
			want: model.StatusWorking,
		},
		{
			name:      "assistant finished cleanly",
			assistant: assistantMsg(2, "end_turn", ""),
			user:      userMsg(1),
			open:      true,
			want:      model.StatusIdle,
		},
		{
			name:       "assistant waiting on executing tool",
			assistant:  assistantMsg(2, StopReasonToolUse, "Bash"),
			user:       userMsg(1),
			open:       true,
			want:       model.StatusWorking,
			wantDetail: "Bash",
		},
		{
			name:       "assistant waiting on user-input tool",
			assistant:  assistantMsg(2, StopReasonToolUse, "AskUserQuestion"),
			user:       userMsg(1),
			open:       true,
			want:       model.StatusWaitingForInput,
			wantDetail: "AskUserQuestion",
		},
		{
			name:       "plan approval needs the user",
			assistant:  assistantMsg(2, StopReasonToolUse, "ExitPlanMode"),
			user:       userMsg(1),
			open:       true,
			want:       model.StatusWaitingForInput,
			wantDetail: "ExitPlanMode",
		},
		{
			name:      "tool result after tool use returns to working",
			assistant: assistantMsg(2, StopReasonToolUse, "Bash"),
			user: &model.Message{
				ID: "u2", SessionID: "s1", Type: model.MessageUser, Timestamp: 3,
				Blocks: []model.ContentBlock{{Type: model.BlockToolResult, ToolUseID: "tu-1"}},
			},
			open: true,
			want: model.StatusWorking,
		},
		{
			name:      "stop reason tool_use without a tool block",
			assistant: assistantMsg(2, StopReasonToolUse, ""),
			user:      userMsg(1),
			open:      true,
			want:      model.StatusWorking,
		},
		{
			name:      "assistant only, no user message",
			assistant: assistantMsg(2, "end_turn", ""),
			open:      true,
			want:      model.StatusIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, detail := DeriveStatus(tt.assistant, tt.user, tt.open)
			if got != tt.want {
				t.Errorf("DeriveStatus = %q, want %q", got, tt.want)
			}
			if detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", detail, tt.wantDetail)
			}
		})
	}
}
