package cmd

import (
	"strings"
	"testing"

	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/testutil"
)

func TestRenderSession(t *testing.T) {
	sess := testutil.SampleSession("sess-1")
	timeline := testutil.SampleTimeline("sess-1")

	got := renderSession(sess, timeline)
	for _, want := range []string{
		"Fix flaky tests",
		"sess-1",
		"working",
		"user",
		"fix the flaky tests",
		"assistant",
		"→ Bash",
		"command",
		"$ git status",
		"clean",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Output should contain %q, got:\n%s", want, got)
		}
	}
}

func TestRenderSessionPendingPermission(t *testing.T) {
	sess := testutil.SampleSession("sess-1")
	sess.Status = model.StatusWaitingForInput
	sess.Pending = &model.PendingPermission{ToolUseID: "tu-9", ToolName: "Bash"}

	got := renderSession(sess, nil)
	if !strings.Contains(got, "waiting for permission: Bash") {
		t.Errorf("Output should surface the pending permission, got:\n%s", got)
	}
}

func TestMessageBody(t *testing.T) {
	tests := []struct {
		name string
		msg  *model.Message
		want string
	}{
		{
			name: "text only",
			msg: &model.Message{Blocks: []model.ContentBlock{
				{Type: model.BlockText, Text: "hello"},
			}},
			want: "hello",
		},
		{
			name: "tool use",
			msg: &model.Message{Blocks: []model.ContentBlock{
				{Type: model.BlockText, Text: "running"},
				{Type: model.BlockToolUse, ToolName: "Bash"},
			}},
			want: "running\n→ Bash",
		},
		{
			name: "empty",
			msg:  &model.Message{},
			want: "(no content)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := messageBody(tt.msg); got != tt.want {
				t.Errorf("messageBody() = %q, want %q", got, tt.want)
			}
		})
	}
}
