// Package testutil provides shared fixtures for tests: a seeded store and
// canonical sample sessions with merged timelines.
package testutil

import (
	"testing"

	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/store"
)

// SampleWorkstation returns a paired, enabled workstation.
func SampleWorkstation() *model.Workstation {
	return &model.Workstation{
		ID:      "ws-test",
		Name:    "studio",
		Address: "studio.local:9000",
		Enabled: true,
		Active:  true,
	}
}

// SampleSession returns an open session with accumulated metadata.
func SampleSession(id string) *model.Session {
	return &model.Session{
		ID:            id,
		WorkstationID: "ws-test",
		Name:          "Fix flaky tests",
		Provider:      "anthropic",
		Model:         "opus",
		Branch:        "main",
		Open:          true,
		Status:        model.StatusWorking,
		MessageCount:  3,
		FirstMessage:  "fix the flaky tests",
		StartedAt:     1700000000000,
		LastActivity:  1700000002000,
	}
}

// SampleTimeline returns a short conversation for the given session: a
// user message, an assistant tool use, and a merged local command.
func SampleTimeline(sessionID string) []*model.Message {
	return []*model.Message{
		{
			ID:        "m1",
			SessionID: sessionID,
			Type:      model.MessageUser,
			Timestamp: 1700000000000,
			Blocks:    []model.ContentBlock{{Type: model.BlockText, Text: "fix the flaky tests"}},
		},
		{
			ID:         "m2",
			SessionID:  sessionID,
			Type:       model.MessageAssistant,
			Timestamp:  1700000001000,
			StopReason: "tool_use",
			Blocks: []model.ContentBlock{
				{Type: model.BlockText, Text: "Looking at the failures now."},
				{Type: model.BlockToolUse, ToolUseID: "tu-1", ToolName: "Bash", ToolInput: `{"command":"go test ./..."}`},
			},
		},
		{
			ID:        "m3",
			SessionID: sessionID,
			Type:      model.MessageSystem,
			Timestamp: 1700000002000,
			Command:   &model.CommandMeta{Name: "git", Args: "status", Stdout: "clean"},
		},
	}
}

// SeedStore writes the sample workstation, one session, and its timeline
// into a store.
func SeedStore(t *testing.T, s *store.Store, sessionID string) {
	t.Helper()
	if err := s.UpsertWorkstation(SampleWorkstation()); err != nil {
		t.Fatalf("Failed to seed workstation: %v", err)
	}
	if err := s.UpsertSession(SampleSession(sessionID)); err != nil {
		t.Fatalf("Failed to seed session: %v", err)
	}
	err := s.WithTx(func(tx *store.Tx) error {
		return tx.UpsertMessages(SampleTimeline(sessionID))
	})
	if err != nil {
		t.Fatalf("Failed to seed messages: %v", err)
	}
}
