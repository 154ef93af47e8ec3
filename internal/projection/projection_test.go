package projection

import (
	"testing"

	"github.com/tetherapp/tether/internal/model"
)

func TestSessionsSortedByActivity(t *testing.T) {
	p := New(RetainAll)
	p.PutSession(&model.Session{ID: "old", LastActivity: 100})
	p.PutSession(&model.Session{ID: "new", LastActivity: 300})
	p.PutSession(&model.Session{ID: "mid", LastActivity: 200})

	got := p.Sessions()
	wantOrder := []string{"new", "mid", "old"}
	for i, want := range wantOrder {
		if got[i].ID != want {
			t.Errorf("Sessions()[%d] = %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestRetainViewedPolicy(t *testing.T) {
	p := New(RetainViewed)
	p.SetViewed("s1")

	p.PutMessage(&model.Message{ID: "m1", SessionID: "s1", Timestamp: 1})
	p.PutMessage(&model.Message{ID: "m2", SessionID: "s2", Timestamp: 2})

	if !p.HasMessage("s1", "m1") {
		t.Error("viewed session message was not retained")
	}
	if p.HasMessage("s2", "m2") {
		t.Error("non-viewed session message was retained under RetainViewed")
	}

	// Switching the view drops the old timeline.
	p.SetViewed("s2")
	if p.HasMessage("s1", "m1") {
		t.Error("old viewed timeline survived a view switch")
	}
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	p := New(RetainAll)
	p.PutMessage(&model.Message{ID: "b", SessionID: "s1", Timestamp: 2})
	p.PutMessage(&model.Message{ID: "a", SessionID: "s1", Timestamp: 1})
	p.PutMessage(&model.Message{ID: "c", SessionID: "s1", Timestamp: 3})

	got := p.Messages("s1")
	if len(got) != 3 || got[0].ID != "a" || got[2].ID != "c" {
		t.Errorf("Messages order = %v", []string{got[0].ID, got[1].ID, got[2].ID})
	}
}

func TestPutMessageUpsertsByID(t *testing.T) {
	p := New(RetainAll)
	p.PutMessage(&model.Message{ID: "m1", SessionID: "s1", Timestamp: 1})
	p.PutMessage(&model.Message{ID: "m1", SessionID: "s1", Timestamp: 1,
		Command: &model.CommandMeta{Name: "ls", Stdout: "a\nb"}})

	got := p.Messages("s1")
	if len(got) != 1 {
		t.Fatalf("upsert created %d messages, want 1", len(got))
	}
	if got[0].Command == nil || got[0].Command.Stdout != "a\nb" {
		t.Errorf("upsert did not replace message content: %+v", got[0])
	}
}

func TestWatchSignalsOnChange(t *testing.T) {
	p := New(RetainAll)
	ch := p.Watch()

	p.PutSession(&model.Session{ID: "s1"})

	select {
	case <-ch:
	default:
		t.Error("Watch channel did not receive a change signal")
	}

	// Signals coalesce; multiple changes never block the writer.
	p.PutSession(&model.Session{ID: "s2"})
	p.PutSession(&model.Session{ID: "s3"})
}

func TestRemoveWorkstation(t *testing.T) {
	p := New(RetainAll)
	p.PutSession(&model.Session{ID: "s1", WorkstationID: "ws-1"})
	p.PutSession(&model.Session{ID: "s2", WorkstationID: "ws-2"})
	p.PutMessage(&model.Message{ID: "m1", SessionID: "s1"})

	p.RemoveWorkstation("ws-1")

	if _, ok := p.Session("s1"); ok {
		t.Error("ws-1 session survived RemoveWorkstation")
	}
	if _, ok := p.Session("s2"); !ok {
		t.Error("ws-2 session was removed incorrectly")
	}
	if p.HasMessage("s1", "m1") {
		t.Error("ws-1 message survived RemoveWorkstation")
	}
}
