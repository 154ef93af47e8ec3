package reconcile

import (
	"encoding/json"
	"testing"
)

func TestMergeTodosReplaceWithoutIDs(t *testing.T) {
	existing := `[{"content":"old","status":"done"}]`
	merged, err := mergeTodos(existing, []TodoItem{{Content: "new one"}})
	if err != nil {
		t.Fatalf("mergeTodos: %v", err)
	}

	var items []TodoItem
	if err := json.Unmarshal([]byte(merged), &items); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if len(items) != 1 || items[0].Content != "new one" {
		t.Errorf("merged = %+v, want full replacement", items)
	}
}

func TestMergeTodosAccumulatesByID(t *testing.T) {
	merged, err := mergeTodos("", []TodoItem{{ID: "t1", Content: "first", Status: "pending"}})
	if err != nil {
		t.Fatalf("mergeTodos: %v", err)
	}
	// A second write adds a new item and updates the first in place.
	merged, err = mergeTodos(merged, []TodoItem{
		{ID: "t1", Status: "done"},
		{ID: "t2", Content: "second", Status: "pending"},
	})
	if err != nil {
		t.Fatalf("mergeTodos: %v", err)
	}

	var items []TodoItem
	if err := json.Unmarshal([]byte(merged), &items); err != nil {
		t.Fatalf("decode merged: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("item count = %d, want 2", len(items))
	}
	if items[0].ID != "t1" || items[0].Status != "done" || items[0].Content != "first" {
		t.Errorf("t1 = %+v, want status updated in place", items[0])
	}
	if items[1].ID != "t2" || items[1].Content != "second" {
		t.Errorf("t2 = %+v", items[1])
	}
}

func TestMergeTodosIdempotent(t *testing.T) {
	write := []TodoItem{{ID: "t1", Content: "a"}, {ID: "t2", Content: "b"}}
	once, err := mergeTodos("", write)
	if err != nil {
		t.Fatalf("mergeTodos: %v", err)
	}
	twice, err := mergeTodos(once, write)
	if err != nil {
		t.Fatalf("mergeTodos: %v", err)
	}
	if once != twice {
		t.Errorf("re-applying the same write changed content:\n%s\n%s", once, twice)
	}
}

func TestUpdateTodoUnknownIDIsNoOp(t *testing.T) {
	existing := `[{"id":"t1","content":"a","status":"pending"}]`
	updated, changed, err := updateTodo(existing, todoUpdateInput{ID: "missing", Status: "done"})
	if err != nil {
		t.Fatalf("updateTodo: %v", err)
	}
	if changed {
		t.Error("update with unknown id reported a change")
	}
	if updated != existing {
		t.Errorf("content changed: %s", updated)
	}
}

func TestUpdateTodoMutatesInPlace(t *testing.T) {
	existing := `[{"id":"t1","content":"a","status":"pending"},{"id":"t2","content":"b","status":"pending"}]`
	updated, changed, err := updateTodo(existing, todoUpdateInput{ID: "t2", Status: "done"})
	if err != nil {
		t.Fatalf("updateTodo: %v", err)
	}
	if !changed {
		t.Fatal("update with known id reported no change")
	}

	var items []TodoItem
	if err := json.Unmarshal([]byte(updated), &items); err != nil {
		t.Fatalf("decode updated: %v", err)
	}
	if len(items) != 2 || items[1].Status != "done" || items[0].Status != "pending" {
		t.Errorf("updated = %+v", items)
	}
}
