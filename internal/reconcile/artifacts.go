package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/tetherapp/tether/internal/model"
)

// Tool names that produce artifacts.
const (
	toolTodoWrite  = "TodoWrite"
	toolTodoUpdate = "TodoUpdate"
	toolPlanWrite  = "ExitPlanMode"
)

// TodoItem is one entry of a todos artifact. Items from legacy producers
// carry no ID and force whole-list replacement.
type TodoItem struct {
	ID      string `json:"id,omitempty"`
	Content string `json:"content"`
	Status  string `json:"status,omitempty"`
}

type todoWriteInput struct {
	Todos []TodoItem `json:"todos"`
}

type todoUpdateInput struct {
	ID      string `json:"id"`
	Status  string `json:"status,omitempty"`
	Content string `json:"content,omitempty"`
}

type planInput struct {
	Plan string `json:"plan"`
}

// mergeTodos applies one todos update to the existing artifact content.
//
// Two policies, selected by producer: lists whose items carry stable IDs
// accumulate (new IDs append, known IDs update in place); lists without
// any IDs replace the previous content wholesale.
func mergeTodos(existing string, incoming []TodoItem) (string, error) {
	hasIDs := false
	for _, item := range incoming {
		if item.ID != "" {
			hasIDs = true
			break
		}
	}
	if !hasIDs {
		encoded, err := json.Marshal(incoming)
		if err != nil {
			return "", fmt.Errorf("encode todos: %w", err)
		}
		return string(encoded), nil
	}

	var current []TodoItem
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &current); err != nil {
			// Unreadable prior content is replaced rather than wedging the
			// artifact forever.
			current = nil
		}
	}

	index := make(map[string]int, len(current))
	for i, item := range current {
		if item.ID != "" {
			index[item.ID] = i
		}
	}
	for _, item := range incoming {
		if item.ID == "" {
			continue
		}
		if i, ok := index[item.ID]; ok {
			if item.Content != "" {
				current[i].Content = item.Content
			}
			if item.Status != "" {
				current[i].Status = item.Status
			}
			continue
		}
		index[item.ID] = len(current)
		current = append(current, item)
	}

	encoded, err := json.Marshal(current)
	if err != nil {
		return "", fmt.Errorf("encode todos: %w", err)
	}
	return string(encoded), nil
}

// updateTodo mutates a single existing entry by identifier. An update for
// an identifier not yet seen is dropped, not buffered; the next snapshot
// reload reconciles it once the create event lands.
func updateTodo(existing string, update todoUpdateInput) (string, bool, error) {
	if update.ID == "" || existing == "" {
		return existing, false, nil
	}
	var current []TodoItem
	if err := json.Unmarshal([]byte(existing), &current); err != nil {
		return existing, false, nil
	}
	for i := range current {
		if current[i].ID != update.ID {
			continue
		}
		if update.Status != "" {
			current[i].Status = update.Status
		}
		if update.Content != "" {
			current[i].Content = update.Content
		}
		encoded, err := json.Marshal(current)
		if err != nil {
			return "", false, fmt.Errorf("encode todos: %w", err)
		}
		return string(encoded), true, nil
	}
	return existing, false, nil
}

// artifactChange is one extracted artifact mutation, in batch order.
type artifactChange struct {
	sessionID string
	typ       string
	messageID string
	timestamp int64
	provider  string

	// Exactly one of these is set.
	todos      []TodoItem
	todoUpdate *todoUpdateInput
	plan       *string
}

// extractArtifacts pulls artifact mutations out of a batch's assistant
// messages, in timeline order.
func extractArtifacts(events []Event, provider string) []artifactChange {
	var changes []artifactChange
	for _, ev := range events {
		if ev.Kind != KindMessage || ev.Message.Type != model.MessageAssistant {
			continue
		}
		for _, block := range ev.Message.Blocks {
			if block.Type != model.BlockToolUse {
				continue
			}
			switch block.ToolName {
			case toolTodoWrite:
				var input todoWriteInput
				if err := json.Unmarshal([]byte(block.ToolInput), &input); err != nil {
					continue
				}
				changes = append(changes, artifactChange{
					sessionID: ev.SessionID,
					typ:       model.ArtifactTodos,
					messageID: ev.Message.ID,
					timestamp: ev.Timestamp,
					provider:  provider,
					todos:     input.Todos,
				})
			case toolTodoUpdate:
				var input todoUpdateInput
				if err := json.Unmarshal([]byte(block.ToolInput), &input); err != nil {
					continue
				}
				changes = append(changes, artifactChange{
					sessionID:  ev.SessionID,
					typ:        model.ArtifactTodos,
					messageID:  ev.Message.ID,
					timestamp:  ev.Timestamp,
					provider:   provider,
					todoUpdate: &input,
				})
			case toolPlanWrite:
				var input planInput
				if err := json.Unmarshal([]byte(block.ToolInput), &input); err != nil {
					continue
				}
				plan := input.Plan
				changes = append(changes, artifactChange{
					sessionID: ev.SessionID,
					typ:       model.ArtifactPlan,
					messageID: ev.Message.ID,
					timestamp: ev.Timestamp,
					provider:  provider,
					plan:      &plan,
				})
			}
		}
	}
	return changes
}

// applyArtifactChange merges one change into the stored artifact value and
// reports whether anything changed.
func applyArtifactChange(existing *model.Artifact, change artifactChange) (*model.Artifact, bool, error) {
	content := ""
	if existing != nil {
		content = existing.Content
	}

	switch {
	case change.plan != nil:
		// Plans always replace.
		encoded, err := json.Marshal(*change.plan)
		if err != nil {
			return nil, false, fmt.Errorf("encode plan: %w", err)
		}
		content = string(encoded)

	case change.todoUpdate != nil:
		updated, changed, err := updateTodo(content, *change.todoUpdate)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return existing, false, nil
		}
		content = updated

	default:
		merged, err := mergeTodos(content, change.todos)
		if err != nil {
			return nil, false, err
		}
		content = merged
	}

	return &model.Artifact{
		ID:        model.ArtifactID(change.sessionID, change.typ),
		SessionID: change.sessionID,
		Type:      change.typ,
		Provider:  change.provider,
		Content:   content,
		MessageID: change.messageID,
		UpdatedAt: change.timestamp,
	}, true, nil
}
