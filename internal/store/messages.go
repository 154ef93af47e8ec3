package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tetherapp/tether/internal/model"
)

const messageColCount = 11

// maxBindParams is SQLite's default limit on bound parameters per
// statement; multi-row upserts are chunked to stay under it.
const maxBindParams = 999

// messagesPerChunk rows fit in one statement.
const messagesPerChunk = maxBindParams / messageColCount

const messageCols = "id, session_id, parent_id, type, timestamp, blocks, stop_reason, usage, command, fragment, raw"

func messageArgs(m *model.Message) ([]interface{}, error) {
	blocks := ""
	if len(m.Blocks) > 0 {
		encoded, err := json.Marshal(m.Blocks)
		if err != nil {
			return nil, fmt.Errorf("encode blocks for %s: %w", m.ID, err)
		}
		blocks = string(encoded)
	}
	usage := ""
	if m.Usage != nil {
		encoded, err := json.Marshal(m.Usage)
		if err != nil {
			return nil, fmt.Errorf("encode usage for %s: %w", m.ID, err)
		}
		usage = string(encoded)
	}
	command := ""
	if m.Command != nil {
		encoded, err := json.Marshal(m.Command)
		if err != nil {
			return nil, fmt.Errorf("encode command for %s: %w", m.ID, err)
		}
		command = string(encoded)
	}
	return []interface{}{
		m.ID, m.SessionID, m.ParentID, string(m.Type), m.Timestamp,
		blocks, m.StopReason, usage, command, boolInt(m.Fragment), string(m.Raw),
	}, nil
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var typ, blocks, usage, command, raw string
	var fragment int
	err := row.Scan(&m.ID, &m.SessionID, &m.ParentID, &typ, &m.Timestamp,
		&blocks, &m.StopReason, &usage, &command, &fragment, &raw)
	if err != nil {
		return nil, err
	}
	m.Type = model.MessageType(typ)
	m.Fragment = fragment != 0
	if blocks != "" {
		if err := json.Unmarshal([]byte(blocks), &m.Blocks); err != nil {
			return nil, fmt.Errorf("decode blocks for %s: %w", m.ID, err)
		}
	}
	if usage != "" {
		m.Usage = &model.Usage{}
		if err := json.Unmarshal([]byte(usage), m.Usage); err != nil {
			return nil, fmt.Errorf("decode usage for %s: %w", m.ID, err)
		}
	}
	if command != "" {
		m.Command = &model.CommandMeta{}
		if err := json.Unmarshal([]byte(command), m.Command); err != nil {
			return nil, fmt.Errorf("decode command for %s: %w", m.ID, err)
		}
	}
	if raw != "" {
		m.Raw = []byte(raw)
	}
	return &m, nil
}

// UpsertMessages writes a slice of messages inside the transaction,
// chunked so no statement exceeds the bind-parameter limit. Rows are
// replaced whole by id, which makes re-application of an already-seen
// message a no-op.
func (t *Tx) UpsertMessages(msgs []*model.Message) error {
	for start := 0; start < len(msgs); start += messagesPerChunk {
		end := start + messagesPerChunk
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := t.upsertMessageChunk(msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) upsertMessageChunk(msgs []*model.Message) error {
	var sb strings.Builder
	sb.WriteString("INSERT INTO messages (" + messageCols + ") VALUES ")
	args := make([]interface{}, 0, len(msgs)*messageColCount)
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		rowArgs, err := messageArgs(m)
		if err != nil {
			return err
		}
		args = append(args, rowArgs...)
	}
	sb.WriteString(`
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			timestamp = excluded.timestamp,
			blocks = excluded.blocks,
			stop_reason = excluded.stop_reason,
			usage = excluded.usage,
			command = excluded.command,
			fragment = excluded.fragment,
			raw = excluded.raw`)
	if _, err := t.tx.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("upsert %d messages: %w", len(msgs), err)
	}
	return nil
}

// GetMessage loads one message inside the transaction, or ErrNotFound.
func (t *Tx) GetMessage(id string) (*model.Message, error) {
	row := t.tx.QueryRow("SELECT "+messageCols+" FROM messages WHERE id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// MessagesByParent returns the messages whose parent link points at
// parentID, ordered by timestamp then id. Command/output merging uses the
// same ordering everywhere so recomputed output is stable.
func (t *Tx) MessagesByParent(parentID string) ([]*model.Message, error) {
	rows, err := t.tx.Query(
		"SELECT "+messageCols+" FROM messages WHERE parent_id = ? ORDER BY timestamp, id", parentID)
	if err != nil {
		return nil, fmt.Errorf("messages by parent %s: %w", parentID, err)
	}
	return collectMessages(rows)
}

// GetMessages returns a session's full timeline ordered by timestamp.
func (s *Store) GetMessages(sessionID string) ([]*model.Message, error) {
	rows, err := s.db.Query(
		"SELECT "+messageCols+" FROM messages WHERE session_id = ? ORDER BY timestamp, id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("get messages for %s: %w", sessionID, err)
	}
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var out []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of timeline messages (fragments
// excluded) for a session, inside the transaction.
func (t *Tx) CountMessages(sessionID string) (int, error) {
	row := t.tx.QueryRow(
		"SELECT COUNT(*) FROM messages WHERE session_id = ? AND fragment = 0", sessionID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages for %s: %w", sessionID, err)
	}
	return n, nil
}

// LatestMessage returns the most recent non-fragment message of the given
// type for a session, or nil if none exists.
func (t *Tx) LatestMessage(sessionID string, typ model.MessageType) (*model.Message, error) {
	row := t.tx.QueryRow(
		"SELECT "+messageCols+" FROM messages WHERE session_id = ? AND type = ? AND fragment = 0 ORDER BY timestamp DESC, id DESC LIMIT 1",
		sessionID, string(typ))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s message for %s: %w", typ, sessionID, err)
	}
	return m, nil
}

// FirstUserMessage returns the chronologically first user message of a
// session, or nil if none exists. Used for the one-time preview capture.
func (t *Tx) FirstUserMessage(sessionID string) (*model.Message, error) {
	row := t.tx.QueryRow(
		"SELECT "+messageCols+" FROM messages WHERE session_id = ? AND type = ? AND fragment = 0 ORDER BY timestamp, id LIMIT 1",
		sessionID, string(model.MessageUser))
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("first user message for %s: %w", sessionID, err)
	}
	return m, nil
}
