// Package reconcile merges raw event batches and session snapshots into
// canonical state across the durable store and the in-memory projection.
// Callers must serialize ApplyBatch/ApplySnapshot; the engine funnels every
// call through one queue.
package reconcile

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tetherapp/tether/internal/logging"
	"github.com/tetherapp/tether/internal/model"
	"github.com/tetherapp/tether/internal/projection"
	"github.com/tetherapp/tether/internal/store"
)

// previewLen bounds the cached first-message preview.
const previewLen = 120

// Reconciler applies inbound batches to the store and projection.
type Reconciler struct {
	store *store.Store
	proj  *projection.Projection
}

// New creates a Reconciler over the given store and projection.
func New(s *store.Store, p *projection.Projection) *Reconciler {
	return &Reconciler{store: s, proj: p}
}

// ApplySnapshot upserts every session in a workstation's snapshot,
// creates missing project records, and closes previously-open sessions
// absent from the list. Locally accumulated fields survive the upsert.
func (r *Reconciler) ApplySnapshot(workstationID string, snaps []model.SessionSnapshot) error {
	if _, err := r.store.GetWorkstation(workstationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn("dropping snapshot for unknown workstation %s", workstationID)
			return nil
		}
		return err
	}

	var touched []*model.Session
	err := r.store.WithTx(func(tx *store.Tx) error {
		seen := make(map[string]bool, len(snaps))
		for i := range snaps {
			snap := &snaps[i]
			seen[snap.ID] = true

			sess, err := tx.GetSession(snap.ID)
			if errors.Is(err, store.ErrNotFound) {
				sess = &model.Session{
					ID:            snap.ID,
					WorkstationID: workstationID,
					Open:          true,
				}
			} else if err != nil {
				return err
			}

			sess.Provider = snap.Provider
			sess.Model = snap.Model
			if snap.Branch != "" && sess.RenamedAt == 0 {
				sess.Branch = snap.Branch
			}
			if snap.StartedAt != 0 {
				sess.StartedAt = snap.StartedAt
			}
			sess.Open = snap.Open
			if !sess.Open {
				closeSession(sess)
			}

			if snap.Path != "" {
				proj := &model.Project{
					ID:            model.ProjectID(workstationID, snap.Path),
					WorkstationID: workstationID,
					Path:          snap.Path,
					Name:          projectName(snap.Path),
				}
				if err := tx.UpsertProject(proj); err != nil {
					return err
				}
				sess.ProjectID = proj.ID
			}

			if err := tx.UpsertSession(sess); err != nil {
				return err
			}
			touched = append(touched, sess)
		}

		// Open sessions missing from the new list are gone on the peer.
		open, err := tx.OpenSessions(workstationID)
		if err != nil {
			return err
		}
		for _, sess := range open {
			if seen[sess.ID] {
				continue
			}
			closeSession(sess)
			if err := tx.UpsertSession(sess); err != nil {
				return err
			}
			touched = append(touched, sess)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("apply snapshot for %s: %w", workstationID, err)
	}

	for _, sess := range touched {
		r.proj.PutSession(sess)
	}
	return nil
}

func closeSession(sess *model.Session) {
	sess.Open = false
	sess.Pending = nil
	sess.Status = model.StatusClosed
	sess.StatusDetail = ""
	if sess.EndedAt == 0 {
		sess.EndedAt = model.Now()
	}
}

func projectName(path string) string {
	trimmed := strings.TrimRight(path, "/")
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}

// ApplyBatch merges one batch of raw timeline events. It returns the
// batch's resumption cursor (max timestamp plus the id of the event that
// produced it), or nil if the batch contained nothing applicable.
func (r *Reconciler) ApplyBatch(workstationID string, rawEvents []json.RawMessage) (*model.Cursor, error) {
	if _, err := r.store.GetWorkstation(workstationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logging.Warn("dropping batch for unknown workstation %s", workstationID)
			return nil, nil
		}
		return nil, err
	}

	events, malformed := Classify(rawEvents)
	for _, err := range malformed {
		logging.Warn("skipping malformed event: %v", err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	var (
		touchedSessions []*model.Session
		putMessages     []*model.Message
		batchCursor     model.Cursor
	)

	err := r.store.WithTx(func(tx *store.Tx) error {
		var err error
		touchedSessions, putMessages, batchCursor, err = r.applyEvents(tx, workstationID, events)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("apply batch for %s: %w", workstationID, err)
	}

	for _, sess := range touchedSessions {
		r.proj.PutSession(sess)
	}
	for _, m := range putMessages {
		r.proj.PutMessage(m)
	}
	return &batchCursor, nil
}

// applyEvents is the transactional core of batch application.
func (r *Reconciler) applyEvents(tx *store.Tx, workstationID string, events []Event) ([]*model.Session, []*model.Message, model.Cursor, error) {
	var zero model.Cursor

	// Persist every message-bearing event, fragments included, so the raw
	// stream can be replayed later.
	var msgs []*model.Message
	commands := make(map[string]*model.Message)
	var fragmentParents []string
	for i := range events {
		ev := &events[i]
		switch ev.Kind {
		case KindMessage:
			msgs = append(msgs, ev.Message)
		case KindCommand:
			msgs = append(msgs, ev.Message)
			commands[ev.Message.ID] = ev.Message
		case KindCommandOutput:
			msgs = append(msgs, ev.Message)
			fragmentParents = append(fragmentParents, ev.Message.ParentID)
		}
	}
	if err := tx.UpsertMessages(msgs); err != nil {
		return nil, nil, zero, err
	}

	// Merge command/output pairs. Commands in this batch merge
	// immediately; fragments whose parent lives only in the store are
	// merged for the projection when the parent is resident there, and
	// otherwise reconcile naturally on the next history load.
	orphaned := make(map[string]bool)
	mergedCommands := make(map[string]*model.Message)
	for _, parentID := range fragmentParents {
		if _, inBatch := commands[parentID]; inBatch {
			continue
		}
		if _, seen := mergedCommands[parentID]; seen || orphaned[parentID] {
			continue
		}
		parent, err := tx.GetMessage(parentID)
		if errors.Is(err, store.ErrNotFound) {
			logging.Debug("orphaned output fragment: no command %s yet", parentID)
			orphaned[parentID] = true
			continue
		}
		if err != nil {
			return nil, nil, zero, err
		}
		if !parent.IsLocalCommand() {
			orphaned[parentID] = true
			continue
		}
		merged, err := r.mergeCommand(tx, parent)
		if err != nil {
			return nil, nil, zero, err
		}
		mergedCommands[parentID] = merged
	}
	for id, cmd := range commands {
		merged, err := r.mergeCommand(tx, cmd)
		if err != nil {
			return nil, nil, zero, err
		}
		mergedCommands[id] = merged
	}

	// Group the remaining work per session.
	perSession := make(map[string][]*Event)
	for i := range events {
		ev := &events[i]
		perSession[ev.SessionID] = append(perSession[ev.SessionID], ev)
	}
	sessionIDs := make([]string, 0, len(perSession))
	for id := range perSession {
		sessionIDs = append(sessionIDs, id)
	}
	sort.Strings(sessionIDs)

	var touched []*model.Session
	var batchCursor model.Cursor
	for _, sid := range sessionIDs {
		sess, err := r.applySessionEvents(tx, workstationID, sid, perSession[sid])
		if err != nil {
			return nil, nil, zero, err
		}
		touched = append(touched, sess)
	}

	// Batch cursor: the maximum timestamp across applied events and the
	// event that produced it.
	for i := range events {
		ev := &events[i]
		if ev.Timestamp > batchCursor.LastTimestamp {
			batchCursor.LastTimestamp = ev.Timestamp
			batchCursor.LastMessageID = ev.ID
		}
	}
	for _, sid := range sessionIDs {
		cur := model.Cursor{SessionID: sid}
		for _, ev := range perSession[sid] {
			if ev.Timestamp > cur.LastTimestamp {
				cur.LastTimestamp = ev.Timestamp
				cur.LastMessageID = ev.ID
			}
		}
		if err := tx.SetCursor(workstationID, cur); err != nil {
			return nil, nil, zero, err
		}
	}

	// Decide which message bodies reach the projection: ordinary messages
	// and in-batch merged commands always; store-resident parents of
	// orphan fragments only when already resident in memory (late
	// binding).
	var put []*model.Message
	for i := range events {
		ev := &events[i]
		if ev.Kind == KindMessage {
			put = append(put, ev.Message)
		}
	}
	for id, merged := range mergedCommands {
		if _, inBatch := commands[id]; inBatch || r.proj.HasMessage(merged.SessionID, id) {
			put = append(put, merged)
		}
	}

	return touched, put, batchCursor, nil
}

// mergeCommand recomputes a command's visible stdout/stderr from its
// stored base values plus every persisted fragment, in timestamp order.
// Recomputing from scratch is what keeps re-applied batches idempotent.
func (r *Reconciler) mergeCommand(tx *store.Tx, cmd *model.Message) (*model.Message, error) {
	fragments, err := tx.MessagesByParent(cmd.ID)
	if err != nil {
		return nil, err
	}
	merged := *cmd
	meta := *cmd.Command
	stdout := []string{}
	stderr := []string{}
	if meta.Stdout != "" {
		stdout = append(stdout, meta.Stdout)
	}
	if meta.Stderr != "" {
		stderr = append(stderr, meta.Stderr)
	}
	for _, frag := range fragments {
		if !frag.Fragment || frag.Command == nil {
			continue
		}
		if frag.Command.Stdout != "" {
			stdout = append(stdout, frag.Command.Stdout)
		}
		if frag.Command.Stderr != "" {
			stderr = append(stderr, frag.Command.Stderr)
		}
	}
	meta.Stdout = strings.Join(stdout, "\n")
	meta.Stderr = strings.Join(stderr, "\n")
	merged.Command = &meta
	return &merged, nil
}

// applySessionEvents recomputes one session's metadata, status, pending
// permission, renames, and artifacts after the batch's messages are
// persisted.
func (r *Reconciler) applySessionEvents(tx *store.Tx, workstationID, sessionID string, events []*Event) (*model.Session, error) {
	sess, err := tx.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		// The snapshot normally precedes any batch; tolerate the gap with
		// a skeleton rather than dropping history.
		sess = &model.Session{ID: sessionID, WorkstationID: workstationID, Open: true}
	} else if err != nil {
		return nil, err
	}
	hadMessages := sess.MessageCount > 0

	count, err := tx.CountMessages(sessionID)
	if err != nil {
		return nil, err
	}
	sess.MessageCount = count

	for _, ev := range events {
		if ev.Timestamp > sess.LastActivity {
			sess.LastActivity = ev.Timestamp
		}
	}

	// The preview is captured once, the first time messages appear.
	if !hadMessages && sess.FirstMessage == "" {
		first, err := tx.FirstUserMessage(sessionID)
		if err != nil {
			return nil, err
		}
		if first != nil {
			sess.FirstMessage = truncate(messageText(first), previewLen)
		}
	}

	// Renames resolve last-write-wins by event timestamp.
	for _, ev := range events {
		if ev.Kind != KindRename || ev.Rename.Timestamp < sess.RenamedAt {
			continue
		}
		if ev.Rename.Name != "" {
			sess.Name = ev.Rename.Name
		}
		if ev.Rename.Branch != "" {
			sess.Branch = ev.Rename.Branch
		}
		sess.RenamedAt = ev.Rename.Timestamp
	}

	// Permission lifecycle: results in this batch resolve matching
	// requests, both pre-existing and same-batch; stale requests never
	// displace a fresher pending entry.
	resolved := make(map[string]bool)
	for _, ev := range events {
		if ev.Kind != KindMessage {
			continue
		}
		for _, id := range ev.Message.ToolResultIDs() {
			resolved[id] = true
		}
	}
	if sess.Pending != nil && resolved[sess.Pending.ToolUseID] {
		sess.Pending = nil
	}
	perms := make([]*model.PendingPermission, 0)
	for _, ev := range events {
		if ev.Kind == KindPermission {
			perms = append(perms, ev.Permission)
		}
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i].Timestamp < perms[j].Timestamp })
	for _, p := range perms {
		if resolved[p.ToolUseID] {
			continue
		}
		if sess.Pending != nil && sess.Pending.Timestamp > p.Timestamp {
			continue
		}
		sess.Pending = p
	}

	// Status from the latest known user and assistant messages.
	lastAssistant, err := tx.LatestMessage(sessionID, model.MessageAssistant)
	if err != nil {
		return nil, err
	}
	lastUser, err := tx.LatestMessage(sessionID, model.MessageUser)
	if err != nil {
		return nil, err
	}
	sess.Status, sess.StatusDetail = DeriveStatus(lastAssistant, lastUser, sess.Open)
	if sess.Open && sess.Pending != nil {
		// An unresolved permission request outranks whatever the message
		// tail says: the agent is blocked on the user.
		sess.Status = model.StatusWaitingForInput
		sess.StatusDetail = sess.Pending.ToolName
	}
	if !sess.Open {
		closeSession(sess)
	}

	if err := tx.UpsertSession(sess); err != nil {
		return nil, err
	}

	// Artifacts extracted from this session's assistant messages.
	sessionEvents := make([]Event, 0, len(events))
	for _, ev := range events {
		sessionEvents = append(sessionEvents, *ev)
	}
	for _, change := range extractArtifacts(sessionEvents, sess.Provider) {
		existing, err := tx.GetArtifact(change.sessionID, change.typ)
		if errors.Is(err, store.ErrNotFound) {
			existing = nil
		} else if err != nil {
			return nil, err
		}
		artifact, changed, err := applyArtifactChange(existing, change)
		if err != nil {
			return nil, err
		}
		if changed {
			if err := tx.UpsertArtifact(artifact); err != nil {
				return nil, err
			}
		}
	}

	return sess, nil
}

// messageText extracts the concatenated text content of a message.
func messageText(m *model.Message) string {
	var parts []string
	for _, b := range m.Blocks {
		if b.Type == model.BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
