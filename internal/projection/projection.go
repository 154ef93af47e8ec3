// Package projection is the reactive in-memory view of synced state. It
// mirrors the durable store for whatever the UI needs live access to and
// notifies watchers on every change.
package projection

import (
	"sort"
	"sync"

	"github.com/tetherapp/tether/internal/model"
)

// Policy controls how many messages the projection retains. Handhelds
// with tight memory keep only the viewed session's timeline; everything
// else still tracks session metadata.
type Policy int

const (
	// RetainViewed keeps message bodies only for the viewed session.
	RetainViewed Policy = iota
	// RetainAll keeps every message for every session.
	RetainAll
)

// Projection provides thread-safe access to the in-memory state.
type Projection struct {
	mu       sync.RWMutex
	policy   Policy
	viewed   string
	sessions map[string]*model.Session
	messages map[string]map[string]*model.Message

	watchMu  sync.Mutex
	watchers []chan struct{}
}

// New creates an empty projection with the given retention policy.
func New(policy Policy) *Projection {
	return &Projection{
		policy:   policy,
		sessions: make(map[string]*model.Session),
		messages: make(map[string]map[string]*model.Message),
	}
}

// Watch returns a channel that receives a coalesced signal after every
// change.
func (p *Projection) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.watchMu.Lock()
	p.watchers = append(p.watchers, ch)
	p.watchMu.Unlock()
	return ch
}

func (p *Projection) notify() {
	p.watchMu.Lock()
	defer p.watchMu.Unlock()
	for _, ch := range p.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetViewed marks the session whose timeline the UI is displaying. Under
// RetainViewed, other sessions' message bodies are dropped; the viewed
// session's history is reloaded from the store by the caller.
func (p *Projection) SetViewed(sessionID string) {
	p.mu.Lock()
	p.viewed = sessionID
	if p.policy == RetainViewed {
		for id := range p.messages {
			if id != sessionID {
				delete(p.messages, id)
			}
		}
	}
	p.mu.Unlock()
	p.notify()
}

// Viewed returns the currently viewed session id.
func (p *Projection) Viewed() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.viewed
}

// PutSession upserts session metadata.
func (p *Projection) PutSession(s *model.Session) {
	copied := *s
	p.mu.Lock()
	p.sessions[s.ID] = &copied
	p.mu.Unlock()
	p.notify()
}

// Session returns a copy of one session's metadata.
func (p *Projection) Session(id string) (*model.Session, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	if !ok {
		return nil, false
	}
	copied := *s
	return &copied, true
}

// Sessions returns all sessions, most recent activity first.
func (p *Projection) Sessions() []*model.Session {
	p.mu.RLock()
	out := make([]*model.Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		copied := *s
		out = append(out, &copied)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// retains reports whether message bodies for sessionID are kept.
func (p *Projection) retains(sessionID string) bool {
	return p.policy == RetainAll || sessionID == p.viewed
}

// PutMessage upserts one message, honoring the retention policy.
func (p *Projection) PutMessage(m *model.Message) {
	p.mu.Lock()
	if !p.retains(m.SessionID) {
		p.mu.Unlock()
		return
	}
	byID, ok := p.messages[m.SessionID]
	if !ok {
		byID = make(map[string]*model.Message)
		p.messages[m.SessionID] = byID
	}
	copied := *m
	byID[m.ID] = &copied
	p.mu.Unlock()
	p.notify()
}

// HasMessage reports whether a message body is resident. Orphaned command
// output is late-bound only when its parent is already here.
func (p *Projection) HasMessage(sessionID, messageID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.messages[sessionID][messageID]
	return ok
}

// Messages returns a session's resident timeline ordered by timestamp.
func (p *Projection) Messages(sessionID string) []*model.Message {
	p.mu.RLock()
	byID := p.messages[sessionID]
	out := make([]*model.Message, 0, len(byID))
	for _, m := range byID {
		copied := *m
		out = append(out, &copied)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ReplaceMessages swaps in a freshly loaded timeline for a session, e.g.
// after a history load from the durable store.
func (p *Projection) ReplaceMessages(sessionID string, msgs []*model.Message) {
	byID := make(map[string]*model.Message, len(msgs))
	for _, m := range msgs {
		copied := *m
		byID[m.ID] = &copied
	}
	p.mu.Lock()
	p.messages[sessionID] = byID
	p.mu.Unlock()
	p.notify()
}

// RemoveWorkstation drops all state belonging to a workstation.
func (p *Projection) RemoveWorkstation(workstationID string) {
	p.mu.Lock()
	for id, s := range p.sessions {
		if s.WorkstationID == workstationID {
			delete(p.sessions, id)
			delete(p.messages, id)
		}
	}
	p.mu.Unlock()
	p.notify()
}

// RemoveSession drops one session and its messages.
func (p *Projection) RemoveSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	delete(p.messages, sessionID)
	p.mu.Unlock()
	p.notify()
}
