package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tetherapp/tether/internal/model"
)

// MergeTimeline folds persisted command-output fragments into their parent
// commands and returns the displayable timeline, ordered by timestamp.
// Fragments whose parent is still missing are dropped from the view; they
// stay in the store and bind as soon as the command arrives.
func MergeTimeline(msgs []*model.Message) []*model.Message {
	byID := make(map[string]*model.Message, len(msgs))
	fragments := make(map[string][]*model.Message)

	var timeline []*model.Message
	for _, m := range msgs {
		if m.Fragment {
			fragments[m.ParentID] = append(fragments[m.ParentID], m)
			continue
		}
		copied := *m
		byID[m.ID] = &copied
		timeline = append(timeline, &copied)
	}

	for parentID, frags := range fragments {
		parent, ok := byID[parentID]
		if !ok || parent.Command == nil {
			continue
		}
		sort.Slice(frags, func(i, j int) bool {
			if frags[i].Timestamp != frags[j].Timestamp {
				return frags[i].Timestamp < frags[j].Timestamp
			}
			return frags[i].ID < frags[j].ID
		})
		meta := *parent.Command
		stdout := []string{}
		stderr := []string{}
		if meta.Stdout != "" {
			stdout = append(stdout, meta.Stdout)
		}
		if meta.Stderr != "" {
			stderr = append(stderr, meta.Stderr)
		}
		for _, frag := range frags {
			if frag.Command == nil {
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
		parent.Command = &meta
	}

	sort.Slice(timeline, func(i, j int) bool {
		if timeline[i].Timestamp != timeline[j].Timestamp {
			return timeline[i].Timestamp < timeline[j].Timestamp
		}
		return timeline[i].ID < timeline[j].ID
	})
	return timeline
}

// LoadHistory reads a session's full merged timeline from the durable
// store and installs it in the projection, e.g. when the UI opens a
// session.
func (r *Reconciler) LoadHistory(sessionID string) ([]*model.Message, error) {
	msgs, err := r.store.GetMessages(sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", sessionID, err)
	}
	timeline := MergeTimeline(msgs)
	r.proj.ReplaceMessages(sessionID, timeline)
	return timeline, nil
}
