package chat

import (
	"sync"

	v1 "echostream/contracts/realtime/v1"
)

// Entry is one line of a view's message log.
type Entry struct {
	Message v1.ChatMessage
	// Pending is set for an optimistic entry not yet confirmed by the server.
	Pending bool
}

// MessageLog is the ordered, de-duplicated message list behind a view.
// New arrivals append; older pages prepend. Existing entries never move.
type MessageLog struct {
	mu      sync.Mutex
	entries []Entry
}

// AppendLocal adds an optimistic entry. msg.CorrelationID must be set.
func (l *MessageLog) AppendLocal(msg v1.ChatMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{Message: msg, Pending: true})
}

// Apply records a server-confirmed message, from either a REST reply or a
// broadcast. A known id is ignored, a matching pending correlation id is
// replaced in place, anything else is appended. It reports whether the log changed.
func (l *MessageLog) Apply(msg v1.ChatMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.entries {
		e := &l.entries[i]
		if !e.Pending && msg.ID != "" && e.Message.ID == msg.ID {
			if msg.EditedAt != nil && (e.Message.EditedAt == nil || msg.EditedAt.After(*e.Message.EditedAt)) {
				e.Message = msg
				return true
			}
			return false
		}
	}
	if msg.CorrelationID != "" {
		for i := range l.entries {
			e := &l.entries[i]
			if e.Pending && e.Message.CorrelationID == msg.CorrelationID {
				*e = Entry{Message: msg}
				return true
			}
		}
	}
	l.entries = append(l.entries, Entry{Message: msg})
	return true
}

// Remove drops the pending entry with correlationID, if any.
func (l *MessageLog) Remove(correlationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.Pending && e.Message.CorrelationID == correlationID {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Prepend adds an older page, given oldest first. Only records strictly older
// than the oldest confirmed entry are kept; it returns how many were added.
func (l *MessageLog) Prepend(page []v1.ChatMessage) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	oldest, ok := l.oldestLocked()
	seen := make(map[string]struct{}, len(l.entries))
	for _, e := range l.entries {
		if e.Message.ID != "" {
			seen[e.Message.ID] = struct{}{}
		}
	}

	var older []Entry
	for _, m := range page {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		if ok && !olderThan(m, oldest) {
			continue
		}
		if len(older) > 0 && !olderThan(older[len(older)-1].Message, m) {
			continue
		}
		older = append(older, Entry{Message: m})
		seen[m.ID] = struct{}{}
	}
	if len(older) == 0 {
		return 0
	}
	l.entries = append(older, l.entries...)
	return len(older)
}

func (l *MessageLog) oldestLocked() (v1.ChatMessage, bool) {
	for _, e := range l.entries {
		if !e.Pending {
			return e.Message, true
		}
	}
	return v1.ChatMessage{}, false
}

// olderThan orders by per-room seq, falling back to creation time.
func olderThan(a, b v1.ChatMessage) bool {
	if a.Seq > 0 && b.Seq > 0 {
		return a.Seq < b.Seq
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Snapshot copies the entries in display order.
func (l *MessageLog) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Len is the number of entries.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
