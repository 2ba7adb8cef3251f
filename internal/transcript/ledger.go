// Package transcript implements the append-only message ledger owned by each
// thread. It is a pure in-memory data structure: persistence across process
// restarts is a session-store concern (internal/session), not this package's.
package transcript

import (
	"sync"

	"github.com/fieldlab/missionctl/internal/model"
)

// Ledger holds a thread's messages in insertion order. Appended messages are
// never mutated or removed; callers that need a snapshot should use Messages,
// which returns a defensive copy.
type Ledger struct {
	mu       sync.RWMutex
	messages []model.Message
}

// New constructs an empty Ledger.
func New() *Ledger {
	return &Ledger{}
}

// FromMessages constructs a Ledger pre-populated with msgs, in order. Used
// when a thread is loaded from persistent storage.
func FromMessages(msgs []model.Message) *Ledger {
	l := &Ledger{messages: append([]model.Message(nil), msgs...)}
	return l
}

// Append adds msg to the end of the ledger.
func (l *Ledger) Append(msg model.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

// Messages returns a defensive copy of the ledger's current contents.
func (l *Ledger) Messages() []model.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len reports the number of messages currently recorded.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Last returns the most recently appended message, if any.
func (l *Ledger) Last() (model.Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return model.Message{}, false
	}
	return l.messages[len(l.messages)-1], true
}
