// ABOUTME: Bounded memory of upstream handles from recently terminated conversations
// ABOUTME: Lets a client that returns with its old thread id keep the assistant's context

package gateway

import (
	"container/list"
	"context"
	"sync"

	"github.com/2389/assistant-relay/internal/conversation"
)

// DefaultHandleMemory is the number of handles kept when NewHandleMemory gets zero.
const DefaultHandleMemory = 4096

type rememberedHandle struct {
	key    string
	handle string
}

// HandleMemory maps session keys to the upstream handle their last
// conversation used. The oldest entry is forgotten first. A nil
// *HandleMemory remembers nothing.
type HandleMemory struct {
	mu    sync.Mutex
	max   int
	byKey map[string]*list.Element
	order *list.List // oldest at front
}

// NewHandleMemory creates a memory holding at most max handles.
func NewHandleMemory(max int) *HandleMemory {
	if max <= 0 {
		max = DefaultHandleMemory
	}
	return &HandleMemory{
		max:   max,
		byKey: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Remember records handle for key, replacing any earlier entry.
func (m *HandleMemory) Remember(key, handle string) {
	if m == nil || key == "" || handle == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.byKey[key]; ok {
		m.order.Remove(el)
	}
	m.byKey[key] = m.order.PushBack(rememberedHandle{key: key, handle: handle})

	for m.order.Len() > m.max {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		delete(m.byKey, oldest.Value.(rememberedHandle).key)
	}
}

// Take returns and forgets the handle remembered for key.
func (m *HandleMemory) Take(key string) string {
	if m == nil {
		return ""
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.byKey[key]
	if !ok {
		return ""
	}
	m.order.Remove(el)
	delete(m.byKey, key)
	return el.Value.(rememberedHandle).handle
}

// Len reports the number of remembered handles.
func (m *HandleMemory) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}

// Notifier wraps next so every conversation that ends on a timeout or at
// shutdown leaves its handle behind. Manual ends do not: the client asked
// for a fresh start.
func (m *HandleMemory) Notifier(next conversation.Notifier) conversation.Notifier {
	return conversation.NotifierFunc(func(ctx context.Context, snap conversation.Snapshot) error {
		if snap.Reason != conversation.ReasonManual {
			m.Remember(snap.SessionKey, snap.UpstreamHandle)
		}
		return next.Notify(ctx, snap)
	})
}
