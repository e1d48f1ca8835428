// ABOUTME: Conversation record, transcript messages, and termination reasons
// ABOUTME: Snapshot is the immutable copy handed to the notifier on termination

package conversation

import (
	"sync"
	"time"

	"github.com/2389/assistant-relay/internal/clock"
)

// Role identifies who wrote a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Reason says which trigger ended a conversation.
type Reason string

const (
	ReasonInactivity  Reason = "inactivity"
	ReasonManual      Reason = "manual"
	ReasonMaxDuration Reason = "max-duration"
	ReasonShutdown    Reason = "shutdown"
)

// Message is one transcript entry.
type Message struct {
	Role    Role
	Content string
	At      time.Time
}

// Conversation is the live record for one session key.
// All fields are guarded by mu.
type Conversation struct {
	mu sync.Mutex

	sessionKey     string
	upstreamHandle string
	transcript     []Message
	startedAt      time.Time
	lastActiveAt   time.Time
	remoteAddress  string

	// timer is the pending inactivity eviction. timerGen is bumped every
	// time the timer is re-armed or the conversation closes, so a callback
	// that lost the race to Stop can tell it is stale.
	timer    clock.Timer
	timerGen uint64

	closed bool

	// removed is closed once the notification finished and the entry left the store.
	removed chan struct{}
}

func newConversation(key, remoteAddr string, now time.Time) *Conversation {
	return &Conversation{
		sessionKey:    key,
		startedAt:     now,
		lastActiveAt:  now,
		remoteAddress: remoteAddr,
		removed:       make(chan struct{}),
	}
}

// Snapshot is a point-in-time copy of a conversation.
type Snapshot struct {
	SessionKey     string
	UpstreamHandle string
	RemoteAddress  string
	Transcript     []Message
	StartedAt      time.Time
	LastActiveAt   time.Time

	// Set only on the snapshot handed to the notifier.
	EndedAt time.Time
	Reason  Reason
}

// Duration is the time between the first message and the end of the conversation.
func (s Snapshot) Duration() time.Duration {
	end := s.EndedAt
	if end.IsZero() {
		end = s.LastActiveAt
	}
	return end.Sub(s.StartedAt)
}

func (c *Conversation) snapshotLocked() Snapshot {
	transcript := make([]Message, len(c.transcript))
	copy(transcript, c.transcript)
	return Snapshot{
		SessionKey:     c.sessionKey,
		UpstreamHandle: c.upstreamHandle,
		RemoteAddress:  c.remoteAddress,
		Transcript:     transcript,
		StartedAt:      c.startedAt,
		LastActiveAt:   c.lastActiveAt,
	}
}
