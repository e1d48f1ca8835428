// ABOUTME: Tests for the bounded upstream handle memory and its notifier wrapper
// ABOUTME: Checks oldest-first eviction and that manual ends leave nothing behind

package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/assistant-relay/internal/conversation"
)

func TestHandleMemory_TakeForgets(t *testing.T) {
	m := NewHandleMemory(4)
	m.Remember("sess-1", "thread_a")

	assert.Equal(t, "thread_a", m.Take("sess-1"))
	assert.Equal(t, "", m.Take("sess-1"))
	assert.Equal(t, 0, m.Len())
}

func TestHandleMemory_EvictsOldest(t *testing.T) {
	m := NewHandleMemory(2)
	m.Remember("sess-1", "thread_a")
	m.Remember("sess-2", "thread_b")
	m.Remember("sess-1", "thread_c") // refreshes sess-1
	m.Remember("sess-3", "thread_d")

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, "", m.Take("sess-2"))
	assert.Equal(t, "thread_c", m.Take("sess-1"))
	assert.Equal(t, "thread_d", m.Take("sess-3"))
}

func TestHandleMemory_IgnoresEmpty(t *testing.T) {
	m := NewHandleMemory(0)
	m.Remember("", "thread_a")
	m.Remember("sess-1", "")
	assert.Equal(t, 0, m.Len())

	var none *HandleMemory
	none.Remember("sess-1", "thread_a")
	assert.Equal(t, "", none.Take("sess-1"))
	assert.Equal(t, 0, none.Len())
}

func TestHandleMemory_Notifier(t *testing.T) {
	m := NewHandleMemory(4)
	next := &recordingNotifier{}
	n := m.Notifier(next)

	require.NoError(t, n.Notify(context.Background(), conversation.Snapshot{
		SessionKey: "sess-timeout", UpstreamHandle: "thread_a", Reason: conversation.ReasonInactivity,
	}))
	require.NoError(t, n.Notify(context.Background(), conversation.Snapshot{
		SessionKey: "sess-manual", UpstreamHandle: "thread_b", Reason: conversation.ReasonManual,
	}))

	assert.Len(t, next.snapshots(), 2, "every snapshot is still delivered")
	assert.Equal(t, "thread_a", m.Take("sess-timeout"))
	assert.Equal(t, "", m.Take("sess-manual"))
}
