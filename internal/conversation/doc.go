// Package conversation tracks live conversations between a browser session
// and the upstream assistant.
//
// # Overview
//
// The Store holds one Conversation per session key. A conversation is
// created by the first message for its key, grows by append only, and ends
// through exactly one of four triggers:
//
//   - Inactivity: the per-conversation timer fires, or Sweep finds it idle
//   - Manual: the client resets or ends the conversation
//   - Max duration: Sweep finds it older than the configured cap
//   - Shutdown: Drain terminates everything on process exit
//
// Whichever trigger runs first wins. The conversation is marked closed under
// its own lock, the final Snapshot goes to the Notifier once, and the entry
// is removed when the notifier returns. Every other trigger becomes a no-op.
//
// # Timers and sweep
//
// Append re-arms a single inactivity timer per conversation through the
// injected clock.Clock. Sweep is the second line of defence and is meant to
// run periodically; neither mechanism is authoritative.
//
// # Known limitation
//
// State is process-local and in-memory. A restart loses every live
// conversation without notification.
package conversation
