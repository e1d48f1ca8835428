// ABOUTME: Package relay streams assistant replies to clients as typed frames
// ABOUTME: See Relay.Run for ordering and disconnect semantics

// Package relay turns an ordered stream of upstream assistant events into
// downstream frames of the form
//
//	data: {"type":"delta","content":"Hel"}\n\n
//
// one frame per event, flushed immediately. The transport is abstracted as
// a Sink; SSESink is the HTTP implementation.
//
// Per request the relay moves Idle -> Started -> Streaming and ends in
// Completed, Failed or ClientDisconnected. A disconnected client stops all
// writes, but the relay keeps reading until the upstream finishes so the
// full reply text is still available to the caller.
package relay
