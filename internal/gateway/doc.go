// Package gateway wires the relay's components behind one HTTP server.
//
// # Overview
//
// The gateway owns the conversation store, the upstream assistant client,
// the notification dispatcher, the streaming relay and the timeout sweeper.
// The Coordinator implements the chat actions on top of them; the Gateway
// adds HTTP, listeners and the shutdown sequence.
//
// # HTTP API
//
//   - POST /chat - Send a message, reply streamed as SSE frames (also /api/chat)
//   - POST /reset - End the conversation and get a fresh thread id
//   - POST /end-conversation - End the conversation without a new thread id
//   - GET|POST /check-timeouts - Sweep idle and over-long conversations
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check, 503 while draining
//
// /check-timeouts requires a bearer token when internal.token_secret is set.
//
// # SSE Streaming
//
// Every frame is one JSON object on a data line:
//
//	data: {"type":"start"}
//
//	data: {"type":"delta","content":"Hel"}
//
//	data: {"type":"end","threadId":"5f0c..."}
//
// The client sends the threadId from the end frame with its next message.
// Errors before the first frame are plain JSON responses; after it they
// arrive as an error frame.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx)
//
// Run returns after ctx is canceled and Shutdown has stopped the server,
// waited for in-flight replies, and terminated and notified every live
// conversation.
package gateway
