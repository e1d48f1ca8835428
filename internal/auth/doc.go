// ABOUTME: Package auth protects the relay's internal endpoints
// ABOUTME: End users are anonymous; only operator and cron callers carry tokens

// Package auth authenticates internal callers of the relay.
//
// Browser clients of /chat are anonymous. Operator endpoints such as
// /check-timeouts accept an HS256 JWT signed with internal.token_secret:
//
//	Authorization: Bearer <token>
//
// Tokens carry the caller name in "sub", must be issued by
// "assistant-relay" and must expire. Generate them with
//
//	assistant-relay token <caller>
package auth
