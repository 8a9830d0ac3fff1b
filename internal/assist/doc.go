// Package assist is a blocking client for the assistant pipeline websocket API.
//
// # Overview
//
// The server speaks an asynchronous JSON event stream. A Session hides that
// behind two calls that block until an answer arrives:
//
//	sess := assist.New(assist.Config{Host: "ha.local:8123", Token: token}, assist.Options{
//	    Store:  conversation.NewFileStore(""),
//	    Logger: logger,
//	})
//	defer sess.Close()
//
//	text, err := sess.RunAssist(ctx, "turn on the kitchen lights", "@alice:example.org", false)
//	agents, err := sess.ListAgents(ctx)
//
// # Connection Lifecycle
//
// The first call dials the endpoint and performs the handshake:
//
//  1. Transport opens (state awaiting_auth)
//  2. Server sends auth_required, the session answers with the access token
//  3. Server sends auth_ok (state authenticated)
//
// Connect waits at most Config.ConnectTimeout (default 5s) and reports
// failures wrapped in ErrConnection. A lost connection is re-dialed on the
// next call; message ids keep increasing across reconnects.
//
// # In-Flight Slot
//
// Completion events carry no reliable request id, so a Session services one
// run or list request at a time. Concurrent callers queue on an internal
// lock held for the whole send/wait cycle, which keeps one caller's answer
// from being delivered to another.
//
// Waits are bounded by Config.RequestTimeout (default 15s). A timeout is a
// soft failure: the call returns the partial reply with TimedOut set and a
// nil error.
//
// # Conversations
//
// Each conversation key (typically a chat user id) is bound to the
// server-assigned conversation id returned by the last turn. The binding is
// read from the conversation.Store on first use and written back after each
// answer, so continuity survives restarts. RunRequest.ForceNew sends a null
// conversation id to start over.
package assist
