// Package conversation persists the binding between a caller's conversation
// key and the remote conversation id the assistant last returned.
//
// # Overview
//
// The assistant server assigns a conversation id on the first turn and echoes
// it on every answer. Reusing that id keeps the assistant's context. Storing
// it per key lets a restarted process pick up where it left off.
//
// # Backends
//
// FileStore writes one small file per key into a shared directory (the
// system temp dir by default):
//
//	/tmp/assist_conversation_@alice:example.org.txt
//
// SQLiteStore keeps one row per key in a conversations table using
// modernc.org/sqlite.
//
// # Atomicity
//
// A record always holds the last value fully written. FileStore writes to a
// temporary file in the same directory and renames it over the record;
// SQLiteStore uses a single upsert statement.
//
// # Missing Records
//
// Load returns ErrNotFound when no record exists. Callers treat that as
// "start a new conversation".
package conversation
