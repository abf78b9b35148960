// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Models
//
//   - Agent: Configured conversational agent
//   - Session: Internal conversation record
//   - Channel: One external platform account bound to one agent
//   - ChannelSession: Maps an external conversation to an internal session
//   - ChannelMessage: Append-only inbound/outbound audit log entry
//   - Task: Background agent execution with lifecycle status
//
// # Channel Sessions
//
// Channel sessions are keyed by the tuple (channel_id, external_chat_id,
// external_thread_id). The thread ID is stored as an empty string for
// platforms without threads so the unique index enforces one session per
// conversation. CreateChannelSession returns ErrDuplicateChannelSession on
// tuple collision; callers re-fetch with GetChannelSessionByExternal.
//
// MessageCount tracks completed exchanges: it is incremented by 2 (inbound
// plus outbound) only after a successful exchange, so a count of zero means
// the session has no engine-side history to resume.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC 3339 UTC text. Use NewSQLiteStore(":memory:")
// for tests.
package store
