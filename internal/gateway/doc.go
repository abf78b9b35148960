// Package gateway bridges external chat platforms to the agent engine.
//
// The Gateway owns one adapter per active channel and runs every inbound
// message through a fixed pipeline:
//
//  1. Access control (open, allowlist, or blocklist)
//  2. Per-sender sliding-window rate limiting, with a single notice per
//     window when a sender is throttled
//  3. Channel session resolution keyed by the external conversation
//  4. Attachment staging into the workspace with sanitized filenames
//  5. Engine invocation, resuming the engine session only when the
//     conversation has a completed exchange behind it
//  6. Reply delivery and audit logging
//
// Audit writes are best-effort: a failed write is logged but never drops
// a message. The session message count advances by two (inbound plus
// outbound) only when an exchange completes without error, which is what
// makes resumption decisions reliable after crashes or engine failures.
package gateway
