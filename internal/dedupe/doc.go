// ABOUTME: Package doc for message redelivery suppression.
// ABOUTME: One TTL cache shared by all running channels.

// Package dedupe keeps a bounded, TTL-based record of recently
// processed inbound messages. Chat platforms redeliver on reconnect;
// without suppression each redelivery would cost an engine turn and a
// duplicate reply.
package dedupe
