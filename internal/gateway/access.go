// ABOUTME: Sender access control evaluation for channels
// ABOUTME: Pure function over access mode and allow/block lists

package gateway

import "github.com/2389/owork-gateway/internal/store"

// SenderAllowed reports whether a sender may use the channel.
//
// Open mode admits everyone. Allowlist mode admits only listed senders,
// so an empty allowlist denies all. Blocklist mode denies listed senders.
// An unrecognized mode denies everyone.
func SenderAllowed(ch *store.Channel, senderID string) bool {
	switch ch.AccessMode {
	case store.AccessModeOpen:
		return true
	case store.AccessModeAllowlist:
		for _, allowed := range ch.AllowedSenders {
			if allowed == senderID {
				return true
			}
		}
		return false
	case store.AccessModeBlocklist:
		for _, blocked := range ch.BlockedSenders {
			if blocked == senderID {
				return false
			}
		}
		return true
	default:
		return false
	}
}
