// Package channels implements platform adapters for external messaging
// services.
//
// Each adapter translates between its platform's wire format and the
// normalized InboundMessage/OutboundMessage envelopes. Adapters register
// themselves with the package registry in init(); the gateway builds them
// through New and runs each Start loop in its own goroutine.
//
// Supported platforms: Telegram (long polling), Slack (socket mode),
// Discord (gateway websocket), Feishu/Lark (long connection), and Matrix
// (client-server sync). All of these connect outbound, so no public
// webhook endpoint is required.
//
// Attachments larger than MaxAttachmentSize are skipped with a warning
// rather than failing the whole message.
package channels
