// Package task runs background agent executions and streams their events.
//
// Each task owns a bounded event buffer (newest events win) so a
// subscriber attaching mid-run or after completion still sees recent
// history. Subscription registration and buffer replay happen atomically,
// so the replayed history and the live stream never miss or duplicate an
// event between them.
//
// A task pauses when the engine asks the user a question and resumes on
// the next SendMessage, re-invoking the engine on the same session.
// Finished tasks stay subscribable for a retention period that keeps
// extending while subscribers remain attached; after that only the store
// row survives.
package task
