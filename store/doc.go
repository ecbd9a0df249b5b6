// Package store defines the remote synchronized store contract the chat
// core depends on: durable key-value writes addressed by hierarchical
// paths, point reads, prefix listing, and a subscribable per-prefix
// change stream delivering Added, Changed and Removed events.
//
// Delivery is at-least-once and may reorder relative to writes from
// other clients; there is no ordering guarantee across different paths.
// Consumers must deduplicate.
//
// MemoryStore is a process-local implementation used by tests, the
// examples, and single-node deployments.
package store
