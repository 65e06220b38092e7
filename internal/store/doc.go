// Package store provides SQLite-backed durable storage for the retry queue.
//
// Each row of queue_items is one pending or in-flight queue item. Payloads
// are stored as RFC 8785 canonical JSON so a row written twice for the same
// item is byte-identical. Timestamps are unix nanoseconds.
//
// Items are always read ORDER BY seq ASC so a restarted queue resumes in
// enqueue order.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//
// Store implements queue.Persistence.
package store
