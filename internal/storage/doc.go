// Package storage persists deferred admin notifications.
//
// A Notification is created pending by the dispatcher when quiet hours are
// active, then moved to sent or failed by the redelivery processor. Terminal
// records are reaped after the retention period; pending records never are.
//
// Drivers: sqlite (default), postgres, file (JSONL journal + snapshot) and
// memory (the file store without persistence).
package storage
