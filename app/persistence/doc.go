// Package persistence provides the durable store of the queue: pending and finished queue entries,
// the append-only job history and thumbnails attached to history rows. SQLite (modernc, pure Go) in
// WAL mode is the only backend; a single writer connection serializes transactions so a status flip
// and its timestamp are always written together.
package persistence
