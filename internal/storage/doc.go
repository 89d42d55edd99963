// Package storage is the durable schedule of pending posts.
//
// The store holds exactly the committed-but-undelivered posts. Every operation
// runs under one mutex so read-modify-write sequences from ingestion and the
// publish loop never interleave.
//
// Backends:
//   - "file": one JSON document, rewritten atomically (temp file + rename)
//   - "sqlite": a posts table in a SQLite database (modernc.org/sqlite)
package storage
