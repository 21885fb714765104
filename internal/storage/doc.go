// Package storage is the board's record store.
//
// It persists users, tasks, projects and the action (audit) log in SQLite.
// Every mutating call takes the audit entry that describes it and writes both
// in one transaction, so a mutation is never visible without its audit record.
//
// Timestamps are stored as unix nanoseconds: the task UpdatedAt value is the
// optimistic-concurrency version and must round-trip exactly.
package storage
