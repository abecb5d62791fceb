package storage

// Package storage provides the durable persistence layer for schedules,
// jobs, per-target outcomes, the job event audit trail and dead letters.
//
// All state lives in a single SQLite database. Multi-row writes that must
// be atomic (trigger commit, status swap plus audit append) run inside one
// transaction; the schedule advance doubles as the at-most-once guard for
// due triggers.
