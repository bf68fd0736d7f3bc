// Package storage persists registered users and the per-user set of
// notifications that were already delivered.
//
// It is backed by SQLite (modernc.org/sqlite, no cgo) through sqlx. A
// delivered row is only ever inserted after a confirmed send and is never
// updated or deleted.
package storage
