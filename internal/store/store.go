// Package store is the Entity Repository (§4.3): idempotent upserts and
// constrained reads for every entity in the data model.
package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Repository provides typed access to every entity table. It holds no
// business logic beyond upsert-by-natural-key matching and legacy/canonical
// synchronization — state transitions for instructions live in
// internal/queue, ingestion logic in internal/ingest.
type Repository struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// DB exposes the underlying connection for components (ingest, queue,
// export) that need to share a transaction with the repository.
func (r *Repository) DB() *sql.DB { return r.db }

func newID() string {
	return uuid.NewString()
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// nullString converts an optional string into a sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func stringOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
