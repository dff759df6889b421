// Package audit is the Audit Emitter (§4.8): an append-only sink for
// AuditEvent rows. Every externally triggered mutation emits exactly one
// event; reads never emit. Adapted from the file-backed JSONL interaction
// log this package used to keep: the append-only discipline carries over,
// now projected into the audit_events table so events sit alongside the rest
// of the relational state instead of a sidecar file. Event ids are uuids,
// like every other entity id.
package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Execer is satisfied by both *sql.DB and *sql.Tx, so callers can emit
// either as a standalone write or as part of an already-open transaction
// (the Run Ingestor and Instruction Queue both emit from inside theirs).
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// Event is one append-only AuditEvent row (§3 AuditEvent).
type Event struct {
	ID          string
	ProjectID   string
	ActorUserID string
	EventCode   string
	TargetType  string
	TargetID    string
	PayloadJSON string
	CreatedAt   string
}

// Emit appends one audit event. projectID, actorUserID, targetType, and
// targetID are optional (pass ""); payload is marshaled to JSON and
// defaults to "{}" when nil.
func Emit(exec Execer, projectID, actorUserID, eventCode, targetType, targetID string, payload map[string]any) (*Event, error) {
	if eventCode == "" {
		return nil, fmt.Errorf("audit: event_code is required")
	}

	payloadJSON := "{}"
	if len(payload) > 0 {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("audit: marshaling payload: %w", err)
		}
		payloadJSON = string(b)
	}

	e := &Event{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ActorUserID: actorUserID,
		EventCode:   eventCode,
		TargetType:  targetType,
		TargetID:    targetID,
		PayloadJSON: payloadJSON,
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	_, err := exec.Exec(`
		INSERT INTO audit_events (id, project_id, actor_user_id, event_code, target_type, target_id, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, nullableString(e.ProjectID), nullableString(e.ActorUserID), e.EventCode,
		nullableString(e.TargetType), nullableString(e.TargetID), e.PayloadJSON, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("audit: inserting event: %w", err)
	}
	return e, nil
}

// List returns every audit event for a project, oldest first.
func List(db *sql.DB, projectID string) ([]Event, error) {
	rows, err := db.Query(`
		SELECT id, project_id, actor_user_id, event_code, target_type, target_id, payload_json, created_at
		FROM audit_events WHERE project_id = ? ORDER BY created_at, rowid
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("audit: listing events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var projID, actorID, targetType, targetID sql.NullString
		if err := rows.Scan(&e.ID, &projID, &actorID, &e.EventCode, &targetType, &targetID, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit: scanning event row: %w", err)
		}
		e.ProjectID = projID.String
		e.ActorUserID = actorID.String
		e.TargetType = targetType.String
		e.TargetID = targetID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
