package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/iat-toolkit/backend/internal/store"
)

// Instruction is one AgentInstruction row (§3 AgentInstruction, §4.5).
type Instruction struct {
	ID                    string
	ProjectID             string
	InstructionType       string
	Objective             string
	ConstraintsJSON       string
	InputsJSON            string
	ExecutionJSON         string
	PayloadJSON           string
	Callback              string
	RequestedBy           string
	RequiresConfirmation  bool
	ConfirmedBy           string
	Status                string
	Priority              int
	Attempts              int
	MaxAttempts           int
	RetryBackoffSeconds   int
	LastError             string
	AgentResponseJSON     string
	LockedBy              string
	LockedAt              string
	NextAttemptAt         string
	StartedAt             string
	FinishedAt            string
	CreatedAt             string
	UpdatedAt             string
}

// Event is one AgentInstructionEvent row.
type Event struct {
	ID            string
	InstructionID string
	EventType     string
	DetailJSON    string
	CreatedAt     string
}

// Queue is the Instruction Queue (§4.5).
type Queue struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// CreateInput groups the fields a caller supplies when enqueuing work; the
// numeric knobs fall back to the given defaults when zero.
type CreateInput struct {
	ProjectID             string
	InstructionType       string
	Objective             string
	Constraints           map[string]any
	Inputs                map[string]any
	Execution             map[string]any
	Callback              string
	RequestedBy           string
	RequiresConfirmation  bool
	Priority              int
	MaxAttempts           int
	RetryBackoffSeconds   int
}

// Create inserts a new instruction. Instructions created with
// requires_confirmation=true start in draft and must be confirmed before a
// worker can reserve them; all others start queued immediately (§4.5).
func (q *Queue) Create(in CreateInput) (*Instruction, error) {
	if in.ProjectID == "" {
		return nil, fmt.Errorf("%w: project_id is required", store.ErrBadRequest)
	}
	if in.InstructionType == "" {
		return nil, fmt.Errorf("%w: instruction_type is required", store.ErrBadRequest)
	}
	if in.Priority == 0 {
		in.Priority = 100
	}
	if in.MaxAttempts == 0 {
		in.MaxAttempts = 3
	}
	if in.RetryBackoffSeconds == 0 {
		in.RetryBackoffSeconds = 5
	}

	constraintsJSON, err := marshalOrEmpty(in.Constraints)
	if err != nil {
		return nil, fmt.Errorf("marshaling constraints: %w", err)
	}
	inputsJSON, err := marshalOrEmpty(in.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshaling inputs: %w", err)
	}
	executionJSON, err := marshalOrEmpty(in.Execution)
	if err != nil {
		return nil, fmt.Errorf("marshaling execution: %w", err)
	}
	payload := map[string]any{
		"objective":    in.Objective,
		"constraints":  in.Constraints,
		"inputs":       in.Inputs,
		"execution":    in.Execution,
		"requested_by": in.RequestedBy,
		"callback":     in.Callback,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	status := "queued"
	if in.RequiresConfirmation {
		status = "draft"
	}

	ts := time.Now().UTC().Format(time.RFC3339)
	id := uuid.NewString()

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning create transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`
		INSERT INTO agent_instructions (
			id, project_id, instruction_type, objective, constraints_json, inputs_json, execution_json,
			payload_json, callback, requested_by, requires_confirmation, status, priority,
			attempts, max_attempts, retry_backoff_seconds, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, id, in.ProjectID, in.InstructionType, in.Objective, constraintsJSON, inputsJSON, executionJSON,
		string(payloadJSON), in.Callback, in.RequestedBy, boolToInt(in.RequiresConfirmation), status,
		in.Priority, in.MaxAttempts, in.RetryBackoffSeconds, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("inserting instruction: %w", err)
	}

	if err := emitEvent(tx, id, "created", map[string]any{"status": status}); err != nil {
		return nil, err
	}
	if status == "queued" {
		if err := emitEvent(tx, id, "queued", map[string]any{}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing create: %w", err)
	}
	committed = true

	return q.Get(id)
}

// Get fetches one instruction by id.
func (q *Queue) Get(id string) (*Instruction, error) {
	return scanInstruction(q.db.QueryRow(`
		SELECT id, project_id, instruction_type, objective, constraints_json, inputs_json, execution_json,
			payload_json, callback, requested_by, requires_confirmation, confirmed_by, status, priority,
			attempts, max_attempts, retry_backoff_seconds, last_error, agent_response_json, locked_by,
			locked_at, next_attempt_at, started_at, finished_at, created_at, updated_at
		FROM agent_instructions WHERE id = ?
	`, id))
}

// Confirm transitions a draft instruction to queued, recording the
// confirming user (§4.5 confirmation gate). It is a no-op error for any
// status other than draft.
func (q *Queue) Confirm(id, confirmedByUserID string) (*Instruction, error) {
	ts := time.Now().UTC().Format(time.RFC3339)

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning confirm transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(`
		UPDATE agent_instructions SET status = 'queued', confirmed_by = ?, updated_at = ?
		WHERE id = ? AND status = 'draft'
	`, confirmedByUserID, ts, id)
	if err != nil {
		return nil, fmt.Errorf("confirming instruction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading confirm rowcount: %w", err)
	}
	if rows != 1 {
		return nil, fmt.Errorf("%w: instruction %s is not awaiting confirmation", store.ErrBadRequest, id)
	}

	if err := emitEvent(tx, id, "confirmed", map[string]any{"confirmed_by": confirmedByUserID}); err != nil {
		return nil, err
	}
	if err := emitEvent(tx, id, "queued", map[string]any{}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing confirm: %w", err)
	}
	committed = true

	return q.Get(id)
}

// Cancel transitions an instruction to canceled from any pre-terminal
// state. Canceling an already-terminal or already-canceled instruction is
// idempotent and returns the current row unchanged.
func (q *Queue) Cancel(id string) (*Instruction, error) {
	ts := time.Now().UTC().Format(time.RFC3339)

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning cancel transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.Exec(`
		UPDATE agent_instructions
		SET status = 'canceled', finished_at = COALESCE(finished_at, ?), updated_at = ?,
			locked_by = NULL, locked_at = NULL
		WHERE id = ? AND status IN ('draft', 'queued', 'running')
	`, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("canceling instruction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading cancel rowcount: %w", err)
	}
	if rows == 1 {
		if err := emitEvent(tx, id, "status_change", map[string]any{"to": "canceled"}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cancel: %w", err)
	}
	committed = true

	return q.Get(id)
}

// Reserve executes the reservation protocol (§4.5): it picks the single
// highest-priority row eligible to run (a queued row, or a running row whose
// lease is older than maxLockedSeconds) and atomically claims it for
// workerID, or returns (nil, nil) if nothing is eligible.
func (q *Queue) Reserve(workerID string, maxLockedSeconds int) (*Instruction, error) {
	now := time.Now().UTC()
	nowISO := now.Format(time.RFC3339)
	lockCutoff := now.Add(-time.Duration(maxLockedSeconds) * time.Second).Format(time.RFC3339)

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning reserve transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id string
	err = tx.QueryRow(`
		SELECT id FROM agent_instructions
		WHERE (status = 'queued'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		  AND (locked_at IS NULL OR locked_at <= ?))
		   OR (status = 'running' AND locked_at IS NOT NULL AND locked_at <= ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, nowISO, lockCutoff, lockCutoff).Scan(&id)
	if err == sql.ErrNoRows {
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("committing empty reserve: %w", cerr)
		}
		committed = true
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting reservation candidate: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE agent_instructions
		SET status = 'running', started_at = COALESCE(started_at, ?), updated_at = ?,
			locked_by = ?, locked_at = ?, next_attempt_at = NULL
		WHERE id = ? AND (status = 'queued' OR (status = 'running' AND locked_at <= ?))
	`, nowISO, nowISO, workerID, nowISO, id, lockCutoff)
	if err != nil {
		return nil, fmt.Errorf("claiming instruction: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading claim rowcount: %w", err)
	}
	if rows != 1 {
		// Another worker won the race between SELECT and UPDATE.
		if cerr := tx.Commit(); cerr != nil {
			return nil, fmt.Errorf("committing lost race: %w", cerr)
		}
		committed = true
		return nil, nil
	}

	if err := emitEvent(tx, id, "status_change", map[string]any{"to": "running", "locked_by": workerID}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing reserve: %w", err)
	}
	committed = true

	return q.Get(id)
}

// remoteStatus maps a dispatched agent's reported status into the
// instruction's terminal/non-terminal vocabulary (§4.5 settlement).
func remoteStatus(reported string) string {
	switch reported {
	case "done", "failed", "running":
		return reported
	default:
		return "done"
	}
}

// SettleSuccess records a successful dispatch. responseJSON is the raw JSON
// body returned by the agent service; reportedStatus is its self-reported
// status field (defaults to "done" when empty or unrecognized).
func (q *Queue) SettleSuccess(id string, httpStatus int, reportedStatus string, responseJSON string) (*Instruction, error) {
	status := remoteStatus(reportedStatus)
	ts := time.Now().UTC().Format(time.RFC3339)
	if responseJSON == "" {
		responseJSON = "{}"
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning settle transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`
		UPDATE agent_instructions
		SET status = ?, attempts = attempts + 1, agent_response_json = ?,
			finished_at = CASE WHEN ? IN ('done', 'failed') THEN ? ELSE finished_at END,
			updated_at = ?, last_error = NULL, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, status, responseJSON, status, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("settling success: %w", err)
	}

	if err := emitEvent(tx, id, "result", map[string]any{
		"remote_status": status,
		"http_status":   httpStatus,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing settle: %w", err)
	}
	committed = true

	return q.Get(id)
}

// SettleFailure records a failed dispatch attempt. When attempts remain
// below max_attempts it reschedules with linear backoff; otherwise it marks
// the instruction terminally failed (§4.5 settlement).
func (q *Queue) SettleFailure(id, lastError string, retryBackoffSeconds, maxAttempts int) (*Instruction, error) {
	existing, err := q.Get(id)
	if err != nil {
		return nil, err
	}

	attempts := existing.Attempts + 1
	if maxAttempts == 0 {
		maxAttempts = existing.MaxAttempts
	}
	if retryBackoffSeconds == 0 {
		retryBackoffSeconds = existing.RetryBackoffSeconds
	}
	retryable := attempts < maxAttempts

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339)
	var nextAttemptAt sql.NullString
	newStatus := "failed"
	if retryable {
		newStatus = "queued"
		nextAttemptAt = sql.NullString{
			String: now.Add(time.Duration(retryBackoffSeconds*attempts) * time.Second).Format(time.RFC3339),
			Valid:  true,
		}
	}

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning settle-failure transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.Exec(`
		UPDATE agent_instructions
		SET status = ?, attempts = ?, max_attempts = ?, next_attempt_at = ?,
			finished_at = CASE WHEN ? = 'failed' THEN ? ELSE finished_at END,
			updated_at = ?, last_error = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, newStatus, attempts, maxAttempts, nextAttemptAt, newStatus, ts, ts, lastError, id)
	if err != nil {
		return nil, fmt.Errorf("settling failure: %w", err)
	}

	eventType := "error"
	if retryable {
		eventType = "retry_scheduled"
	}
	if err := emitEvent(tx, id, eventType, map[string]any{
		"error":           lastError,
		"attempts":        attempts,
		"max_attempts":    maxAttempts,
		"next_attempt_at": nextAttemptAt.String,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing settle-failure: %w", err)
	}
	committed = true

	return q.Get(id)
}

// ListEvents returns every event recorded for an instruction, oldest first.
func (q *Queue) ListEvents(instructionID string) ([]Event, error) {
	rows, err := q.db.Query(`
		SELECT id, instruction_id, event_type, detail_json, created_at
		FROM agent_instruction_events WHERE instruction_id = ? ORDER BY created_at, rowid
	`, instructionID)
	if err != nil {
		return nil, fmt.Errorf("listing instruction events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.InstructionID, &e.EventType, &e.DetailJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning instruction event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func emitEvent(tx *sql.Tx, instructionID, eventType string, detail map[string]any) error {
	detailJSON, err := marshalOrEmpty(detail)
	if err != nil {
		return fmt.Errorf("marshaling event detail: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO agent_instruction_events (id, instruction_id, event_type, detail_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), instructionID, eventType, detailJSON, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting instruction event: %w", err)
	}
	return nil
}

func marshalOrEmpty(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstruction(row rowScanner) (*Instruction, error) {
	var in Instruction
	var confirmedBy, lastError, agentResponseJSON, lockedBy, lockedAt, nextAttemptAt, startedAt, finishedAt sql.NullString
	var requiresConfirmation int

	err := row.Scan(
		&in.ID, &in.ProjectID, &in.InstructionType, &in.Objective, &in.ConstraintsJSON, &in.InputsJSON,
		&in.ExecutionJSON, &in.PayloadJSON, &in.Callback, &in.RequestedBy, &requiresConfirmation, &confirmedBy,
		&in.Status, &in.Priority, &in.Attempts, &in.MaxAttempts, &in.RetryBackoffSeconds, &lastError,
		&agentResponseJSON, &lockedBy, &lockedAt, &nextAttemptAt, &startedAt, &finishedAt, &in.CreatedAt, &in.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("instruction: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning instruction: %w", err)
	}

	in.RequiresConfirmation = requiresConfirmation != 0
	in.ConfirmedBy = confirmedBy.String
	in.LastError = lastError.String
	in.AgentResponseJSON = agentResponseJSON.String
	in.LockedBy = lockedBy.String
	in.LockedAt = lockedAt.String
	in.NextAttemptAt = nextAttemptAt.String
	in.StartedAt = startedAt.String
	in.FinishedAt = finishedAt.String

	return &in, nil
}
