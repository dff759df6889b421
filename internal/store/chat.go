package store

import (
	"database/sql"
	"fmt"
)

// ChatSession is one conversation thread scoped to a project (§3.1).
type ChatSession struct {
	ID        string
	ProjectID string
	Title     string
	CreatedAt string
	UpdatedAt string
}

// ChatMessage is one turn within a ChatSession (§3.1). Messages are strictly
// ordered by (created_at, rowid), i.e. insertion order.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	ToolName  string
	CreatedAt string
}

// CreateChatSession starts a new conversation thread for a project.
func (r *Repository) CreateChatSession(projectID, title string) (*ChatSession, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	id := newID()
	ts := now()
	if _, err := r.db.Exec(`
		INSERT INTO chat_sessions (id, project_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, projectID, nullString(title), ts, ts); err != nil {
		return nil, fmt.Errorf("inserting chat session: %w", err)
	}
	return r.GetChatSession(id)
}

// GetChatSession reads a chat session by id.
func (r *Repository) GetChatSession(id string) (*ChatSession, error) {
	s := ChatSession{ID: id}
	var title sql.NullString
	err := r.db.QueryRow(`
		SELECT project_id, title, created_at, updated_at FROM chat_sessions WHERE id = ?
	`, id).Scan(&s.ProjectID, &title, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning chat session: %w", err)
	}
	s.Title = stringOrEmpty(title)
	return &s, nil
}

// ListChatSessions returns every chat session for a project, newest first.
func (r *Repository) ListChatSessions(projectID string) ([]ChatSession, error) {
	rows, err := r.db.Query(`
		SELECT id, title, created_at, updated_at FROM chat_sessions
		WHERE project_id = ? ORDER BY created_at DESC, id DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing chat sessions: %w", err)
	}
	defer rows.Close()

	var out []ChatSession
	for rows.Next() {
		s := ChatSession{ProjectID: projectID}
		var title sql.NullString
		if err := rows.Scan(&s.ID, &title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat session row: %w", err)
		}
		s.Title = stringOrEmpty(title)
		out = append(out, s)
	}
	return out, rows.Err()
}

// AppendChatMessage appends a turn to a chat session and bumps the
// session's updated_at.
func (r *Repository) AppendChatMessage(sessionID, role, content, toolName string) (*ChatMessage, error) {
	if _, err := r.GetChatSession(sessionID); err != nil {
		return nil, err
	}
	if role == "" {
		return nil, fmt.Errorf("%w: message role is required", ErrBadRequest)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning append_chat_message transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id := newID()
	ts := now()
	if _, err := tx.Exec(`
		INSERT INTO chat_messages (id, session_id, role, content, tool_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, sessionID, role, content, nullString(toolName), ts); err != nil {
		return nil, fmt.Errorf("inserting chat message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chat_sessions SET updated_at = ? WHERE id = ?`, ts, sessionID); err != nil {
		return nil, fmt.Errorf("bumping chat session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing append_chat_message: %w", err)
	}

	return &ChatMessage{ID: id, SessionID: sessionID, Role: role, Content: content, ToolName: toolName, CreatedAt: ts}, nil
}

// ListChatMessages returns every message in a session, strictly ordered by
// (created_at, rowid) per §4.3, so messages from the same second keep their
// insertion order.
func (r *Repository) ListChatMessages(sessionID string) ([]ChatMessage, error) {
	rows, err := r.db.Query(`
		SELECT id, role, content, tool_name, created_at FROM chat_messages
		WHERE session_id = ? ORDER BY created_at, rowid
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing chat messages: %w", err)
	}
	defer rows.Close()

	var out []ChatMessage
	for rows.Next() {
		m := ChatMessage{SessionID: sessionID}
		var toolName sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &toolName, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat message row: %w", err)
		}
		m.ToolName = stringOrEmpty(toolName)
		out = append(out, m)
	}
	return out, rows.Err()
}
