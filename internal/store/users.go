package store

import (
	"database/sql"
	"fmt"
)

// User is the canonical user row (§3 User).
type User struct {
	ID          string
	Username    string
	DisplayName string
	Email       string
	IsActive    bool
	CreatedAt   string
	UpdatedAt   string
}

// EnsureUser slugifies username and upserts into both the canonical users
// table and the legacy app_users mirror under the same id (§4.3
// ensure_user). When either table already holds the username, the
// existing id is reused rather than minting a new one.
func (r *Repository) EnsureUser(username, displayName, email string) (*User, error) {
	slug := Slugify(username)

	existingID, err := r.findUserIDByUsername(slug)
	if err != nil {
		return nil, err
	}

	ts := now()
	id := existingID
	if id == "" {
		id = newID()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning ensure_user transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"users", "app_users"} {
		q := fmt.Sprintf(`
			INSERT INTO %s (id, username, display_name, email, is_active, created_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				display_name = excluded.display_name,
				email = excluded.email,
				updated_at = excluded.updated_at
		`, table)
		if _, err := tx.Exec(q, id, slug, displayName, nullString(email), ts, ts); err != nil {
			return nil, fmt.Errorf("upserting %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ensure_user: %w", err)
	}

	return r.GetUserByID(id)
}

func (r *Repository) findUserIDByUsername(slug string) (string, error) {
	var id string
	err := r.db.QueryRow(`SELECT id FROM users WHERE username = ?`, slug).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up user by username in users: %w", err)
	}

	err = r.db.QueryRow(`SELECT id FROM app_users WHERE username = ?`, slug).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up user by username in app_users: %w", err)
	}
	return "", nil
}

// GetUserByID reads the canonical user row.
func (r *Repository) GetUserByID(id string) (*User, error) {
	return r.scanUser(r.db.QueryRow(`
		SELECT id, username, display_name, email, is_active, created_at, updated_at
		FROM users WHERE id = ?`, id))
}

// GetUserByUsername reads the canonical user row by slugified username.
func (r *Repository) GetUserByUsername(username string) (*User, error) {
	return r.scanUser(r.db.QueryRow(`
		SELECT id, username, display_name, email, is_active, created_at, updated_at
		FROM users WHERE username = ?`, Slugify(username)))
}

func (r *Repository) scanUser(row *sql.Row) (*User, error) {
	var u User
	var email sql.NullString
	var isActive int
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &email, &isActive, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning user: %w", err)
	}
	u.Email = stringOrEmpty(email)
	u.IsActive = isActive != 0
	return &u, nil
}
