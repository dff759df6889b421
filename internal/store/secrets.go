package store

import (
	"database/sql"
	"fmt"

	"github.com/iat-toolkit/backend/internal/audit"
)

// ProjectAPISecret is a project-scoped encrypted credential (§3
// ProjectApiSecret). Ciphertext is opaque to this package — callers seal and
// open it through internal/secretvault.
type ProjectAPISecret struct {
	ID           string
	ProjectID    string
	ProviderCode string
	SecretName   string
	Ciphertext   string
	KeyRef       string
	CreatedAt    string
	UpdatedAt    string
}

// PutProjectSecret upserts a project's encrypted provider credential keyed
// on (project_id, provider_code, secret_name). keyRef is mirrored into both
// the canonical key_ref and legacy kms_key_ref columns (§9 column pairs).
func (r *Repository) PutProjectSecret(projectID, providerCode, secretName, ciphertext, keyRef string) (*ProjectAPISecret, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	if providerCode == "" || secretName == "" {
		return nil, fmt.Errorf("%w: provider_code and secret_name are required", ErrBadRequest)
	}

	var id string
	err := r.db.QueryRow(`
		SELECT id FROM project_api_secrets WHERE project_id = ? AND provider_code = ? AND secret_name = ?
	`, projectID, providerCode, secretName).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing project secret: %w", err)
	}

	ts := now()
	eventCode := "secret.updated"
	if id == "" {
		id = newID()
		eventCode = "secret.created"
		_, err = r.db.Exec(`
			INSERT INTO project_api_secrets (id, project_id, provider_code, secret_name, ciphertext, key_ref, kms_key_ref, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, projectID, providerCode, secretName, ciphertext, keyRef, keyRef, ts, ts)
	} else {
		_, err = r.db.Exec(`
			UPDATE project_api_secrets SET ciphertext = ?, key_ref = ?, kms_key_ref = ?, updated_at = ?
			WHERE id = ?
		`, ciphertext, keyRef, keyRef, ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting project secret: %w", err)
	}
	if _, err := audit.Emit(r.db, projectID, "", eventCode, "project_secret", id, map[string]any{
		"provider_code": providerCode,
		"secret_name":   secretName,
	}); err != nil {
		return nil, fmt.Errorf("emitting %s audit event: %w", eventCode, err)
	}
	return r.GetProjectSecret(id)
}

// GetProjectSecret reads a project secret row by id.
func (r *Repository) GetProjectSecret(id string) (*ProjectAPISecret, error) {
	s := ProjectAPISecret{ID: id}
	var keyRef, kmsKeyRef string
	err := r.db.QueryRow(`
		SELECT project_id, provider_code, secret_name, ciphertext, key_ref, kms_key_ref, created_at, updated_at
		FROM project_api_secrets WHERE id = ?
	`, id).Scan(&s.ProjectID, &s.ProviderCode, &s.SecretName, &s.Ciphertext, &keyRef, &kmsKeyRef, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project secret: %w", err)
	}
	s.KeyRef = keyRef
	if s.KeyRef == "" {
		s.KeyRef = kmsKeyRef
	}
	return &s, nil
}

// FindProjectSecret looks up a secret by its natural key.
func (r *Repository) FindProjectSecret(projectID, providerCode, secretName string) (*ProjectAPISecret, error) {
	var id string
	err := r.db.QueryRow(`
		SELECT id FROM project_api_secrets WHERE project_id = ? AND provider_code = ? AND secret_name = ?
	`, projectID, providerCode, secretName).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up project secret: %w", err)
	}
	return r.GetProjectSecret(id)
}

// ListProjectSecrets returns every secret registered for a project, ordered
// by provider then name.
func (r *Repository) ListProjectSecrets(projectID string) ([]ProjectAPISecret, error) {
	rows, err := r.db.Query(`
		SELECT id, provider_code, secret_name, ciphertext, key_ref, kms_key_ref, created_at, updated_at
		FROM project_api_secrets WHERE project_id = ? ORDER BY provider_code, secret_name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing project secrets: %w", err)
	}
	defer rows.Close()

	var out []ProjectAPISecret
	for rows.Next() {
		s := ProjectAPISecret{ProjectID: projectID}
		var keyRef, kmsKeyRef string
		if err := rows.Scan(&s.ID, &s.ProviderCode, &s.SecretName, &s.Ciphertext, &keyRef, &kmsKeyRef, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning project secret row: %w", err)
		}
		s.KeyRef = keyRef
		if s.KeyRef == "" {
			s.KeyRef = kmsKeyRef
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteProjectSecret removes a project's provider credential.
func (r *Repository) DeleteProjectSecret(id string) error {
	existing, err := r.GetProjectSecret(id)
	if err != nil {
		return err
	}

	res, err := r.db.Exec(`DELETE FROM project_api_secrets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting project secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking project secret delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := audit.Emit(r.db, existing.ProjectID, "", "secret.deleted", "project_secret", id, map[string]any{
		"provider_code": existing.ProviderCode,
		"secret_name":   existing.SecretName,
	}); err != nil {
		return fmt.Errorf("emitting secret.deleted audit event: %w", err)
	}
	return nil
}

// ProviderAccount is a project-scoped provider configuration profile (§3.1
// supplemented entity).
type ProviderAccount struct {
	ID           string
	ProjectID    string
	ProviderCode string
	DisplayName  string
	ConfigJSON   string
	IsDefault    bool
	CreatedAt    string
	UpdatedAt    string
}

// EnsureProviderAccount upserts a provider account keyed on (project_id,
// provider_code).
func (r *Repository) EnsureProviderAccount(projectID, providerCode, displayName, configJSON string, isDefault bool) (*ProviderAccount, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	if providerCode == "" {
		return nil, fmt.Errorf("%w: provider_code is required", ErrBadRequest)
	}
	if configJSON == "" {
		configJSON = "{}"
	}

	var id string
	err := r.db.QueryRow(`
		SELECT id FROM provider_accounts WHERE project_id = ? AND provider_code = ?
	`, projectID, providerCode).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing provider account: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		_, err = r.db.Exec(`
			INSERT INTO provider_accounts (id, project_id, provider_code, display_name, config_json, is_default, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, projectID, providerCode, displayName, configJSON, boolToInt(isDefault), ts, ts)
	} else {
		_, err = r.db.Exec(`
			UPDATE provider_accounts SET display_name = ?, config_json = ?, is_default = ?, updated_at = ?
			WHERE id = ?
		`, displayName, configJSON, boolToInt(isDefault), ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting provider account: %w", err)
	}
	return r.GetProviderAccount(id)
}

// GetProviderAccount reads a provider account row by id.
func (r *Repository) GetProviderAccount(id string) (*ProviderAccount, error) {
	a := ProviderAccount{ID: id}
	var isDefault int
	err := r.db.QueryRow(`
		SELECT project_id, provider_code, display_name, config_json, is_default, created_at, updated_at
		FROM provider_accounts WHERE id = ?
	`, id).Scan(&a.ProjectID, &a.ProviderCode, &a.DisplayName, &a.ConfigJSON, &isDefault, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning provider account: %w", err)
	}
	a.IsDefault = isDefault != 0
	return &a, nil
}

// ListProviderAccounts returns every provider account configured for a project.
func (r *Repository) ListProviderAccounts(projectID string) ([]ProviderAccount, error) {
	rows, err := r.db.Query(`
		SELECT id, provider_code, display_name, config_json, is_default, created_at, updated_at
		FROM provider_accounts WHERE project_id = ? ORDER BY provider_code
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing provider accounts: %w", err)
	}
	defer rows.Close()

	var out []ProviderAccount
	for rows.Next() {
		a := ProviderAccount{ProjectID: projectID}
		var isDefault int
		if err := rows.Scan(&a.ID, &a.ProviderCode, &a.DisplayName, &a.ConfigJSON, &isDefault, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning provider account row: %w", err)
		}
		a.IsDefault = isDefault != 0
		out = append(out, a)
	}
	return out, rows.Err()
}
