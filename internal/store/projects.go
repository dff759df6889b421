package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// Project is the canonical project row (§3 Project).
type Project struct {
	ID           string
	OwnerUserID  string
	Slug         string
	Name         string
	Description  string
	Status       string
	SettingsJSON string
	CreatedAt    string
	UpdatedAt    string
}

// ProjectStorage is the 1:1 storage configuration row (§3 ProjectStorage).
type ProjectStorage struct {
	ProjectID     string
	BaseDir       string
	ProjectRoot   string
	S3Enabled     bool
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	S3Profile     string
	S3EndpointURL string
}

// storageSettings mirrors the settings_json.storage document shape.
type storageSettings struct {
	Local struct {
		BaseDir     string `json:"base_dir"`
		ProjectRoot string `json:"project_root"`
	} `json:"local"`
	S3 struct {
		Enabled     bool   `json:"enabled"`
		Bucket      string `json:"bucket"`
		Prefix      string `json:"prefix"`
		Region      string `json:"region"`
		Profile     string `json:"profile"`
		EndpointURL string `json:"endpoint_url"`
	} `json:"s3"`
}

type projectSettingsDoc struct {
	Storage storageSettings `json:"storage"`
}

// EnsureProject matches by (owner_user_id, slug) in the canonical or legacy
// owner column; creates a new id if absent; updates display fields; writes
// or refreshes the storage row from settings_json.storage (§4.3
// ensure_project).
func (r *Repository) EnsureProject(ownerUserID, slug, name, description, status string) (*Project, error) {
	if ownerUserID == "" {
		return nil, fmt.Errorf("%w: owner_user_id is required", ErrBadRequest)
	}
	if _, err := r.GetUserByID(ownerUserID); err != nil {
		return nil, fmt.Errorf("resolving project owner: %w", err)
	}
	slug = Slugify(slug)
	if status == "" {
		status = "active"
	}

	var id string
	err := r.db.QueryRow(`
		SELECT id FROM projects WHERE slug = ? AND (owner_user_id = ? OR user_id = ?)
	`, slug, ownerUserID, ownerUserID).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing project: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		if _, err := r.db.Exec(`
			INSERT INTO projects (id, owner_user_id, user_id, slug, name, description, status, settings_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, '{}', ?, ?)
		`, id, ownerUserID, ownerUserID, slug, name, description, status, ts, ts); err != nil {
			return nil, fmt.Errorf("inserting project: %w", err)
		}
	} else {
		if _, err := r.db.Exec(`
			UPDATE projects SET owner_user_id = ?, user_id = ?, name = ?, description = ?, status = ?, updated_at = ?
			WHERE id = ?
		`, ownerUserID, ownerUserID, name, description, status, ts, id); err != nil {
			return nil, fmt.Errorf("updating project: %w", err)
		}
	}

	if err := r.syncProjectStorageFromSettings(id); err != nil {
		return nil, err
	}

	return r.GetProject(id)
}

// GetProject reads the canonical project row.
func (r *Repository) GetProject(id string) (*Project, error) {
	var p Project
	err := r.db.QueryRow(`
		SELECT id, owner_user_id, slug, name, description, status, settings_json, created_at, updated_at
		FROM projects WHERE id = ?
	`, id).Scan(&p.ID, &p.OwnerUserID, &p.Slug, &p.Name, &p.Description, &p.Status, &p.SettingsJSON, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project: %w", err)
	}
	return &p, nil
}

// GetProjectBySlug reads a project owned by ownerUserID by slug.
func (r *Repository) GetProjectBySlug(ownerUserID, slug string) (*Project, error) {
	var id string
	err := r.db.QueryRow(`SELECT id FROM projects WHERE owner_user_id = ? AND slug = ?`, ownerUserID, Slugify(slug)).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up project by slug: %w", err)
	}
	return r.GetProject(id)
}

// SaveProjectSettings writes settingsJSON and synchronizes ProjectStorage
// columns from its "storage" key (§4.3 save_project_settings).
func (r *Repository) SaveProjectSettings(projectID, settingsJSON string) error {
	if _, err := r.GetProject(projectID); err != nil {
		return err
	}
	if settingsJSON == "" {
		settingsJSON = "{}"
	}
	var probe map[string]any
	if err := json.Unmarshal([]byte(settingsJSON), &probe); err != nil {
		return fmt.Errorf("%w: settings is not a JSON object: %v", ErrBadRequest, err)
	}

	if _, err := r.db.Exec(`UPDATE projects SET settings_json = ?, updated_at = ? WHERE id = ?`, settingsJSON, now(), projectID); err != nil {
		return fmt.Errorf("saving project settings: %w", err)
	}
	return r.syncProjectStorageFromSettings(projectID)
}

// syncProjectStorageFromSettings writes/refreshes the project_storage row
// from settings_json.storage, so both shapes stay readable per §3.
// settings_json itself is left unchanged.
func (r *Repository) syncProjectStorageFromSettings(projectID string) error {
	var settingsJSON string
	if err := r.db.QueryRow(`SELECT settings_json FROM projects WHERE id = ?`, projectID).Scan(&settingsJSON); err != nil {
		return fmt.Errorf("reading project settings for storage sync: %w", err)
	}

	var doc projectSettingsDoc
	if settingsJSON != "" {
		_ = json.Unmarshal([]byte(settingsJSON), &doc)
	}

	ts := now()
	_, err := r.db.Exec(`
		INSERT INTO project_storage (project_id, base_dir, project_root, s3_enabled, s3_bucket, s3_prefix, s3_region, s3_profile, s3_endpoint_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			base_dir = excluded.base_dir,
			project_root = excluded.project_root,
			s3_enabled = excluded.s3_enabled,
			s3_bucket = excluded.s3_bucket,
			s3_prefix = excluded.s3_prefix,
			s3_region = excluded.s3_region,
			s3_profile = excluded.s3_profile,
			s3_endpoint_url = excluded.s3_endpoint_url,
			updated_at = excluded.updated_at
	`, projectID, doc.Storage.Local.BaseDir, doc.Storage.Local.ProjectRoot,
		boolToInt(doc.Storage.S3.Enabled), doc.Storage.S3.Bucket, doc.Storage.S3.Prefix,
		doc.Storage.S3.Region, doc.Storage.S3.Profile, doc.Storage.S3.EndpointURL, ts)
	if err != nil {
		return fmt.Errorf("syncing project_storage: %w", err)
	}
	return nil
}

// GetProjectStorage reads the 1:1 storage row for a project.
func (r *Repository) GetProjectStorage(projectID string) (*ProjectStorage, error) {
	var s ProjectStorage
	var s3Enabled int
	err := r.db.QueryRow(`
		SELECT project_id, base_dir, project_root, s3_enabled, s3_bucket, s3_prefix, s3_region, s3_profile, s3_endpoint_url
		FROM project_storage WHERE project_id = ?
	`, projectID).Scan(&s.ProjectID, &s.BaseDir, &s.ProjectRoot, &s3Enabled, &s.S3Bucket, &s.S3Prefix, &s.S3Region, &s.S3Profile, &s.S3EndpointURL)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning project_storage: %w", err)
	}
	s.S3Enabled = s3Enabled != 0
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
