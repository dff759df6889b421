package store

import (
	"database/sql"
	"fmt"
)

// Asset is a stored artifact referenced by storage URI, with optional hash
// and media metadata (§3 Asset).
type Asset struct {
	ID             string
	ProjectID      string
	StorageURI     string
	RelPath        string
	Kind           string
	SHA256         string
	MimeType       string
	Width          int
	Height         int
	StorageBackend string
	RunID          string
	JobID          string
	CandidateID    string
	MetaJSON       string
	CreatedAt      string
	UpdatedAt      string
}

// AssetLink is a directed provenance edge between two assets (§3 AssetLink).
type AssetLink struct {
	ID            string
	ParentAssetID string
	ChildAssetID  string
	LinkType      string
	CreatedAt     string
}

// UpsertAsset matches an existing asset by (project_id, storage_uri) or, when
// storage_uri is absent, by (project_id, rel_path). When a match is found,
// optional link fields (run/job/candidate ids, hash, mime, dimensions) are
// filled only where the existing row leaves them blank, never clobbering an
// already-established value (§4.3 asset upsert).
func (r *Repository) UpsertAsset(a Asset) (*Asset, error) {
	if _, err := r.GetProject(a.ProjectID); err != nil {
		return nil, err
	}
	if a.StorageURI == "" && a.RelPath == "" {
		return nil, fmt.Errorf("%w: asset requires storage_uri or rel_path", ErrBadRequest)
	}
	if a.StorageBackend == "" {
		a.StorageBackend = "local"
	}
	if a.MetaJSON == "" {
		a.MetaJSON = "{}"
	}

	var id string
	var err error
	if a.StorageURI != "" {
		err = r.db.QueryRow(`SELECT id FROM assets WHERE project_id = ? AND storage_uri = ?`, a.ProjectID, a.StorageURI).Scan(&id)
	} else {
		err = r.db.QueryRow(`SELECT id FROM assets WHERE project_id = ? AND rel_path = ?`, a.ProjectID, a.RelPath).Scan(&id)
	}
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing asset: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		storageURI := a.StorageURI
		if storageURI == "" {
			storageURI = a.RelPath
		}
		relPath := a.RelPath
		if relPath == "" {
			relPath = a.StorageURI
		}
		_, err = r.db.Exec(`
			INSERT INTO assets (id, project_id, storage_uri, rel_path, kind, sha256, mime_type, width, height,
				storage_backend, run_id, job_id, candidate_id, meta_json, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, a.ProjectID, storageURI, relPath, a.Kind, nullString(a.SHA256), nullString(a.MimeType),
			nullInt(a.Width), nullInt(a.Height), a.StorageBackend, nullString(a.RunID), nullString(a.JobID),
			nullString(a.CandidateID), a.MetaJSON, a.MetaJSON, ts, ts)
		if err != nil {
			return nil, fmt.Errorf("inserting asset: %w", err)
		}
		return r.GetAsset(id)
	}

	_, err = r.db.Exec(`
		UPDATE assets SET
			rel_path = CASE WHEN rel_path = '' THEN ? ELSE rel_path END,
			storage_uri = CASE WHEN storage_uri = '' THEN ? ELSE storage_uri END,
			kind = CASE WHEN kind = '' THEN ? ELSE kind END,
			sha256 = CASE WHEN sha256 IS NULL OR sha256 = '' THEN ? ELSE sha256 END,
			mime_type = CASE WHEN mime_type IS NULL OR mime_type = '' THEN ? ELSE mime_type END,
			width = CASE WHEN width IS NULL THEN ? ELSE width END,
			height = CASE WHEN height IS NULL THEN ? ELSE height END,
			run_id = CASE WHEN run_id IS NULL THEN ? ELSE run_id END,
			job_id = CASE WHEN job_id IS NULL THEN ? ELSE job_id END,
			candidate_id = CASE WHEN candidate_id IS NULL THEN ? ELSE candidate_id END,
			updated_at = ?
		WHERE id = ?
	`, a.RelPath, a.StorageURI, a.Kind, nullString(a.SHA256), nullString(a.MimeType),
		nullInt(a.Width), nullInt(a.Height), nullString(a.RunID), nullString(a.JobID),
		nullString(a.CandidateID), ts, id)
	if err != nil {
		return nil, fmt.Errorf("filling existing asset: %w", err)
	}
	return r.GetAsset(id)
}

// GetAsset reads an asset row by id.
func (r *Repository) GetAsset(id string) (*Asset, error) {
	a := Asset{ID: id}
	var sha256, mimeType, runID, jobID, candidateID sql.NullString
	var width, height sql.NullInt64
	err := r.db.QueryRow(`
		SELECT project_id, storage_uri, rel_path, kind, sha256, mime_type, width, height,
			storage_backend, run_id, job_id, candidate_id, meta_json, created_at, updated_at
		FROM assets WHERE id = ?
	`, id).Scan(&a.ProjectID, &a.StorageURI, &a.RelPath, &a.Kind, &sha256, &mimeType, &width, &height,
		&a.StorageBackend, &runID, &jobID, &candidateID, &a.MetaJSON, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning asset: %w", err)
	}
	a.SHA256 = stringOrEmpty(sha256)
	a.MimeType = stringOrEmpty(mimeType)
	a.RunID = stringOrEmpty(runID)
	a.JobID = stringOrEmpty(jobID)
	a.CandidateID = stringOrEmpty(candidateID)
	a.Width = int(width.Int64)
	a.Height = int(height.Int64)
	return &a, nil
}

// ListProjectAssets returns every asset belonging to a project, newest first.
func (r *Repository) ListProjectAssets(projectID string) ([]Asset, error) {
	rows, err := r.db.Query(`SELECT id FROM assets WHERE project_id = ? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing project assets: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning asset id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Asset, 0, len(ids))
	for _, id := range ids {
		a, err := r.GetAsset(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

// LinkAssets records a directed provenance edge between two assets,
// ignoring the link if it already exists. linkType must be one of
// derived_from, variant_of, mask_for or reference_of. Self-links are rejected
// since an asset cannot be its own provenance ancestor; longer cycles
// (A→B→A) are not checked.
func (r *Repository) LinkAssets(parentAssetID, childAssetID, linkType string) (*AssetLink, error) {
	if parentAssetID == childAssetID {
		return nil, fmt.Errorf("%w: asset cannot link to itself", ErrBadRequest)
	}
	switch linkType {
	case "derived_from", "variant_of", "mask_for", "reference_of":
	default:
		return nil, fmt.Errorf("%w: unknown link_type %q", ErrBadRequest, linkType)
	}

	var id string
	err := r.db.QueryRow(`
		SELECT id FROM asset_links WHERE parent_asset_id = ? AND child_asset_id = ? AND link_type = ?
	`, parentAssetID, childAssetID, linkType).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing asset link: %w", err)
	}
	if id != "" {
		return r.getAssetLink(id)
	}

	id = newID()
	ts := now()
	_, err = r.db.Exec(`
		INSERT INTO asset_links (id, parent_asset_id, child_asset_id, link_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, id, parentAssetID, childAssetID, linkType, ts)
	if err != nil {
		return nil, fmt.Errorf("inserting asset link: %w", err)
	}
	return r.getAssetLink(id)
}

func (r *Repository) getAssetLink(id string) (*AssetLink, error) {
	l := AssetLink{ID: id}
	err := r.db.QueryRow(`
		SELECT parent_asset_id, child_asset_id, link_type, created_at FROM asset_links WHERE id = ?
	`, id).Scan(&l.ParentAssetID, &l.ChildAssetID, &l.LinkType, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning asset link: %w", err)
	}
	return &l, nil
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
