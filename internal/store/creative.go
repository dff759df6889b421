package store

import (
	"database/sql"
	"fmt"
)

// StyleGuide is a named reusable prose style document (§3.1).
type StyleGuide struct {
	ID           string
	ProjectID    string
	Name         string
	BodyMarkdown string
	TagsJSON     string
	CreatedAt    string
	UpdatedAt    string
}

// UpsertStyleGuide upserts by (project_id, name).
func (r *Repository) UpsertStyleGuide(projectID, name, bodyMarkdown, tagsJSON string) (*StyleGuide, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: style guide name is required", ErrBadRequest)
	}
	if tagsJSON == "" {
		tagsJSON = "[]"
	}

	var id string
	err := r.db.QueryRow(`SELECT id FROM style_guides WHERE project_id = ? AND name = ?`, projectID, name).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing style guide: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		_, err = r.db.Exec(`
			INSERT INTO style_guides (id, project_id, name, body_markdown, tags_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, projectID, name, bodyMarkdown, tagsJSON, ts, ts)
	} else {
		_, err = r.db.Exec(`
			UPDATE style_guides SET body_markdown = ?, tags_json = ?, updated_at = ? WHERE id = ?
		`, bodyMarkdown, tagsJSON, ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting style guide: %w", err)
	}
	return r.getStyleGuide(id)
}

func (r *Repository) getStyleGuide(id string) (*StyleGuide, error) {
	g := StyleGuide{ID: id}
	err := r.db.QueryRow(`
		SELECT project_id, name, body_markdown, tags_json, created_at, updated_at FROM style_guides WHERE id = ?
	`, id).Scan(&g.ProjectID, &g.Name, &g.BodyMarkdown, &g.TagsJSON, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning style guide: %w", err)
	}
	return &g, nil
}

// ListStyleGuides returns every style guide for a project, ordered by name.
func (r *Repository) ListStyleGuides(projectID string) ([]StyleGuide, error) {
	rows, err := r.db.Query(`
		SELECT id, name, body_markdown, tags_json, created_at, updated_at
		FROM style_guides WHERE project_id = ? ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing style guides: %w", err)
	}
	defer rows.Close()

	var out []StyleGuide
	for rows.Next() {
		g := StyleGuide{ProjectID: projectID}
		if err := rows.Scan(&g.ID, &g.Name, &g.BodyMarkdown, &g.TagsJSON, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning style guide row: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Character is a named recurring creative entity (§3.1).
type Character struct {
	ID               string
	ProjectID        string
	Name             string
	Description      string
	ReferenceAssetID string
	TraitsJSON       string
	CreatedAt        string
	UpdatedAt        string
}

// UpsertCharacter upserts by (project_id, name).
func (r *Repository) UpsertCharacter(projectID, name, description, referenceAssetID, traitsJSON string) (*Character, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: character name is required", ErrBadRequest)
	}
	if traitsJSON == "" {
		traitsJSON = "{}"
	}
	if referenceAssetID != "" {
		if _, err := r.GetAsset(referenceAssetID); err != nil {
			return nil, fmt.Errorf("resolving character reference asset: %w", err)
		}
	}

	var id string
	err := r.db.QueryRow(`SELECT id FROM characters WHERE project_id = ? AND name = ?`, projectID, name).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing character: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		_, err = r.db.Exec(`
			INSERT INTO characters (id, project_id, name, description, reference_asset_id, traits_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, projectID, name, description, nullString(referenceAssetID), traitsJSON, ts, ts)
	} else {
		_, err = r.db.Exec(`
			UPDATE characters SET description = ?, reference_asset_id = ?, traits_json = ?, updated_at = ?
			WHERE id = ?
		`, description, nullString(referenceAssetID), traitsJSON, ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting character: %w", err)
	}
	return r.getCharacter(id)
}

func (r *Repository) getCharacter(id string) (*Character, error) {
	c := Character{ID: id}
	var refAssetID sql.NullString
	err := r.db.QueryRow(`
		SELECT project_id, name, description, reference_asset_id, traits_json, created_at, updated_at
		FROM characters WHERE id = ?
	`, id).Scan(&c.ProjectID, &c.Name, &c.Description, &refAssetID, &c.TraitsJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning character: %w", err)
	}
	c.ReferenceAssetID = stringOrEmpty(refAssetID)
	return &c, nil
}

// ListCharacters returns every character for a project, ordered by name.
func (r *Repository) ListCharacters(projectID string) ([]Character, error) {
	rows, err := r.db.Query(`
		SELECT id, name, description, reference_asset_id, traits_json, created_at, updated_at
		FROM characters WHERE project_id = ? ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing characters: %w", err)
	}
	defer rows.Close()

	var out []Character
	for rows.Next() {
		c := Character{ProjectID: projectID}
		var refAssetID sql.NullString
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &refAssetID, &c.TraitsJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning character row: %w", err)
		}
		c.ReferenceAssetID = stringOrEmpty(refAssetID)
		out = append(out, c)
	}
	return out, rows.Err()
}

// ReferenceSet groups weighted reference assets under a named collection
// (§3.1).
type ReferenceSet struct {
	ID        string
	ProjectID string
	Name      string
	Kind      string
	CreatedAt string
	UpdatedAt string
}

// ReferenceItem is one weighted asset membership in a ReferenceSet.
type ReferenceItem struct {
	ID             string
	ReferenceSetID string
	AssetID        string
	Weight         float64
	CreatedAt      string
}

// UpsertReferenceSet upserts by (project_id, name).
func (r *Repository) UpsertReferenceSet(projectID, name, kind string) (*ReferenceSet, error) {
	if _, err := r.GetProject(projectID); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: reference set name is required", ErrBadRequest)
	}

	var id string
	err := r.db.QueryRow(`SELECT id FROM reference_sets WHERE project_id = ? AND name = ?`, projectID, name).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing reference set: %w", err)
	}

	ts := now()
	if id == "" {
		id = newID()
		_, err = r.db.Exec(`
			INSERT INTO reference_sets (id, project_id, name, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, id, projectID, name, kind, ts, ts)
	} else {
		_, err = r.db.Exec(`UPDATE reference_sets SET kind = ?, updated_at = ? WHERE id = ?`, kind, ts, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting reference set: %w", err)
	}
	return r.getReferenceSet(id)
}

func (r *Repository) getReferenceSet(id string) (*ReferenceSet, error) {
	s := ReferenceSet{ID: id}
	err := r.db.QueryRow(`
		SELECT project_id, name, kind, created_at, updated_at FROM reference_sets WHERE id = ?
	`, id).Scan(&s.ProjectID, &s.Name, &s.Kind, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning reference set: %w", err)
	}
	return &s, nil
}

// ListReferenceSets returns every reference set for a project.
func (r *Repository) ListReferenceSets(projectID string) ([]ReferenceSet, error) {
	rows, err := r.db.Query(`
		SELECT id, name, kind, created_at, updated_at FROM reference_sets WHERE project_id = ? ORDER BY name
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing reference sets: %w", err)
	}
	defer rows.Close()

	var out []ReferenceSet
	for rows.Next() {
		s := ReferenceSet{ProjectID: projectID}
		if err := rows.Scan(&s.ID, &s.Name, &s.Kind, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning reference set row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// AddReferenceItem adds an asset to a reference set at the given weight,
// upserting by (reference_set_id, asset_id) so re-adding updates the weight.
func (r *Repository) AddReferenceItem(referenceSetID, assetID string, weight float64) (*ReferenceItem, error) {
	if _, err := r.getReferenceSet(referenceSetID); err != nil {
		return nil, err
	}
	if _, err := r.GetAsset(assetID); err != nil {
		return nil, err
	}
	if weight == 0 {
		weight = 1.0
	}

	var id string
	err := r.db.QueryRow(`
		SELECT id FROM reference_items WHERE reference_set_id = ? AND asset_id = ?
	`, referenceSetID, assetID).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing reference item: %w", err)
	}

	if id == "" {
		id = newID()
		_, err = r.db.Exec(`
			INSERT INTO reference_items (id, reference_set_id, asset_id, weight, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, id, referenceSetID, assetID, weight, now())
	} else {
		_, err = r.db.Exec(`UPDATE reference_items SET weight = ? WHERE id = ?`, weight, id)
	}
	if err != nil {
		return nil, fmt.Errorf("upserting reference item: %w", err)
	}

	item := ReferenceItem{ID: id, ReferenceSetID: referenceSetID, AssetID: assetID, Weight: weight}
	if err := r.db.QueryRow(`SELECT created_at FROM reference_items WHERE id = ?`, id).Scan(&item.CreatedAt); err != nil {
		return nil, fmt.Errorf("reading reference item: %w", err)
	}
	return &item, nil
}

// ListReferenceItems returns every asset membership of a reference set.
func (r *Repository) ListReferenceItems(referenceSetID string) ([]ReferenceItem, error) {
	rows, err := r.db.Query(`
		SELECT id, asset_id, weight, created_at FROM reference_items
		WHERE reference_set_id = ? ORDER BY created_at, id
	`, referenceSetID)
	if err != nil {
		return nil, fmt.Errorf("listing reference items: %w", err)
	}
	defer rows.Close()

	var out []ReferenceItem
	for rows.Next() {
		i := ReferenceItem{ReferenceSetID: referenceSetID}
		if err := rows.Scan(&i.ID, &i.AssetID, &i.Weight, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning reference item row: %w", err)
		}
		out = append(out, i)
	}
	return out, rows.Err()
}
