package store

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/iat-toolkit/backend/internal/audit"
	"github.com/iat-toolkit/backend/internal/schema"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := schema.EnsureSchema(db); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return New(db)
}

func mustUser(t *testing.T, r *Repository, username string) *User {
	t.Helper()
	u, err := r.EnsureUser(username, username, "")
	if err != nil {
		t.Fatalf("EnsureUser(%q): %v", username, err)
	}
	return u
}

func mustProject(t *testing.T, r *Repository, owner *User, slug string) *Project {
	t.Helper()
	p, err := r.EnsureProject(owner.ID, slug, slug, "", "")
	if err != nil {
		t.Fatalf("EnsureProject(%q): %v", slug, err)
	}
	return p
}

func TestEnsureUserReusesExistingID(t *testing.T) {
	r := newTestRepo(t)

	first, err := r.EnsureUser("Ada Lovelace", "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	if first.Username != "ada_lovelace" {
		t.Fatalf("expected slugified username 'ada_lovelace', got %q", first.Username)
	}

	second, err := r.EnsureUser("ada lovelace", "Ada L.", "ada@example.com")
	if err != nil {
		t.Fatalf("EnsureUser (re-ensure): %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected re-ensuring the same username to reuse id %q, got %q", first.ID, second.ID)
	}
	if second.DisplayName != "Ada L." {
		t.Fatalf("expected display_name updated to 'Ada L.', got %q", second.DisplayName)
	}

	var mirrored string
	if err := r.db.QueryRow(`SELECT display_name FROM app_users WHERE id = ?`, first.ID).Scan(&mirrored); err != nil {
		t.Fatalf("reading legacy mirror row: %v", err)
	}
	if mirrored != "Ada L." {
		t.Fatalf("expected app_users mirror updated to 'Ada L.', got %q", mirrored)
	}
}

func TestGetUserByIDNotFound(t *testing.T) {
	r := newTestRepo(t)
	if _, err := r.GetUserByID("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnsureProjectUpsertsByOwnerAndSlug(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")

	p1, err := r.EnsureProject(owner.ID, "My Cool Project!", "My Cool Project", "first cut", "")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}
	if p1.Slug != "my_cool_project" {
		t.Fatalf("expected slug 'my_cool_project', got %q", p1.Slug)
	}
	if p1.Status != "active" {
		t.Fatalf("expected default status 'active', got %q", p1.Status)
	}

	p2, err := r.EnsureProject(owner.ID, "my cool project", "My Cool Project", "second cut", "archived")
	if err != nil {
		t.Fatalf("EnsureProject (re-ensure): %v", err)
	}
	if p2.ID != p1.ID {
		t.Fatalf("expected re-ensuring the same (owner, slug) to reuse id %q, got %q", p1.ID, p2.ID)
	}
	if p2.Description != "second cut" || p2.Status != "archived" {
		t.Fatalf("expected display fields updated, got description=%q status=%q", p2.Description, p2.Status)
	}
}

func TestSaveProjectSettingsSyncsStorage(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	settings := `{"storage":{"local":{"base_dir":"/data/atlas","project_root":"atlas"},"s3":{"enabled":true,"bucket":"iat-assets","prefix":"atlas/","region":"us-east-1"}}}`
	if err := r.SaveProjectSettings(p.ID, settings); err != nil {
		t.Fatalf("SaveProjectSettings: %v", err)
	}

	st, err := r.GetProjectStorage(p.ID)
	if err != nil {
		t.Fatalf("GetProjectStorage: %v", err)
	}
	if st.BaseDir != "/data/atlas" || st.ProjectRoot != "atlas" {
		t.Fatalf("unexpected local storage fields: %+v", st)
	}
	if !st.S3Enabled || st.S3Bucket != "iat-assets" || st.S3Region != "us-east-1" {
		t.Fatalf("unexpected s3 storage fields: %+v", st)
	}
}

func TestSaveProjectSettingsRejectsNonObjectJSON(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	if err := r.SaveProjectSettings(p.ID, `[1,2,3]`); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for non-object settings, got %v", err)
	}
}

func TestPutProjectSecretUpsertsAndMirrorsKeyRef(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	s1, err := r.PutProjectSecret(p.ID, "openai", "api_key", "ciphertext-v1", "ref-1")
	if err != nil {
		t.Fatalf("PutProjectSecret: %v", err)
	}

	s2, err := r.PutProjectSecret(p.ID, "openai", "api_key", "ciphertext-v2", "ref-2")
	if err != nil {
		t.Fatalf("PutProjectSecret (update): %v", err)
	}
	if s2.ID != s1.ID {
		t.Fatalf("expected update to reuse id %q, got %q", s1.ID, s2.ID)
	}
	if s2.Ciphertext != "ciphertext-v2" || s2.KeyRef != "ref-2" {
		t.Fatalf("expected ciphertext/key_ref updated, got %+v", s2)
	}

	var kmsKeyRef string
	if err := r.db.QueryRow(`SELECT kms_key_ref FROM project_api_secrets WHERE id = ?`, s2.ID).Scan(&kmsKeyRef); err != nil {
		t.Fatalf("reading legacy kms_key_ref: %v", err)
	}
	if kmsKeyRef != "ref-2" {
		t.Fatalf("expected kms_key_ref mirrored to 'ref-2', got %q", kmsKeyRef)
	}

	events, err := audit.List(r.db, p.ID)
	if err != nil {
		t.Fatalf("audit.List: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events (create + update), got %d: %+v", len(events), events)
	}
	if events[0].EventCode != "secret.created" {
		t.Fatalf("expected first event 'secret.created', got %q", events[0].EventCode)
	}
	if events[1].EventCode != "secret.updated" {
		t.Fatalf("expected second event 'secret.updated', got %q", events[1].EventCode)
	}
}

func TestDeleteProjectSecretEmitsAuditEvent(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	s, err := r.PutProjectSecret(p.ID, "openai", "api_key", "ciphertext-v1", "ref-1")
	if err != nil {
		t.Fatalf("PutProjectSecret: %v", err)
	}
	if err := r.DeleteProjectSecret(s.ID); err != nil {
		t.Fatalf("DeleteProjectSecret: %v", err)
	}

	events, err := audit.List(r.db, p.ID)
	if err != nil {
		t.Fatalf("audit.List: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events (create + delete), got %d: %+v", len(events), events)
	}
	if events[1].EventCode != "secret.deleted" {
		t.Fatalf("expected second event 'secret.deleted', got %q", events[1].EventCode)
	}
}

func TestDeleteProjectSecretNotFound(t *testing.T) {
	r := newTestRepo(t)
	if err := r.DeleteProjectSecret("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertAssetFillsWithoutClobbering(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	a1, err := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///out/1.png", Kind: "image"})
	if err != nil {
		t.Fatalf("UpsertAsset (create): %v", err)
	}
	if a1.RelPath != a1.StorageURI {
		t.Fatalf("expected rel_path to fall back to storage_uri, got %q", a1.RelPath)
	}

	a2, err := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///out/1.png", SHA256: "abc123", RunID: "run-1"})
	if err != nil {
		t.Fatalf("UpsertAsset (fill): %v", err)
	}
	if a2.ID != a1.ID {
		t.Fatalf("expected matching storage_uri to reuse id %q, got %q", a1.ID, a2.ID)
	}
	if a2.SHA256 != "abc123" || a2.RunID != "run-1" {
		t.Fatalf("expected optional fields filled, got %+v", a2)
	}
	if a2.Kind != "image" {
		t.Fatalf("expected established kind 'image' preserved, got %q", a2.Kind)
	}

	a3, err := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///out/1.png", SHA256: "should-not-overwrite"})
	if err != nil {
		t.Fatalf("UpsertAsset (no clobber): %v", err)
	}
	if a3.SHA256 != "abc123" {
		t.Fatalf("expected established sha256 preserved, got %q", a3.SHA256)
	}
}

func TestLinkAssetsRejectsSelfLink(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")
	a, err := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///a.png"})
	if err != nil {
		t.Fatalf("UpsertAsset: %v", err)
	}
	if _, err := r.LinkAssets(a.ID, a.ID, "derived_from"); !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for self-link, got %v", err)
	}
}

func TestLinkAssetsIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")
	parent, _ := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///parent.png"})
	child, _ := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///child.png"})

	l1, err := r.LinkAssets(parent.ID, child.ID, "variant_of")
	if err != nil {
		t.Fatalf("LinkAssets: %v", err)
	}
	l2, err := r.LinkAssets(parent.ID, child.ID, "variant_of")
	if err != nil {
		t.Fatalf("LinkAssets (repeat): %v", err)
	}
	if l1.ID != l2.ID {
		t.Fatalf("expected repeated link to resolve to the same row %q, got %q", l1.ID, l2.ID)
	}
}

func TestCreativeKnowledgeUpsertsByNaturalKey(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	g1, err := r.UpsertStyleGuide(p.ID, "Noir", "dark and moody", "")
	if err != nil {
		t.Fatalf("UpsertStyleGuide: %v", err)
	}
	g2, err := r.UpsertStyleGuide(p.ID, "Noir", "dark, moody, high contrast", `["visual"]`)
	if err != nil {
		t.Fatalf("UpsertStyleGuide (update): %v", err)
	}
	if g2.ID != g1.ID {
		t.Fatalf("expected style guide update to reuse id %q, got %q", g1.ID, g2.ID)
	}

	ref, err := r.UpsertAsset(Asset{ProjectID: p.ID, StorageURI: "file:///hero.png"})
	if err != nil {
		t.Fatalf("UpsertAsset: %v", err)
	}
	c, err := r.UpsertCharacter(p.ID, "Hero", "the protagonist", ref.ID, "")
	if err != nil {
		t.Fatalf("UpsertCharacter: %v", err)
	}
	if c.ReferenceAssetID != ref.ID {
		t.Fatalf("expected reference_asset_id %q, got %q", ref.ID, c.ReferenceAssetID)
	}

	set, err := r.UpsertReferenceSet(p.ID, "Hero Looks", "character")
	if err != nil {
		t.Fatalf("UpsertReferenceSet: %v", err)
	}
	if _, err := r.AddReferenceItem(set.ID, ref.ID, 0.5); err != nil {
		t.Fatalf("AddReferenceItem: %v", err)
	}
	items, err := r.ListReferenceItems(set.ID)
	if err != nil {
		t.Fatalf("ListReferenceItems: %v", err)
	}
	if len(items) != 1 || items[0].Weight != 0.5 {
		t.Fatalf("expected one reference item at weight 0.5, got %+v", items)
	}
}

func TestChatMessagesOrderedByCreatedAtThenID(t *testing.T) {
	r := newTestRepo(t)
	owner := mustUser(t, r, "dana")
	p := mustProject(t, r, owner, "atlas")

	session, err := r.CreateChatSession(p.ID, "Planning")
	if err != nil {
		t.Fatalf("CreateChatSession: %v", err)
	}

	if _, err := r.AppendChatMessage(session.ID, "user", "let's start", ""); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}
	if _, err := r.AppendChatMessage(session.ID, "assistant", "sure thing", ""); err != nil {
		t.Fatalf("AppendChatMessage: %v", err)
	}

	msgs, err := r.ListChatMessages(session.ID)
	if err != nil {
		t.Fatalf("ListChatMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("expected messages in insertion order, got %+v", msgs)
	}
}
