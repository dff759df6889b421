package export

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/iat-toolkit/backend/internal/ingest"
	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/store"
)

func setup(t *testing.T) (*Exporter, *store.Repository, string) {
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

	repo := store.New(db)
	owner, err := repo.EnsureUser("dana", "Dana", "")
	if err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
	project, err := repo.EnsureProject(owner.ID, "atlas", "Atlas", "", "")
	if err != nil {
		t.Fatalf("EnsureProject: %v", err)
	}

	in := ingest.New(db)
	runLog := `{"jobs": [{"id": "j1", "status": "done", "final_output": "renders/j1.png"}]}`
	if _, err := in.IngestRun(project.ID, "runs/001.json", []byte(runLog)); err != nil {
		t.Fatalf("IngestRun: %v", err)
	}

	return New(db), repo, project.ID
}

func TestExportAsDirectoryCopiesRowsAndWritesMetadata(t *testing.T) {
	exp, repo, projectID := setup(t)
	outDir := filepath.Join(t.TempDir(), "atlas-export")

	res, err := exp.Export(repo, Options{ProjectID: projectID, OutputPath: outDir})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.ExportAssetID == "" {
		t.Fatal("expected an export asset id")
	}
	if res.CopiedRows["runs"] != 1 {
		t.Fatalf("expected 1 copied run row, got %d", res.CopiedRows["runs"])
	}
	if res.CopiedRows["run_jobs"] != 1 {
		t.Fatalf("expected 1 copied run_jobs row, got %d", res.CopiedRows["run_jobs"])
	}
	if res.CopiedRows["run_candidates"] != 1 {
		t.Fatalf("expected 1 copied run_candidates row, got %d", res.CopiedRows["run_candidates"])
	}
	// quality_reports carries job_id/candidate_id foreign keys into run_jobs/
	// run_candidates; this only succeeds under foreign_keys=ON if those rows
	// were copied into the export database first.
	if res.CopiedRows["quality_reports"] != 1 {
		t.Fatalf("expected 1 copied quality_reports row, got %d", res.CopiedRows["quality_reports"])
	}

	exportDB, err := sql.Open("sqlite3", filepath.Join(outDir, "project.db"))
	if err != nil {
		t.Fatalf("opening exported database: %v", err)
	}
	defer exportDB.Close()
	var fkOK int
	if err := exportDB.QueryRow(`PRAGMA foreign_key_check`).Scan(&fkOK); err != sql.ErrNoRows {
		t.Fatalf("expected no foreign_key_check violations in the export database, got row/err: %v", err)
	}

	if _, err := os.Stat(filepath.Join(outDir, "project.db")); err != nil {
		t.Fatalf("expected project.db in export output: %v", err)
	}
	metaBytes, err := os.ReadFile(filepath.Join(outDir, "metadata.json"))
	if err != nil {
		t.Fatalf("reading metadata.json: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		t.Fatalf("metadata.json is not valid JSON: %v", err)
	}
	if meta["project"].(map[string]any)["slug"] != "atlas" {
		t.Fatalf("unexpected metadata project section: %+v", meta["project"])
	}

	var exportCount int
	if err := exp.db.QueryRow(`SELECT COUNT(*) FROM project_exports WHERE project_id = ?`, projectID).Scan(&exportCount); err != nil {
		t.Fatalf("counting project_exports: %v", err)
	}
	if exportCount != 1 {
		t.Fatalf("expected 1 project_exports row, got %d", exportCount)
	}

	var auditCount int
	if err := exp.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE event_code = 'project.exported'`).Scan(&auditCount); err != nil {
		t.Fatalf("counting audit events: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 project.exported audit event, got %d", auditCount)
	}
}

func TestExportAsTarGzProducesHashedArchive(t *testing.T) {
	exp, repo, projectID := setup(t)
	outPath := filepath.Join(t.TempDir(), "atlas-export.tar.gz")

	res, err := exp.Export(repo, Options{ProjectID: projectID, OutputPath: outPath})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if res.SHA256 == "" {
		t.Fatal("expected a non-empty sha256 for a packed archive")
	}
	info, err := os.Stat(outPath)
	if err != nil || info.IsDir() {
		t.Fatalf("expected a regular file at %s", outPath)
	}
}
