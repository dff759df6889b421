// Package export is the Exporter (§4.7): it packages one project's
// relational state and, optionally, its local file tree into a portable
// archive — a fresh embedded database plus a metadata.json describing what
// was copied, packed to tar.gz or left as a directory.
//
// Grounded on backend.py's export_project_package/copy_rows/table_columns:
// row copying reads each table's live column list via PRAGMA table_info so
// a schema change never silently drops a column from the export.
package export

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iat-toolkit/backend/internal/audit"
	"github.com/iat-toolkit/backend/internal/hydrate"
	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/store"
)

// Exporter packages projects out of an already-migrated source database.
type Exporter struct {
	db *sql.DB
}

// New wraps the source *sql.DB the projects being exported live in.
func New(db *sql.DB) *Exporter {
	return &Exporter{db: db}
}

// Options bounds one export call.
type Options struct {
	ProjectID       string
	OutputPath      string // package root directory, or a .tar.gz/.tgz archive path
	IncludeFiles    bool
	SourceFilesRoot string // project's local file tree; only read when IncludeFiles
	RootWatcher     *hydrate.RootWatcher // optional; marked clean after a successful file copy
}

// Result summarizes one export.
type Result struct {
	OutputPath  string
	SHA256      string
	ExportAssetID string
	CopiedRows  map[string]int
	CopiedFiles int
}

// tableCopySpec names one table copied into the package, its row filter, and
// the params that filter takes.
type tableCopySpec struct {
	name      string
	whereSQL  string
	paramFrom func(ids ids) []any
}

// exportedTables lists the tables with no dependency on run_jobs/
// run_candidates, copied first.
var exportedTables = []tableCopySpec{
	{"app_users", "id = ?", func(i ids) []any { return []any{i.ownerUserID} }},
	{"users", "id = ?", func(i ids) []any { return []any{i.ownerUserID} }},
	{"projects", "id = ?", func(i ids) []any { return []any{i.projectID} }},
	{"runs", "project_id = ?", func(i ids) []any { return []any{i.projectID} }},
	{"assets", "project_id = ?", func(i ids) []any { return []any{i.projectID} }},
	{"audit_events", "project_id = ?", func(i ids) []any { return []any{i.projectID} }},
}

// postCandidateTables lists tables that carry FKs into run_jobs/
// run_candidates (quality_reports.job_id/candidate_id); these are copied
// only after those parent rows exist in the export database, or the
// foreign-key-enforced INSERT fails against a database still missing them.
var postCandidateTables = []tableCopySpec{
	{"quality_reports", "project_id = ?", func(i ids) []any { return []any{i.projectID} }},
	{"cost_events", "project_id = ?", func(i ids) []any { return []any{i.projectID} }},
}

// ids carries the keys the fixed-shape WHERE clauses above close over; the
// run/job-id-scoped tables below are copied separately since their scope
// depends on rows discovered mid-export.
type ids struct {
	ownerUserID string
	projectID   string
}

// Export packages opts.ProjectID. Row copying and (optional) file copying
// happen into a temporary package directory first; the directory is then
// either tar.gz-packed or moved to opts.OutputPath verbatim.
func (e *Exporter) Export(repo *store.Repository, opts Options) (*Result, error) {
	project, err := repo.GetProject(opts.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading project to export: %w", err)
	}

	tempDir, err := os.MkdirTemp("", "iat_project_export_")
	if err != nil {
		return nil, fmt.Errorf("creating export staging dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	stamp := strings.ReplaceAll(time.Now().UTC().Format(time.RFC3339), ":", "-")
	packageRoot := filepath.Join(tempDir, fmt.Sprintf("%s_%s", project.Slug, stamp))
	if err := os.MkdirAll(packageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating package root: %w", err)
	}

	copiedRows, err := e.copyProjectDB(project, packageRoot)
	if err != nil {
		return nil, err
	}

	copiedFiles := 0
	if opts.IncludeFiles && opts.SourceFilesRoot != "" {
		n, err := copyFileTree(opts.SourceFilesRoot, filepath.Join(packageRoot, "files", "generated", "projects", project.Slug))
		if err != nil {
			return nil, fmt.Errorf("copying project files: %w", err)
		}
		copiedFiles = n
		if opts.RootWatcher != nil {
			opts.RootWatcher.MarkClean()
		}
	}

	metadata := map[string]any{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"project": map[string]any{
			"id":            project.ID,
			"slug":          project.Slug,
			"name":          project.Name,
			"owner_user_id": project.OwnerUserID,
		},
		"copied_rows":  copiedRows,
		"copied_files": copiedFiles,
	}
	metaJSON, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling export metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(packageRoot, "metadata.json"), metaJSON, 0o644); err != nil {
		return nil, fmt.Errorf("writing export metadata: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating export output dir: %w", err)
	}

	format := "folder"
	switch {
	case strings.HasSuffix(opts.OutputPath, ".tar.gz"), strings.HasSuffix(opts.OutputPath, ".tgz"):
		if err := packTarGz(packageRoot, opts.OutputPath); err != nil {
			_ = os.Remove(opts.OutputPath)
			return nil, fmt.Errorf("packing export archive: %w", err)
		}
		format = "tar.gz"
	default:
		if err := os.RemoveAll(opts.OutputPath); err != nil {
			return nil, fmt.Errorf("clearing prior export output: %w", err)
		}
		if err := copyDir(packageRoot, opts.OutputPath); err != nil {
			_ = os.RemoveAll(opts.OutputPath)
			return nil, fmt.Errorf("copying export package: %w", err)
		}
	}

	shaHex := ""
	if info, err := os.Stat(opts.OutputPath); err == nil && !info.IsDir() {
		shaHex, err = sha256OfFile(opts.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("hashing export output: %w", err)
		}
	}

	asset, err := repo.UpsertAsset(store.Asset{
		ProjectID:  project.ID,
		StorageURI: opts.OutputPath,
		Kind:       "export",
		SHA256:     shaHex,
		MetaJSON:   fmt.Sprintf(`{"format":%q}`, format),
	})
	if err != nil {
		return nil, fmt.Errorf("upserting export asset: %w", err)
	}

	if _, err := e.db.Exec(`
		INSERT INTO project_exports (id, project_id, asset_id, format, sha256, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), project.ID, asset.ID, format, shaHex, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("recording project export: %w", err)
	}

	if _, err := audit.Emit(e.db, project.ID, "", "project.exported", "project_export", asset.ID, map[string]any{
		"output_path":   opts.OutputPath,
		"sha256":        shaHex,
		"include_files": opts.IncludeFiles,
	}); err != nil {
		return nil, fmt.Errorf("emitting export audit event: %w", err)
	}

	return &Result{
		OutputPath:    opts.OutputPath,
		SHA256:        shaHex,
		ExportAssetID: asset.ID,
		CopiedRows:    copiedRows,
		CopiedFiles:   copiedFiles,
	}, nil
}

func (e *Exporter) copyProjectDB(project *store.Project, packageRoot string) (map[string]int, error) {
	exportDBPath := filepath.Join(packageRoot, "project.db")
	exportDB, err := sql.Open("sqlite3", exportDBPath)
	if err != nil {
		return nil, fmt.Errorf("creating export database: %w", err)
	}
	defer exportDB.Close()
	// A single connection keeps the deferred FK-enforcement pragma EnsureSchema
	// relies on from silently resetting on a pooled second connection, matching
	// schema.Open's own discipline for the primary database.
	exportDB.SetMaxOpenConns(1)
	if err := schema.EnsureSchema(exportDB); err != nil {
		return nil, fmt.Errorf("migrating export database: %w", err)
	}

	idset := ids{ownerUserID: project.OwnerUserID, projectID: project.ID}
	copied := map[string]int{}
	for _, t := range exportedTables {
		n, err := copyRows(e.db, exportDB, t.name, t.whereSQL, t.paramFrom(idset)...)
		if err != nil {
			return nil, fmt.Errorf("copying table %s: %w", t.name, err)
		}
		copied[t.name] = n
	}

	var runIDs []string
	rows, err := e.db.Query(`SELECT id FROM runs WHERE project_id = ?`, project.ID)
	if err != nil {
		return nil, fmt.Errorf("listing run ids: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning run id: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()

	if len(runIDs) > 0 {
		n, err := copyRowsIn(e.db, exportDB, "run_jobs", "run_id", runIDs)
		if err != nil {
			return nil, fmt.Errorf("copying run_jobs: %w", err)
		}
		copied["run_jobs"] = n

		var jobIDs []string
		jobRows, err := e.db.Query(fmt.Sprintf(`SELECT id FROM run_jobs WHERE run_id IN (%s)`, placeholders(len(runIDs))), toArgs(runIDs)...)
		if err != nil {
			return nil, fmt.Errorf("listing job ids: %w", err)
		}
		for jobRows.Next() {
			var id string
			if err := jobRows.Scan(&id); err != nil {
				jobRows.Close()
				return nil, fmt.Errorf("scanning job id: %w", err)
			}
			jobIDs = append(jobIDs, id)
		}
		jobRows.Close()

		if len(jobIDs) > 0 {
			n, err := copyRowsIn(e.db, exportDB, "run_job_candidates", "job_id", jobIDs)
			if err != nil {
				return nil, fmt.Errorf("copying run_job_candidates: %w", err)
			}
			copied["run_job_candidates"] = n

			n, err = copyRowsIn(e.db, exportDB, "run_candidates", "job_id", jobIDs)
			if err != nil {
				return nil, fmt.Errorf("copying run_candidates: %w", err)
			}
			copied["run_candidates"] = n
		}
	}

	for _, t := range postCandidateTables {
		n, err := copyRows(e.db, exportDB, t.name, t.whereSQL, t.paramFrom(idset)...)
		if err != nil {
			return nil, fmt.Errorf("copying table %s: %w", t.name, err)
		}
		copied[t.name] = n
	}

	return copied, nil
}

func copyRows(src *sql.DB, dst *sql.DB, table, whereSQL string, params ...any) (int, error) {
	cols, err := tableColumns(src, table)
	if err != nil {
		return 0, err
	}
	colSQL := strings.Join(cols, ", ")
	rows, err := src.Query(fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, colSQL, table, whereSQL), params...)
	if err != nil {
		return 0, fmt.Errorf("selecting rows: %w", err)
	}
	defer rows.Close()

	placeholderSQL := placeholders(len(cols))
	insertSQL := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, table, colSQL, placeholderSQL)

	count := 0
	for rows.Next() {
		dest := make([]any, len(cols))
		destPtrs := make([]any, len(cols))
		for i := range dest {
			destPtrs[i] = &dest[i]
		}
		if err := rows.Scan(destPtrs...); err != nil {
			return 0, fmt.Errorf("scanning row: %w", err)
		}
		if _, err := dst.Exec(insertSQL, dest...); err != nil {
			return 0, fmt.Errorf("inserting copied row: %w", err)
		}
		count++
	}
	return count, rows.Err()
}

func copyRowsIn(src *sql.DB, dst *sql.DB, table, keyColumn string, keys []string) (int, error) {
	return copyRows(src, dst, table, fmt.Sprintf(`%s IN (%s)`, keyColumn, placeholders(len(keys))), toArgs(keys)...)
}

func tableColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return nil, fmt.Errorf("reading table_info(%s): %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scanning table_info row: %w", err)
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "?"
	}
	return strings.Join(parts, ", ")
}

func toArgs(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func copyFileTree(src, dst string) (int, error) {
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	count := 0
	err = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, data, info.Mode()); err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

func packTarGz(srcDir, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	gw := gzip.NewWriter(f)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	arcRoot := filepath.Base(srcDir)
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(filepath.Join(arcRoot, rel))
		if rel == "." {
			name = arcRoot
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = name
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func sha256OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
