package ingest

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/iat-toolkit/backend/internal/schema"
	"github.com/iat-toolkit/backend/internal/store"
)

func setup(t *testing.T) (*Ingestor, string) {
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
	return New(db), project.ID
}

const sampleRunLog = `{
  "mode": "scene",
  "model": "sdxl",
  "stage": "draft",
  "jobs": [
    {
      "id": "hero_shot",
      "status": "done",
      "prompt": "a hero at dawn",
      "selected_candidate": 1,
      "final_output": "renders/hero_final.png",
      "candidates": [
        {
          "candidate_index": 1,
          "status": "done",
          "output": "renders/hero_raw.png",
          "final_output": "renders/hero_final.png",
          "rank": {"hard_failures": 0, "soft_warnings": 1, "avg_chroma_exceed": 0.2}
        }
      ]
    }
  ],
  "cost_events": [
    {"provider_code": "openai", "operation_code": "image_generation", "units": 1, "cost_usd": 0.04}
  ]
}`

func TestIngestRunBasic(t *testing.T) {
	in, projectID := setup(t)

	res, err := in.IngestRun(projectID, "runs/001.json", []byte(sampleRunLog))
	if err != nil {
		t.Fatalf("IngestRun: %v", err)
	}
	if res.Status != "ok" {
		t.Fatalf("expected status 'ok', got %q", res.Status)
	}
	if res.Jobs != 1 || res.Candidates != 1 {
		t.Fatalf("expected 1 job and 1 candidate, got jobs=%d candidates=%d", res.Jobs, res.Candidates)
	}
	if res.CostEventsWritten != 1 {
		t.Fatalf("expected 1 cost event, got %d", res.CostEventsWritten)
	}

	var amountCents int
	if err := in.db.QueryRow(`SELECT amount_cents FROM cost_events WHERE run_id = ?`, res.RunID).Scan(&amountCents); err != nil {
		t.Fatalf("reading cost event: %v", err)
	}
	if amountCents != 4 {
		t.Fatalf("expected amount_cents=4 for cost_usd=0.04, got %d", amountCents)
	}

	var assetCount int
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM assets WHERE run_id = ?`, res.RunID).Scan(&assetCount); err != nil {
		t.Fatalf("counting assets: %v", err)
	}
	if assetCount != 2 {
		t.Fatalf("expected 2 distinct assets (raw + final), got %d", assetCount)
	}

	var linkCount int
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM asset_links`).Scan(&linkCount); err != nil {
		t.Fatalf("counting asset links: %v", err)
	}
	if linkCount != 1 {
		t.Fatalf("expected 1 derived asset link (raw -> final), got %d", linkCount)
	}

	var auditCount int
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM audit_events WHERE event_code = 'run.ingested'`).Scan(&auditCount); err != nil {
		t.Fatalf("counting audit events: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected 1 run.ingested audit event, got %d", auditCount)
	}
}

func TestIngestRunIsIdempotent(t *testing.T) {
	in, projectID := setup(t)

	first, err := in.IngestRun(projectID, "runs/001.json", []byte(sampleRunLog))
	if err != nil {
		t.Fatalf("first IngestRun: %v", err)
	}
	second, err := in.IngestRun(projectID, "runs/001.json", []byte(sampleRunLog))
	if err != nil {
		t.Fatalf("second IngestRun: %v", err)
	}
	if second.RunID == first.RunID {
		t.Fatal("expected re-ingestion to rebuild the run under a new id")
	}

	var runCount, jobCount, candidateCount int
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM runs WHERE project_id = ?`, projectID).Scan(&runCount); err != nil {
		t.Fatalf("counting runs: %v", err)
	}
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM run_jobs WHERE run_id = ?`, second.RunID).Scan(&jobCount); err != nil {
		t.Fatalf("counting jobs: %v", err)
	}
	if err := in.db.QueryRow(`SELECT COUNT(*) FROM run_candidates WHERE job_id IN (SELECT id FROM run_jobs WHERE run_id = ?)`, second.RunID).Scan(&candidateCount); err != nil {
		t.Fatalf("counting candidates: %v", err)
	}
	if runCount != 1 {
		t.Fatalf("expected exactly 1 run row after re-ingestion, got %d", runCount)
	}
	if jobCount != first.Jobs || candidateCount != first.Candidates {
		t.Fatalf("expected matching job/candidate counts across re-ingestion, got jobs=%d candidates=%d", jobCount, candidateCount)
	}
}

func TestIngestRunFailedJobStatus(t *testing.T) {
	in, projectID := setup(t)
	runLog := `{"jobs": [{"id": "j1", "status": "failed_timeout"}]}`

	res, err := in.IngestRun(projectID, "runs/002.json", []byte(runLog))
	if err != nil {
		t.Fatalf("IngestRun: %v", err)
	}
	if res.Status != "failed" {
		t.Fatalf("expected status 'failed' for a job status starting with 'failed', got %q", res.Status)
	}
}

func TestIngestRunTopLevelCostFallback(t *testing.T) {
	in, projectID := setup(t)
	runLog := `{"jobs": [], "cost_usd": 1.23}`

	res, err := in.IngestRun(projectID, "runs/003.json", []byte(runLog))
	if err != nil {
		t.Fatalf("IngestRun: %v", err)
	}
	if res.CostEventsWritten != 1 {
		t.Fatalf("expected 1 cost event derived from top-level cost_usd, got %d", res.CostEventsWritten)
	}

	var amountCents int
	if err := in.db.QueryRow(`SELECT amount_cents FROM cost_events WHERE run_id = ?`, res.RunID).Scan(&amountCents); err != nil {
		t.Fatalf("reading cost event: %v", err)
	}
	if amountCents != 123 {
		t.Fatalf("expected amount_cents=123 for cost_usd=1.23, got %d", amountCents)
	}
}
