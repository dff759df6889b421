// Package ingest implements the Run Ingestor (§4.4): it consumes a run-log
// JSON document and its repository-relative path, and projects it into
// runs/run_jobs/run_candidates/assets/quality_reports/cost_events as a
// single transaction, deleting any prior ingestion of the same
// (project_id, run_log_path) first so re-ingesting is idempotent.
package ingest
