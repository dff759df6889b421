package ingest

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iat-toolkit/backend/internal/audit"
)

// Ingestor projects run-log documents into the relational store (§4.4).
type Ingestor struct {
	db *sql.DB
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Ingestor {
	return &Ingestor{db: db}
}

// Result summarizes one ingestion, mirroring the counts the original
// ingestor returns to its caller.
type Result struct {
	RunID                 string
	RunLogPath            string
	Status                string
	Jobs                  int
	Candidates            int
	AssetsUpserted        int
	QualityReportsWritten int
	CostEventsWritten     int
}

// IngestRun parses runLogJSON and projects it under (project_id,
// run_log_path), deleting any prior ingestion of the same path first so
// re-ingestion is idempotent. All writes commit as one transaction.
func (in *Ingestor) IngestRun(projectID, runLogPath string, runLogJSON []byte) (*Result, error) {
	var runData map[string]any
	if err := json.Unmarshal(runLogJSON, &runData); err != nil {
		return nil, fmt.Errorf("run-log is not a JSON object: %w", err)
	}
	relPath := normalizeRelPath(runLogPath)
	status := deriveRunStatus(runData)
	ts := time.Now().UTC().Format(time.RFC3339)

	tx, err := in.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning ingest transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var existingRunID string
	err = tx.QueryRow(`SELECT id FROM runs WHERE project_id = ? AND run_log_path = ?`, projectID, relPath).Scan(&existingRunID)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("looking up existing run: %w", err)
	}
	if existingRunID != "" {
		if _, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, existingRunID); err != nil {
			return nil, fmt.Errorf("deleting prior run ingestion: %w", err)
		}
	}

	runMode := getString(runData, "mode")
	modelName := getString(runData, "model")
	snapshot := map[string]any{
		"timestamp":    runData["timestamp"],
		"generation":   runData["generation"],
		"postprocess":  runData["postprocess"],
		"output_guard": runData["output_guard"],
	}
	snapshotJSON, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshaling run snapshot: %w", err)
	}

	runID := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO runs (id, project_id, run_log_path, mode, run_mode, stage, time_of_day, weather,
			model_name, image_size, image_quality, provider_code, status, snapshot_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, runID, projectID, relPath, runMode, runMode, getString(runData, "stage"), getString(runData, "time"),
		getString(runData, "weather"), modelName, getString(runData, "size"), getString(runData, "quality"),
		getStringAny(runData, "provider_code", "provider"), status, string(snapshotJSON), ts, ts)
	if err != nil {
		return nil, fmt.Errorf("inserting run: %w", err)
	}

	res := &Result{RunID: runID, RunLogPath: relPath, Status: status}

	jobs := asList(runData["jobs"])
	for idx, rawJob := range jobs {
		job := asMap(rawJob)
		if job == nil {
			continue
		}
		if err := in.ingestJob(tx, projectID, runID, idx+1, job, ts, res); err != nil {
			return nil, err
		}
	}

	if outputGuard := asMap(runData["output_guard"]); outputGuard != nil {
		if _, err := in.insertQualityReport(tx, projectID, runID, "", "", "output_guard",
			map[string]any{"scope": "run", "output_guard": outputGuard}, ts); err != nil {
			return nil, err
		}
		res.QualityReportsWritten++
	}

	for _, row := range extractCostEventRows(runData) {
		if _, err := in.insertCostEvent(tx, projectID, runID, row, ts); err != nil {
			return nil, err
		}
		res.CostEventsWritten++
	}

	if err := in.seedDerivedAssetLinks(tx, runID); err != nil {
		return nil, err
	}

	if _, err := audit.Emit(tx, projectID, "", "run.ingested", "run", runID, map[string]any{
		"run_id":                   runID,
		"run_log_path":             relPath,
		"jobs":                     res.Jobs,
		"candidates":               res.Candidates,
		"assets_upserted":          res.AssetsUpserted,
		"quality_reports_written":  res.QualityReportsWritten,
		"cost_events_written":      res.CostEventsWritten,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing ingest: %w", err)
	}
	committed = true
	return res, nil
}

// deriveRunStatus implements §4.4 step 1.
func deriveRunStatus(runData map[string]any) string {
	jobs := asList(runData["jobs"])
	if jobs == nil {
		return "unknown"
	}
	statuses := make([]string, 0, len(jobs))
	for _, raw := range jobs {
		job := asMap(raw)
		if job == nil {
			continue
		}
		statuses = append(statuses, strings.ToLower(strings.TrimSpace(getString(job, "status"))))
	}
	for _, s := range statuses {
		if strings.HasPrefix(s, "failed") {
			return "failed"
		}
	}
	if len(statuses) > 0 {
		allDoneOrPlanned := true
		for _, s := range statuses {
			if s != "done" && s != "planned" {
				allDoneOrPlanned = false
				break
			}
		}
		if allDoneOrPlanned {
			return "ok"
		}
	}
	return "partial"
}

func (in *Ingestor) ingestJob(tx *sql.Tx, projectID, runID string, idx int, job map[string]any, ts string, res *Result) error {
	jobKey := getString(job, "id")
	if jobKey == "" {
		jobKey = fmt.Sprintf("job_%d", idx)
	}
	jobID := uuid.NewString()
	selectedCandidate := getIntPtr(job, "selected_candidate")
	finalOutputRel := normalizeRelPath(getString(job, "final_output"))
	promptText := getStringAny(job, "prompt", "prompt_text")

	_, err := tx.Exec(`
		INSERT INTO run_jobs (id, run_id, job_key, status, selected_candidate_index, prompt_text, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, jobID, runID, jobKey, getString(job, "status"), nullableInt(selectedCandidate), promptText, ts, ts)
	if err != nil {
		return fmt.Errorf("inserting run job %q: %w", jobKey, err)
	}
	res.Jobs++

	candidates := asList(job["candidates"])
	if len(candidates) == 0 {
		candidates = []any{map[string]any{
			"candidate_index": 1,
			"status":          getString(job, "status"),
			"output":          job["output"],
			"final_output":    job["final_output"],
			"rank":            map[string]any{},
		}}
	}

	var jobFinalAssetID string
	for _, raw := range candidates {
		candidate := asMap(raw)
		if candidate == nil {
			continue
		}
		finalAssetID, err := in.ingestCandidate(tx, projectID, runID, jobID, candidate, ts, res)
		if err != nil {
			return err
		}
		if selectedCandidate != nil {
			candidateIdx, _ := getFloat(candidate, "candidate_index")
			if int(candidateIdx) == *selectedCandidate {
				jobFinalAssetID = finalAssetID
			}
		}
	}

	if finalOutputRel != "" {
		assetID, err := in.upsertAsset(tx, projectID, runID, jobID, "", "job_final_output", finalOutputRel, ts,
			map[string]any{"selected_candidate": job["selected_candidate"]})
		if err != nil {
			return err
		}
		res.AssetsUpserted++
		jobFinalAssetID = assetID
		if _, err := tx.Exec(`UPDATE run_jobs SET final_asset_id = ? WHERE id = ?`, assetID, jobID); err != nil {
			return fmt.Errorf("linking job final asset: %w", err)
		}
	} else if jobFinalAssetID != "" {
		if _, err := tx.Exec(`UPDATE run_jobs SET final_asset_id = ? WHERE id = ?`, jobFinalAssetID, jobID); err != nil {
			return fmt.Errorf("linking job final asset from selected candidate: %w", err)
		}
	}
	return nil
}

// ingestCandidate inserts one candidate (into both the canonical and legacy
// candidate tables), upserts its output/final assets, and emits its quality
// report. It returns the candidate's final asset id (or output asset id if
// no distinct final exists), used by the caller to back-link the job.
func (in *Ingestor) ingestCandidate(tx *sql.Tx, projectID, runID, jobID string, candidate map[string]any, ts string, res *Result) (string, error) {
	rank := asMap(candidate["rank"])
	candidateIndex := int(mustFloat(candidate, "candidate_index", float64(res.Candidates+1)))
	outputPath := normalizeRelPath(getString(candidate, "output"))
	finalOutputPath := normalizeRelPath(getString(candidate, "final_output"))

	candidateID := uuid.NewString()
	hardFailures := int(mustFloat(rank, "hard_failures", 0))
	softWarnings := int(mustFloat(rank, "soft_warnings", 0))
	avgChroma := mustFloat(rank, "avg_chroma_exceed", 0)

	_, err := tx.Exec(`
		INSERT INTO run_job_candidates (id, job_id, candidate_index, output_path, final_path,
			hard_failures, soft_warnings, avg_chroma_exceed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, candidateID, jobID, candidateIndex, outputPath, finalOutputPath, hardFailures, softWarnings, avgChroma, ts, ts)
	if err != nil {
		return "", fmt.Errorf("inserting legacy candidate row: %w", err)
	}

	var outputAssetID, finalAssetID string
	if outputPath != "" {
		id, err := in.upsertAsset(tx, projectID, runID, jobID, candidateID, "candidate_output", outputPath, ts, nil)
		if err != nil {
			return "", err
		}
		outputAssetID = id
		res.AssetsUpserted++
	}
	if finalOutputPath != "" && finalOutputPath != outputPath {
		id, err := in.upsertAsset(tx, projectID, runID, jobID, candidateID, "candidate_final_output", finalOutputPath, ts, nil)
		if err != nil {
			return "", err
		}
		finalAssetID = id
		res.AssetsUpserted++
	} else if finalOutputPath != "" {
		finalAssetID = outputAssetID
	}

	_, err = tx.Exec(`
		INSERT INTO run_candidates (id, job_id, candidate_index, output_asset_id, final_asset_id,
			hard_failures, soft_warnings, avg_chroma_exceed, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, candidateID, jobID, candidateIndex, nullableString(outputAssetID), nullableString(finalAssetID),
		hardFailures, softWarnings, avgChroma, ts, ts)
	if err != nil {
		return "", fmt.Errorf("inserting candidate row: %w", err)
	}
	res.Candidates++

	summary := map[string]any{
		"status": getString(candidate, "status"),
		"rank": map[string]any{
			"hard_failures":     hardFailures,
			"soft_warnings":     softWarnings,
			"avg_chroma_exceed": avgChroma,
		},
		"output_path":       outputPath,
		"final_output_path": finalOutputPath,
	}
	if _, err := in.insertQualityReport(tx, projectID, runID, jobID, candidateID, "output_guard", summary, ts); err != nil {
		return "", err
	}
	res.QualityReportsWritten++

	if finalAssetID != "" {
		return finalAssetID, nil
	}
	return outputAssetID, nil
}

// upsertAsset matches an existing asset by (project_id, rel_path OR
// storage_uri) and either refreshes or inserts it, mirroring the
// original ingestor's per-run-log asset projection (§4.4).
func (in *Ingestor) upsertAsset(tx *sql.Tx, projectID, runID, jobID, candidateID, kind, relPath, ts string, extraMeta map[string]any) (string, error) {
	meta := map[string]any{}
	for k, v := range extraMeta {
		meta[k] = v
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("marshaling asset meta: %w", err)
	}

	var id string
	err = tx.QueryRow(`
		SELECT id FROM assets WHERE project_id = ? AND (rel_path = ? OR storage_uri = ?)
		ORDER BY created_at DESC LIMIT 1
	`, projectID, relPath, relPath).Scan(&id)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("looking up existing run asset: %w", err)
	}

	if id != "" {
		_, err = tx.Exec(`
			UPDATE assets SET run_id = ?, job_id = ?, candidate_id = ?, kind = ?, rel_path = ?, storage_uri = ?,
				meta_json = ?, metadata_json = ?, updated_at = ?
			WHERE id = ?
		`, runID, nullableString(jobID), nullableString(candidateID), kind, relPath, relPath, string(metaJSON), string(metaJSON), ts, id)
		if err != nil {
			return "", fmt.Errorf("updating run asset: %w", err)
		}
		return id, nil
	}

	id = uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO assets (id, project_id, run_id, job_id, candidate_id, kind, rel_path, storage_uri,
			meta_json, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, projectID, runID, nullableString(jobID), nullableString(candidateID), kind, relPath, relPath,
		string(metaJSON), string(metaJSON), ts, ts)
	if err != nil {
		return "", fmt.Errorf("inserting run asset: %w", err)
	}
	return id, nil
}

func (in *Ingestor) insertQualityReport(tx *sql.Tx, projectID, runID, jobID, candidateID, reportType string, summary map[string]any, ts string) (string, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return "", fmt.Errorf("marshaling quality report summary: %w", err)
	}
	id := uuid.NewString()
	_, err = tx.Exec(`
		INSERT INTO quality_reports (id, project_id, run_id, job_id, candidate_id, report_type, summary_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, projectID, nullableString(runID), nullableString(jobID), nullableString(candidateID), reportType, string(summaryJSON), ts)
	if err != nil {
		return "", fmt.Errorf("inserting quality report: %w", err)
	}
	return id, nil
}

// costEventRow is an intermediate projection used by extractCostEventRows.
type costEventRow struct {
	ProviderCode  string
	OperationCode string
	Units         float64
	CostUSD       float64
	Currency      string
	Meta          map[string]any
}

// extractCostEventRows implements §4.4 step 7's precedence order:
// cost_events[] first, then a generation object, then top-level fields —
// stopping at the first non-empty source.
func extractCostEventRows(runData map[string]any) []costEventRow {
	var events []costEventRow

	for _, raw := range asList(runData["cost_events"]) {
		item := asMap(raw)
		if item == nil {
			continue
		}
		costUSD, ok := getFloatAny(item, "cost_usd")
		if !ok {
			if cents, ok := getFloat(item, "amount_cents"); ok {
				costUSD = cents / 100.0
			}
		}
		events = append(events, costEventRow{
			ProviderCode:  defaultString(getStringAny(item, "provider_code", "provider"), "unknown"),
			OperationCode: defaultString(getStringAny(item, "operation_code", "operation", "event_type"), "legacy_event"),
			Units:         firstNonZero(getFloatAny(item, "units", "quantity")),
			CostUSD:       costUSD,
			Currency:      defaultString(getString(item, "currency"), "usd"),
			Meta:          item,
		})
	}
	if len(events) > 0 {
		return events
	}

	if generation := asMap(runData["generation"]); generation != nil {
		costUSD, hasCost := getFloatAny(generation, "cost_usd")
		if !hasCost {
			if cents, ok := getFloat(generation, "amount_cents"); ok {
				costUSD = cents / 100.0
				hasCost = true
			}
		}
		if hasCost {
			events = append(events, costEventRow{
				ProviderCode:  defaultString(getStringAny(generation, "provider_code", "provider"), "openai"),
				OperationCode: defaultString(getString(generation, "operation_code"), "image_generation"),
				Units:         firstNonZero(getFloatAny(generation, "units", "images", "count")),
				CostUSD:       costUSD,
				Currency:      defaultString(getString(generation, "currency"), "usd"),
				Meta:          generation,
			})
			return events
		}
	}

	costUSD, hasCost := getFloatAny(runData, "cost_usd")
	if !hasCost {
		if cents, ok := getFloat(runData, "amount_cents"); ok {
			costUSD = cents / 100.0
			hasCost = true
		}
	}
	if hasCost {
		events = append(events, costEventRow{
			ProviderCode:  "unknown",
			OperationCode: "run_total",
			Units:         1,
			CostUSD:       costUSD,
			Currency:      defaultString(getString(runData, "currency"), "usd"),
			Meta:          map[string]any{"source": "run_log_top_level"},
		})
	}
	return events
}

func (in *Ingestor) insertCostEvent(tx *sql.Tx, projectID, runID string, row costEventRow, ts string) (string, error) {
	amountCents := int(math.Round(row.CostUSD * 100.0))
	id := uuid.NewString()
	_, err := tx.Exec(`
		INSERT INTO cost_events (id, project_id, run_id, provider_code, operation_code, event_type, units, cost_usd, currency, amount_cents, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, projectID, nullableString(runID), row.ProviderCode, row.OperationCode, row.OperationCode, row.Units, row.CostUSD, row.Currency, amountCents, ts)
	if err != nil {
		return "", fmt.Errorf("inserting cost event: %w", err)
	}
	return id, nil
}

// seedDerivedAssetLinks implements §4.4 step 8: a candidate's output is
// parent of its final; a job's selected candidate's final (or output) is
// parent of the job's final.
func (in *Ingestor) seedDerivedAssetLinks(tx *sql.Tx, runID string) error {
	rows, err := tx.Query(`
		SELECT output_asset_id, final_asset_id FROM run_candidates
		WHERE job_id IN (SELECT id FROM run_jobs WHERE run_id = ?)
		  AND output_asset_id IS NOT NULL AND final_asset_id IS NOT NULL AND output_asset_id != final_asset_id
	`, runID)
	if err != nil {
		return fmt.Errorf("selecting candidate asset pairs: %w", err)
	}
	type pair struct{ parent, child string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.parent, &p.child); err != nil {
			rows.Close()
			return fmt.Errorf("scanning candidate asset pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	jobRows, err := tx.Query(`
		SELECT id, final_asset_id, selected_candidate_index FROM run_jobs
		WHERE run_id = ? AND final_asset_id IS NOT NULL
	`, runID)
	if err != nil {
		return fmt.Errorf("selecting jobs for derived links: %w", err)
	}
	type jobRow struct {
		id, finalAssetID string
		selectedIndex     sql.NullInt64
	}
	var jrs []jobRow
	for jobRows.Next() {
		var j jobRow
		if err := jobRows.Scan(&j.id, &j.finalAssetID, &j.selectedIndex); err != nil {
			jobRows.Close()
			return fmt.Errorf("scanning job row for derived links: %w", err)
		}
		jrs = append(jrs, j)
	}
	jobRows.Close()
	if err := jobRows.Err(); err != nil {
		return err
	}

	for _, j := range jrs {
		if !j.selectedIndex.Valid {
			continue
		}
		var outputAssetID, finalAssetID sql.NullString
		err := tx.QueryRow(`
			SELECT output_asset_id, final_asset_id FROM run_candidates
			WHERE job_id = ? AND candidate_index = ? ORDER BY created_at DESC LIMIT 1
		`, j.id, j.selectedIndex.Int64).Scan(&outputAssetID, &finalAssetID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return fmt.Errorf("resolving selected candidate for job %s: %w", j.id, err)
		}
		parent := finalAssetID.String
		if parent == "" {
			parent = outputAssetID.String
		}
		if parent == "" || parent == j.finalAssetID {
			continue
		}
		pairs = append(pairs, pair{parent: parent, child: j.finalAssetID})
	}

	for _, p := range pairs {
		if err := upsertAssetLink(tx, p.parent, p.child, "derived_from"); err != nil {
			return err
		}
	}
	return nil
}

func upsertAssetLink(tx *sql.Tx, parentAssetID, childAssetID, linkType string) error {
	var id string
	err := tx.QueryRow(`
		SELECT id FROM asset_links WHERE parent_asset_id = ? AND child_asset_id = ? AND link_type = ?
	`, parentAssetID, childAssetID, linkType).Scan(&id)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("looking up existing derived asset link: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO asset_links (id, parent_asset_id, child_asset_id, link_type, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.NewString(), parentAssetID, childAssetID, linkType, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting derived asset link: %w", err)
	}
	return nil
}

func mustFloat(m map[string]any, key string, fallback float64) float64 {
	if f, ok := getFloat(m, key); ok {
		return f
	}
	return fallback
}

func firstNonZero(f float64, ok bool) float64 {
	if ok {
		return f
	}
	return 0
}

func defaultString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}
