// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/xseed/internal/dbinterface"
)

var ErrRunNotFound = errors.New("run not found")

// RunStatus indicates the outcome of a reconciliation run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// RunTrigger records what started a run.
type RunTrigger string

const (
	RunTriggerStartup  RunTrigger = "startup"
	RunTriggerSchedule RunTrigger = "schedule"
)

// RunResult is the persisted outcome of one torrent x indexer unit.
type RunResult struct {
	Torrent     string `json:"torrent"`
	Fingerprint string `json:"fingerprint"`
	Indexer     string `json:"indexer"`
	Outcome     string `json:"outcome"`
	Action      string `json:"action,omitempty"`
	Replace     bool   `json:"replace,omitempty"`
	SkipReason  string `json:"skipReason,omitempty"`
	Candidate   string `json:"candidate,omitempty"`
	FailureKind string `json:"failureKind,omitempty"`
	Message     string `json:"message,omitempty"`
}

// Run stores the persisted run metadata.
type Run struct {
	ID           int64       `json:"id"`
	TriggeredBy  RunTrigger  `json:"triggeredBy"`
	Mode         string      `json:"mode"`
	DryRun       bool        `json:"dryRun"`
	Status       RunStatus   `json:"status"`
	StartedAt    time.Time   `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt,omitempty"`
	Torrents     int         `json:"torrents"`
	Indexers     int         `json:"indexers"`
	Units        int         `json:"units"`
	Matches      int         `json:"matches"`
	Actions      int         `json:"actions"`
	Skipped      int         `json:"skipped"`
	Failed       int         `json:"failed"`
	ErrorMessage *string     `json:"errorMessage,omitempty"`
	Results      []RunResult `json:"results,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// RunStore persists run history.
type RunStore struct {
	db dbinterface.Querier
}

func NewRunStore(db dbinterface.Querier) *RunStore {
	return &RunStore{db: db}
}

const runColumns = `
	id, triggered_by, mode, dry_run, status, started_at, completed_at,
	torrents, indexers, units, matches, actions, skipped, failed,
	error_message, results_json, created_at`

// Create inserts a new run record.
func (s *RunStore) Create(ctx context.Context, run *Run) (*Run, error) {
	if run == nil {
		return nil, errors.New("run cannot be nil")
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}

	resultsJSON, err := encodeRunResults(run.Results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	query := `
		INSERT INTO runs (
			triggered_by, mode, dry_run, status, started_at, completed_at,
			torrents, indexers, units, matches, actions, skipped, failed,
			error_message, results_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		run.TriggeredBy,
		run.Mode,
		run.DryRun,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Torrents,
		run.Indexers,
		run.Units,
		run.Matches,
		run.Actions,
		run.Skipped,
		run.Failed,
		run.ErrorMessage,
		resultsJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get inserted run id: %w", err)
	}

	return s.Get(ctx, id)
}

// Update writes the final statistics of an existing run.
func (s *RunStore) Update(ctx context.Context, run *Run) (*Run, error) {
	if run == nil {
		return nil, errors.New("run cannot be nil")
	}
	if run.ID == 0 {
		return nil, errors.New("run ID cannot be zero")
	}

	resultsJSON, err := encodeRunResults(run.Results)
	if err != nil {
		return nil, fmt.Errorf("encode results: %w", err)
	}

	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, torrents = ?, indexers = ?,
		    units = ?, matches = ?, actions = ?, skipped = ?, failed = ?,
		    error_message = ?, results_json = ?
		WHERE id = ?
	`

	res, err := s.db.ExecContext(ctx, query,
		run.Status,
		run.CompletedAt,
		run.Torrents,
		run.Indexers,
		run.Units,
		run.Matches,
		run.Actions,
		run.Skipped,
		run.Failed,
		run.ErrorMessage,
		resultsJSON,
		run.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrRunNotFound
	}

	return s.Get(ctx, run.ID)
}

// Get fetches a single run by ID.
func (s *RunStore) Get(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

// Latest returns the most recent run, or nil when there is none.
func (s *RunStore) Latest(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// List returns run history, newest first. Results are omitted.
func (s *RunStore) List(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Results = nil
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// Prune deletes runs that started before olderThan.
func (s *RunStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	return res.RowsAffected()
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	var run Run
	var completedAt sql.NullTime
	var resultsJSON sql.NullString

	err := scanner.Scan(
		&run.ID,
		&run.TriggeredBy,
		&run.Mode,
		&run.DryRun,
		&run.Status,
		&run.StartedAt,
		&completedAt,
		&run.Torrents,
		&run.Indexers,
		&run.Units,
		&run.Matches,
		&run.Actions,
		&run.Skipped,
		&run.Failed,
		&run.ErrorMessage,
		&resultsJSON,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}

	if err := decodeRunResults(resultsJSON, &run.Results); err != nil {
		return nil, fmt.Errorf("decode run results: %w", err)
	}

	return &run, nil
}

func encodeRunResults(results []RunResult) (string, error) {
	if results == nil {
		results = []RunResult{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeRunResults(src sql.NullString, dest *[]RunResult) error {
	if !src.Valid || src.String == "" {
		*dest = []RunResult{}
		return nil
	}
	var tmp []RunResult
	if err := json.Unmarshal([]byte(src.String), &tmp); err != nil {
		return err
	}
	*dest = tmp
	return nil
}
