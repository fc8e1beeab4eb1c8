package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Run represents a row in pipeline_runs.
type Run struct {
	ID             string     `json:"id" db:"id"`
	CaseID         int64      `json:"case_id" db:"case_id"`
	StepList       string     `json:"-" db:"steps"`
	Steps          []string   `json:"steps" db:"-"`
	Status         string     `json:"status" db:"status"`
	CurrentStep    string     `json:"current_step,omitempty" db:"current_step"`
	StepsCompleted int        `json:"steps_completed" db:"steps_completed"`
	Error          string     `json:"error,omitempty" db:"error"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

func (r *Run) expand() {
	r.Steps = nil
	for _, s := range strings.Split(r.StepList, ",") {
		if s = strings.TrimSpace(s); s != "" {
			r.Steps = append(r.Steps, s)
		}
	}
}

const runColumns = `id, case_id, steps, status, current_step, steps_completed, error, created_at, started_at, finished_at`

// EnqueueRun inserts a queued run for the given steps.
func (s *Store) EnqueueRun(ctx context.Context, caseID int64, steps []string) (*Run, error) {
	r := &Run{
		ID:        uuid.New().String(),
		CaseID:    caseID,
		StepList:  strings.Join(steps, ","),
		Status:    RunQueued,
		CreatedAt: now(),
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO pipeline_runs (id, case_id, steps, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), r.ID, r.CaseID, r.StepList, r.Status, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueueing run: %w", err)
	}
	r.expand()
	return r, nil
}

// ClaimRun atomically moves the oldest queued run to running. It returns
// nil when the queue is empty.
func (s *Store) ClaimRun(ctx context.Context) (*Run, error) {
	var claimed *Run
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for {
			var r Run
			err := tx.GetContext(ctx, &r, tx.Rebind(`
				SELECT `+runColumns+` FROM pipeline_runs
				WHERE status = ? ORDER BY created_at, id LIMIT 1
			`), RunQueued)
			if err != nil {
				if notFound(err) == ErrNotFound {
					return nil
				}
				return err
			}

			started := now()
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE pipeline_runs SET status = ?, started_at = ? WHERE id = ? AND status = ?
			`), RunRunning, started, r.ID, RunQueued)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			r.Status = RunRunning
			r.StartedAt = &started
			r.expand()
			claimed = &r
			return nil
		}
	})
	return claimed, err
}

// UpdateRunProgress records the step a run is on and how many are done.
func (s *Store) UpdateRunProgress(ctx context.Context, id, currentStep string, completed int) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET current_step = ?, steps_completed = ? WHERE id = ?
	`), currentStep, completed, id)
	return err
}

// FinishRun sets a terminal status on a run.
func (s *Store) FinishRun(ctx context.Context, id, status, reason string) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET status = ?, error = ?, finished_at = ? WHERE id = ?
	`), status, reason, now(), id)
	if err != nil {
		return err
	}
	return expectRow(res)
}

// CancelQueuedRun cancels a run that has not started. It reports whether
// the run was still queued.
func (s *Store) CancelQueuedRun(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?
	`), RunCancelled, now(), id, RunQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	var r Run
	err := s.db.GetContext(ctx, &r, s.q(`SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`), id)
	if err != nil {
		return nil, notFound(err)
	}
	r.expand()
	return &r, nil
}

// ListRuns returns the runs of a case, newest first. caseID 0 lists all runs.
func (s *Store) ListRuns(ctx context.Context, caseID int64) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs`
	var args []any
	if caseID != 0 {
		query += ` WHERE case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY created_at DESC, id`

	var out []Run
	if err := s.db.SelectContext(ctx, &out, s.q(query), args...); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].expand()
	}
	return out, nil
}

// CountRuns returns the number of runs in the given status.
func (s *Store) CountRuns(ctx context.Context, status string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.q(`SELECT COUNT(*) FROM pipeline_runs WHERE status = ?`), status)
	return n, err
}

// RecoverRuns fails runs left running by a previous process. It returns the
// number of runs recovered.
func (s *Store) RecoverRuns(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE pipeline_runs SET status = ?, error = ?, finished_at = ? WHERE status = ?
	`), RunFailed, "interrupted", now(), RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
