package state

import (
	"database/sql"
	"fmt"

	"github.com/simpleclaw/fleet/internal/model"
)

// EnqueueJob persists a new pending job.
func (s *Store) EnqueueJob(j *model.Job) error {
	now := nowNs()
	j.Status = model.JobPending
	j.CreatedAtNs = now
	j.UpdatedAtNs = now
	if _, err := s.db.Exec(
		`INSERT INTO jobs (id, kind, payload, status, attempts, last_error, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, 0, '', ?, ?)`,
		j.ID, j.Kind, j.Payload, j.Status, j.CreatedAtNs, j.UpdatedAtNs,
	); err != nil {
		return fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	return nil
}

// TakePendingJobs marks up to limit pending jobs as running and returns
// them in FIFO order. The per-row status check keeps a job from being
// taken twice even if two dispatch ticks overlap.
func (s *Store) TakePendingJobs(limit int) ([]*model.Job, error) {
	rows, err := s.db.Query(
		`SELECT id, kind, payload, status, attempts, last_error, created_at_ns, updated_at_ns
		   FROM jobs WHERE status = ? ORDER BY created_at_ns LIMIT ?`,
		model.JobPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	candidates, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	var taken []*model.Job
	for _, j := range candidates {
		res, err := s.db.Exec(
			`UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at_ns = ? WHERE id = ? AND status = ?`,
			model.JobRunning, nowNs(), j.ID, model.JobPending,
		)
		if err != nil {
			return nil, fmt.Errorf("take job %s: %w", j.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}
		j.Status = model.JobRunning
		j.Attempts++
		taken = append(taken, j)
	}
	return taken, nil
}

// MarkJobDone finishes a job successfully.
func (s *Store) MarkJobDone(id string) error {
	return s.execJob(id, model.JobDone, "")
}

// MarkJobError finishes a job with a diagnosis.
func (s *Store) MarkJobError(id, msg string) error {
	return s.execJob(id, model.JobError, msg)
}

func (s *Store) execJob(id, status, lastError string) error {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, last_error = ?, updated_at_ns = ? WHERE id = ?`,
		status, lastError, nowNs(), id,
	)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	return checkAffected(res, ErrNotFound)
}

// RequeueRunningJobs flips running jobs back to pending. Called once at
// startup: a job left running means the previous process died mid-work.
func (s *Store) RequeueRunningJobs() (int, error) {
	res, err := s.db.Exec(
		`UPDATE jobs SET status = ?, updated_at_ns = ? WHERE status = ?`,
		model.JobPending, nowNs(), model.JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue running jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func collectJobs(rows *sql.Rows) ([]*model.Job, error) {
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		var j model.Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Payload, &j.Status, &j.Attempts, &j.LastError, &j.CreatedAtNs, &j.UpdatedAtNs); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}
