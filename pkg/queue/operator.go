package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// ErrJobNotFound is returned by operator verbs targeting a missing job.
var ErrJobNotFound = errors.New("queue: job not found")

// ErrBadState is returned when an operator verb does not apply to the job's
// current state.
type ErrBadState struct {
	JobID  int64
	Status catalog.JobStatus
	Verb   string
}

func (e *ErrBadState) Error() string {
	return fmt.Sprintf("queue: cannot %s job %d in state %s", e.Verb, e.JobID, e.Status)
}

// Retry returns a dead-lettered job to the pending state. The attempt counter
// is preserved so the job's history stays honest; the attempt budget check
// only applies while failures are fresh, not after an operator intervenes.
func (q *Queue) Retry(ctx context.Context, jobID int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'pending',
		    next_eligible_at = now(),
		    cancel_requested = FALSE,
		    completed_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'dead_letter'`, jobID)
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "retry job", err)
	}
	if tag.RowsAffected() == 0 {
		return q.verbStateError(ctx, jobID, "retry")
	}
	return nil
}

// RetryDestination returns every dead-lettered job for a destination to
// pending. Returns the number of jobs released.
func (q *Queue) RetryDestination(ctx context.Context, destination string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE forward_jobs
		SET status = 'pending',
		    next_eligible_at = now(),
		    cancel_requested = FALSE,
		    completed_at = NULL,
		    updated_at = now()
		WHERE destination_name = $1 AND status = 'dead_letter'`, destination)
	if err != nil {
		return 0, fault.Wrap(fault.KindCatalogUnavailable, "retry destination", err)
	}
	return int(tag.RowsAffected()), nil
}

// Cancel stops a job. Pending jobs resolve to canceled immediately;
// in-progress jobs get cancel_requested set and resolve when the worker
// observes it at the next heartbeat (or when the lease expires). Canceling a
// job already in a terminal state is an error.
func (q *Queue) Cancel(ctx context.Context, jobID int64) (immediate bool, err error) {
	var status catalog.JobStatus
	err = q.pool.QueryRow(ctx, `
		UPDATE forward_jobs
		SET status = CASE WHEN status = 'pending' THEN 'canceled' ELSE status END,
		    cancel_requested = TRUE,
		    completed_at = CASE WHEN status = 'pending' THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'in_progress')
		RETURNING status`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, q.verbStateError(ctx, jobID, "cancel")
	}
	if err != nil {
		return false, fault.Wrap(fault.KindCatalogUnavailable, "cancel job", err)
	}
	return status == catalog.JobCanceled, nil
}

// Replay creates fresh jobs for every instance of a study toward one
// destination, regardless of earlier outcomes. Instances with a live job for
// that destination are skipped by the partial unique index. Returns the
// number of jobs created.
func (q *Queue) Replay(ctx context.Context, studyUID, destination string) (int, error) {
	var exists bool
	err := q.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM destinations WHERE name = $1)`, destination).Scan(&exists)
	if err != nil {
		return 0, fault.Wrap(fault.KindCatalogUnavailable, "check destination", err)
	}
	if !exists {
		return 0, catalog.ErrNotFound
	}

	tag, err := q.pool.Exec(ctx, `
		INSERT INTO forward_jobs (destination_name, sop_instance_uid)
		SELECT $2, i.sop_instance_uid
		FROM instances i
		WHERE i.study_uid = $1
		ON CONFLICT (destination_name, sop_instance_uid)
			WHERE status IN ('pending', 'in_progress')
			DO NOTHING`, studyUID, destination)
	if err != nil {
		return 0, fault.Wrap(fault.KindCatalogUnavailable, "replay study", err)
	}

	created := int(tag.RowsAffected())
	if created > 0 {
		if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`,
			catalog.NotifyChannel, fmt.Sprintf("%d", created)); err != nil {
			return created, fault.Wrap(fault.KindCatalogUnavailable, "notify workers", err)
		}
	}
	return created, nil
}

// verbStateError distinguishes "no such job" from "wrong state" after a
// guarded update matched nothing.
func (q *Queue) verbStateError(ctx context.Context, jobID int64, verb string) error {
	var status catalog.JobStatus
	err := q.pool.QueryRow(ctx,
		`SELECT status FROM forward_jobs WHERE id = $1`, jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "inspect job", err)
	}
	return &ErrBadState{JobID: jobID, Status: status, Verb: verb}
}

// ListFilter narrows List output.
type ListFilter struct {
	Status      catalog.JobStatus
	Destination string
	Limit       int
}

// List returns jobs matching the filter, newest first.
func (q *Queue) List(ctx context.Context, f ListFilter) ([]catalog.ForwardJob, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := q.pool.Query(ctx, `
		SELECT id, destination_name, sop_instance_uid, status, priority,
		       attempts, next_eligible_at,
		       COALESCE(lease_holder, ''),
		       COALESCE(lease_expires_at, 'epoch'::timestamptz),
		       cancel_requested, last_error_kind, last_error_detail,
		       created_at, updated_at,
		       COALESCE(completed_at, 'epoch'::timestamptz)
		FROM forward_jobs
		WHERE ($1 = '' OR status = $1)
		  AND ($2 = '' OR destination_name = $2)
		ORDER BY id DESC
		LIMIT $3`, string(f.Status), f.Destination, limit)
	if err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "list jobs", err)
	}
	defer rows.Close()

	var out []catalog.ForwardJob
	for rows.Next() {
		var j catalog.ForwardJob
		if err := rows.Scan(
			&j.ID, &j.DestinationName, &j.SOPInstanceUID, &j.Status,
			&j.Priority, &j.Attempts, &j.NextEligibleAt, &j.LeaseHolder,
			&j.LeaseExpiresAt, &j.CancelRequested, &j.LastErrorKind,
			&j.LastErrorDetail, &j.CreatedAt, &j.UpdatedAt,
			&j.CompletedAt); err != nil {
			return nil, fault.Wrap(fault.KindCatalogUnavailable, "scan job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
