// Package queue implements the forward job queue on top of the catalog's
// PostgreSQL pool.
//
// Jobs are claimed with FOR UPDATE SKIP LOCKED so any number of workers can
// pull from the same queue without coordination. A claimed job carries a
// lease; the worker heartbeats to keep it, and a supervisor returns expired
// leases to the pending state. Every state transition that acts on a claimed
// job is guarded by the lease holder, so a worker that lost its lease cannot
// clobber a reclaim.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// ErrLeaseLost is returned when a guarded update finds the job no longer
// held by this worker.
var ErrLeaseLost = errors.New("queue: lease lost")

// Queue issues claims and state transitions against the forward_jobs table.
type Queue struct {
	pool    *pgxpool.Pool
	backoff Backoff
}

// New creates a queue over the catalog's pool.
func New(pool *pgxpool.Pool, backoff Backoff) *Queue {
	backoff.applyDefaults()
	return &Queue{pool: pool, backoff: backoff}
}

// ClaimedJob is a job leased to one worker, joined with the destination
// fields the worker needs.
type ClaimedJob struct {
	ID              int64
	DestinationName string
	SOPInstanceUID  string
	Priority        int
	Attempts        int
	CancelRequested bool
	LeaseExpiresAt  time.Time
	MaxAttempts     int
	// LastErrorKind is the classification of the previous attempt's failure,
	// empty on a first attempt.
	LastErrorKind string
}

// Claim leases the most eligible pending job, or returns nil when nothing is
// claimable.
//
// Eligibility: pending, due, destination enabled, and the destination's
// in-progress count below its concurrency limit. The cap check counts rows
// outside the claiming lock, so a burst of simultaneous claims can briefly
// overshoot the limit by the number of racing workers; the cap is a pressure
// valve, not an exact semaphore.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*ClaimedJob, error) {
	var job ClaimedJob
	err := q.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT j.id
			FROM forward_jobs j
			JOIN destinations d ON d.name = j.destination_name
			WHERE j.status = 'pending'
			  AND j.next_eligible_at <= now()
			  AND d.enabled
			  AND (
				SELECT count(*) FROM forward_jobs a
				WHERE a.destination_name = j.destination_name
				  AND a.status = 'in_progress'
			  ) < d.concurrency_limit
			ORDER BY j.priority DESC, j.next_eligible_at ASC, j.id ASC
			LIMIT 1
			FOR UPDATE OF j SKIP LOCKED
		)
		UPDATE forward_jobs j
		SET status = 'in_progress',
		    attempts = j.attempts + 1,
		    lease_holder = $1,
		    lease_expires_at = now() + make_interval(secs => $2),
		    updated_at = now()
		FROM candidate, destinations d
		WHERE j.id = candidate.id AND d.name = j.destination_name
		RETURNING j.id, j.destination_name, j.sop_instance_uid, j.priority,
		          j.attempts, j.cancel_requested, j.lease_expires_at,
		          d.max_attempts, j.last_error_kind`,
		workerID, lease.Seconds()).Scan(
		&job.ID, &job.DestinationName, &job.SOPInstanceUID, &job.Priority,
		&job.Attempts, &job.CancelRequested, &job.LeaseExpiresAt,
		&job.MaxAttempts, &job.LastErrorKind)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "claim job", err)
	}
	return &job, nil
}

// Heartbeat extends the lease on a claimed job and reports whether an
// operator has requested cancellation.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (cancelRequested bool, err error) {
	err = q.pool.QueryRow(ctx, `
		UPDATE forward_jobs
		SET lease_expires_at = now() + make_interval(secs => $3),
		    updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'in_progress'
		RETURNING cancel_requested`,
		jobID, workerID, lease.Seconds()).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fault.Wrap(fault.KindCatalogUnavailable, "heartbeat", err)
	}
	return cancelRequested, nil
}

// Complete marks a claimed job succeeded.
func (q *Queue) Complete(ctx context.Context, jobID int64, workerID string) error {
	return q.finish(ctx, jobID, workerID, catalog.JobSucceeded, "", "")
}

// MarkCanceled resolves a claimed job whose cancellation was observed.
func (q *Queue) MarkCanceled(ctx context.Context, jobID int64, workerID string) error {
	return q.finish(ctx, jobID, workerID, catalog.JobCanceled, string(fault.KindCanceled), "canceled by operator")
}

func (q *Queue) finish(ctx context.Context, jobID int64, workerID string, status catalog.JobStatus, errKind, errDetail string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE forward_jobs
		SET status = $3,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    last_error_kind = $4,
		    last_error_detail = $5,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND lease_holder = $2 AND status = 'in_progress'`,
		jobID, workerID, status, errKind, errDetail)
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail resolves a failed attempt on a claimed job. Retryable faults reschedule
// the job with exponential backoff until the destination's attempt budget is
// spent; everything else dead-letters immediately. A storage fault earns one
// retry: a second consecutive storage fault means the stored file itself is
// bad and the job dead-letters without burning the remaining budget.
func (q *Queue) Fail(ctx context.Context, job *ClaimedJob, workerID string, kind fault.Kind, detail string) error {
	retry := kind.Retryable() && job.Attempts < job.MaxAttempts
	if retry && kind == fault.KindStorageIO &&
		fault.Kind(job.LastErrorKind) == fault.KindStorageIO {
		retry = false
	}
	if retry {
		delay := q.backoff.Delay(job.Attempts)
		tag, err := q.pool.Exec(ctx, `
			UPDATE forward_jobs
			SET status = 'pending',
			    lease_holder = NULL,
			    lease_expires_at = NULL,
			    next_eligible_at = now() + make_interval(secs => $3),
			    last_error_kind = $4,
			    last_error_detail = $5,
			    updated_at = now()
			WHERE id = $1 AND lease_holder = $2 AND status = 'in_progress'`,
			job.ID, workerID, delay.Seconds(), string(kind), detail)
		if err != nil {
			return fault.Wrap(fault.KindCatalogUnavailable, "reschedule job", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrLeaseLost
		}
		logger.Info("job rescheduled",
			logger.JobID(itoa(job.ID)),
			logger.Destination(job.DestinationName),
			logger.Attempt(job.Attempts),
			"delay_s", delay.Seconds(),
			"error_kind", string(kind),
		)
		return nil
	}

	return q.finish(ctx, job.ID, workerID, catalog.JobDeadLetter, string(kind), detail)
}

// ReleaseWorkerLeases returns every in-progress job leased by this worker's
// goroutines (lease holders workerID or workerID/<n>) to the pending state so
// another process can claim them immediately. Called on shutdown after the
// drain deadline. Jobs with a pending cancellation resolve as canceled.
func (q *Queue) ReleaseWorkerLeases(ctx context.Context, workerID string) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE forward_jobs
		SET status = CASE WHEN cancel_requested THEN 'canceled' ELSE 'pending' END,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    next_eligible_at = now(),
		    completed_at = CASE WHEN cancel_requested THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE status = 'in_progress'
		  AND (lease_holder = $1 OR lease_holder LIKE $1 || '/%')`,
		workerID)
	if err != nil {
		return 0, fault.Wrap(fault.KindCatalogUnavailable, "release worker leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverExpired returns expired in-progress leases to the pending state, or
// resolves them as canceled when cancellation was requested while the lease
// was live. Returns the number of recovered jobs.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE forward_jobs
		SET status = CASE WHEN cancel_requested THEN 'canceled' ELSE 'pending' END,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    last_error_kind = $1,
		    last_error_detail = 'lease expired',
		    completed_at = CASE WHEN cancel_requested THEN now() ELSE completed_at END,
		    updated_at = now()
		WHERE status = 'in_progress' AND lease_expires_at < now()`,
		string(fault.KindLeaseLost))
	if err != nil {
		return 0, fault.Wrap(fault.KindCatalogUnavailable, "recover expired leases", err)
	}
	return int(tag.RowsAffected()), nil
}

// Depth is the queue depth for one destination and status.
type Depth struct {
	DestinationName string
	Status          catalog.JobStatus
	Count           int64
}

// Depths reports job counts grouped by destination and status, for gauges.
func (q *Queue) Depths(ctx context.Context) ([]Depth, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT destination_name, status, count(*)
		FROM forward_jobs
		WHERE status IN ('pending', 'in_progress', 'dead_letter')
		GROUP BY destination_name, status`)
	if err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "queue depths", err)
	}
	defer rows.Close()

	var out []Depth
	for rows.Next() {
		var d Depth
		if err := rows.Scan(&d.DestinationName, &d.Status, &d.Count); err != nil {
			return nil, fault.Wrap(fault.KindCatalogUnavailable, "scan depth", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
