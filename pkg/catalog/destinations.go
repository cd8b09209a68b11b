package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/openimagery/dicomgw/pkg/fault"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = errors.New("catalog: not found")

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const destinationColumns = `
	name, host, port, called_ae, calling_ae, enabled, tls_enabled,
	concurrency_limit, max_attempts, match_modalities, match_sop_classes,
	match_calling_aes, match_labels, last_success_at, last_failure_at,
	consecutive_failures, created_at, updated_at`

func scanDestination(row pgx.Row) (Destination, error) {
	var d Destination
	err := row.Scan(
		&d.Name, &d.Host, &d.Port, &d.CalledAE, &d.CallingAE, &d.Enabled,
		&d.TLSEnabled, &d.ConcurrencyLimit, &d.MaxAttempts, &d.MatchModalities,
		&d.MatchSOPClasses, &d.MatchCallingAEs, &d.MatchLabels,
		&d.LastSuccessAt, &d.LastFailureAt, &d.ConsecutiveFailures,
		&d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadEnabledDestinations(ctx context.Context, q querier) ([]Destination, error) {
	rows, err := q.Query(ctx, `SELECT `+destinationColumns+`
		FROM destinations WHERE enabled ORDER BY name`)
	if err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "load destinations", err)
	}
	defer rows.Close()

	var dests []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindCatalogUnavailable, "scan destination", err)
		}
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "iterate destinations", err)
	}
	return dests, nil
}

// EnabledDestinations returns all enabled destinations in name order.
func (c *Catalog) EnabledDestinations(ctx context.Context) ([]Destination, error) {
	return loadEnabledDestinations(ctx, c.pool)
}

// ListDestinations returns every destination, disabled ones included.
func (c *Catalog) ListDestinations(ctx context.Context) ([]Destination, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+destinationColumns+`
		FROM destinations ORDER BY name`)
	if err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "list destinations", err)
	}
	defer rows.Close()

	var dests []Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, fault.Wrap(fault.KindCatalogUnavailable, "scan destination", err)
		}
		dests = append(dests, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.KindCatalogUnavailable, "iterate destinations", err)
	}
	return dests, nil
}

// GetDestination fetches one destination by name.
func (c *Catalog) GetDestination(ctx context.Context, name string) (Destination, error) {
	d, err := scanDestination(c.pool.QueryRow(ctx, `SELECT `+destinationColumns+`
		FROM destinations WHERE name = $1`, name))
	if isNoRows(err) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, fault.Wrap(fault.KindCatalogUnavailable, "get destination", err)
	}
	return d, nil
}

// UpsertDestination creates or updates a destination by name.
func (c *Catalog) UpsertDestination(ctx context.Context, d Destination) error {
	// The match columns are NOT NULL arrays; a nil slice would encode as NULL.
	for _, p := range []*[]string{
		&d.MatchModalities, &d.MatchSOPClasses, &d.MatchCallingAEs, &d.MatchLabels,
	} {
		if *p == nil {
			*p = []string{}
		}
	}
	_, err := c.pool.Exec(ctx, `
		INSERT INTO destinations (
			name, host, port, called_ae, calling_ae, enabled, tls_enabled,
			concurrency_limit, max_attempts, match_modalities,
			match_sop_classes, match_calling_aes, match_labels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name) DO UPDATE SET
			host = EXCLUDED.host,
			port = EXCLUDED.port,
			called_ae = EXCLUDED.called_ae,
			calling_ae = EXCLUDED.calling_ae,
			enabled = EXCLUDED.enabled,
			tls_enabled = EXCLUDED.tls_enabled,
			concurrency_limit = EXCLUDED.concurrency_limit,
			max_attempts = EXCLUDED.max_attempts,
			match_modalities = EXCLUDED.match_modalities,
			match_sop_classes = EXCLUDED.match_sop_classes,
			match_calling_aes = EXCLUDED.match_calling_aes,
			match_labels = EXCLUDED.match_labels,
			updated_at = now()`,
		d.Name, d.Host, d.Port, d.CalledAE, d.CallingAE, d.Enabled,
		d.TLSEnabled, d.ConcurrencyLimit, d.MaxAttempts, d.MatchModalities,
		d.MatchSOPClasses, d.MatchCallingAEs, d.MatchLabels)
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "upsert destination", err)
	}
	return nil
}

// RecordDeliveryResult updates a destination's delivery bookkeeping after a
// send attempt. Successes reset the consecutive failure count.
func (c *Catalog) RecordDeliveryResult(ctx context.Context, name string, ok bool) error {
	var sql string
	if ok {
		sql = `UPDATE destinations SET last_success_at = now(),
			consecutive_failures = 0 WHERE name = $1`
	} else {
		sql = `UPDATE destinations SET last_failure_at = now(),
			consecutive_failures = consecutive_failures + 1 WHERE name = $1`
	}
	if _, err := c.pool.Exec(ctx, sql, name); err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "record delivery result", err)
	}
	return nil
}

// SetDestinationEnabled flips a destination's enabled flag.
func (c *Catalog) SetDestinationEnabled(ctx context.Context, name string, enabled bool) error {
	tag, err := c.pool.Exec(ctx, `
		UPDATE destinations SET enabled = $2, updated_at = now() WHERE name = $1`,
		name, enabled)
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "update destination", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
