package catalog

import (
	"context"
	"time"

	"github.com/openimagery/dicomgw/pkg/fault"
)

// maxEventDetail bounds the detail column so oversized peer diagnostics
// cannot bloat the audit trail.
const maxEventDetail = 1024

// tsOrNil maps the zero time to SQL NULL.
func tsOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// RecordEvent appends one row to the ingest audit trail. Events outside an
// admission (rejections, association lifecycle, conflicts) go through here.
func (c *Catalog) RecordEvent(ctx context.Context, ev IngestEvent) error {
	detail := ev.Detail
	if len(detail) > maxEventDetail {
		detail = detail[:maxEventDetail]
	}

	var uid any
	if ev.SOPInstanceUID != "" {
		uid = ev.SOPInstanceUID
	}

	_, err := c.pool.Exec(ctx, `
		INSERT INTO ingest_events (event_type, sop_instance_uid, calling_ae,
			peer_addr, association_id, detail, byte_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.EventType, uid, ev.CallingAE, ev.PeerAddr, ev.AssociationID, detail,
		ev.ByteCount, tsOrNil(ev.StartedAt), tsOrNil(ev.FinishedAt))
	if err != nil {
		return fault.Wrap(fault.KindCatalogUnavailable, "record ingest event", err)
	}
	return nil
}
