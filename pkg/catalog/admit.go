package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// NotifyChannel is the pg_notify channel signalled when new forward jobs are
// admitted.
const NotifyChannel = "dicomgw_jobs"

// AdmitRequest carries everything needed to register a stored object.
type AdmitRequest struct {
	StudyUID          string
	SeriesUID         string
	SOPInstanceUID    string
	SOPClassUID       string
	TransferSyntaxUID string
	Modality          string
	AccessionNumber   string
	PatientID         string

	SizeBytes     int64
	ContentSHA256 string
	RelPath       string

	CallingAE     string
	PeerAddr      string
	AssociationID string

	// Labels are the receiver's operator-supplied labels, matched against
	// destination label rules.
	Labels []string

	// ReceiveStarted and ReceiveFinished bound the C-STORE transfer for the
	// audit trail.
	ReceiveStarted  time.Time
	ReceiveFinished time.Time

	// Duplicate marks a re-send whose bytes matched the stored object.
	Duplicate bool
}

// AdmitResult reports what the admission changed.
type AdmitResult struct {
	NewInstance  bool
	JobIDs       []int64
	Destinations []string
}

// Admit registers a published object in a single transaction: the study,
// series and instance rows, the audit event, and one forward job per matching
// enabled destination. Re-admitting an already cataloged instance is a no-op
// beyond the audit event, so receiver retries and duplicate sends stay
// idempotent.
//
// Row upserts always touch studies, then series, then instances, in that
// order; concurrent admissions therefore cannot deadlock.
func (c *Catalog) Admit(ctx context.Context, req AdmitRequest) (AdmitResult, error) {
	var res AdmitResult

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "begin admit transaction", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO studies (study_uid, patient_id, accession_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (study_uid) DO UPDATE SET
			last_received_at = now(),
			updated_at = now()`,
		req.StudyUID, req.PatientID, req.AccessionNumber)
	if err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "upsert study", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO series (series_uid, study_uid, modality)
		VALUES ($1, $2, $3)
		ON CONFLICT (series_uid) DO UPDATE SET updated_at = now()`,
		req.SeriesUID, req.StudyUID, req.Modality)
	if err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "upsert series", err)
	}

	labels := req.Labels
	if labels == nil {
		labels = []string{}
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO instances (
			sop_instance_uid, series_uid, study_uid, sop_class_uid,
			transfer_syntax_uid, size_bytes, content_sha256, rel_path,
			calling_ae, association_id, labels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (sop_instance_uid) DO NOTHING`,
		req.SOPInstanceUID, req.SeriesUID, req.StudyUID, req.SOPClassUID,
		req.TransferSyntaxUID, req.SizeBytes, req.ContentSHA256, req.RelPath,
		req.CallingAE, req.AssociationID, labels)
	if err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "insert instance", err)
	}
	res.NewInstance = tag.RowsAffected() == 1

	if res.NewInstance {
		_, err = tx.Exec(ctx, `
			UPDATE studies SET instance_count = instance_count + 1,
				byte_count = byte_count + $2,
				last_received_at = now(),
				updated_at = now()
			WHERE study_uid = $1`, req.StudyUID, req.SizeBytes)
		if err != nil {
			return res, fault.Wrap(fault.KindCatalogUnavailable, "bump study count", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE series SET instance_count = instance_count + 1, updated_at = now()
			WHERE series_uid = $1`, req.SeriesUID)
		if err != nil {
			return res, fault.Wrap(fault.KindCatalogUnavailable, "bump series count", err)
		}
	}

	eventType := EventObjectStored
	if req.Duplicate || !res.NewInstance {
		eventType = EventObjectDuplicate
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ingest_events (event_type, sop_instance_uid, calling_ae,
			peer_addr, association_id, byte_count, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		eventType, req.SOPInstanceUID, req.CallingAE, req.PeerAddr,
		req.AssociationID, req.SizeBytes,
		tsOrNil(req.ReceiveStarted), tsOrNil(req.ReceiveFinished))
	if err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "record ingest event", err)
	}

	if res.NewInstance {
		dests, err := loadEnabledDestinations(ctx, tx)
		if err != nil {
			return res, err
		}
		for _, d := range dests {
			if !d.Matches(req.Modality, req.SOPClassUID, req.CallingAE, req.Labels) {
				continue
			}
			var jobID int64
			err = tx.QueryRow(ctx, `
				INSERT INTO forward_jobs (destination_name, sop_instance_uid)
				VALUES ($1, $2)
				ON CONFLICT (destination_name, sop_instance_uid)
					WHERE status IN ('pending', 'in_progress')
					DO NOTHING
				RETURNING id`,
				d.Name, req.SOPInstanceUID).Scan(&jobID)
			if err != nil {
				if isNoRows(err) {
					continue
				}
				return res, fault.Wrap(fault.KindCatalogUnavailable,
					fmt.Sprintf("create forward job for %s", d.Name), err)
			}
			res.JobIDs = append(res.JobIDs, jobID)
			res.Destinations = append(res.Destinations, d.Name)
		}

		if len(res.JobIDs) > 0 {
			if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`,
				NotifyChannel, fmt.Sprintf("%d", len(res.JobIDs))); err != nil {
				return res, fault.Wrap(fault.KindCatalogUnavailable, "notify workers", err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return res, fault.Wrap(fault.KindCatalogUnavailable, "commit admit transaction", err)
	}

	logger.Info("object admitted",
		logger.InstanceUID(req.SOPInstanceUID),
		logger.StudyUID(req.StudyUID),
		logger.CallingAE(req.CallingAE),
		logger.Bytes(req.SizeBytes),
		"new_instance", res.NewInstance,
		"jobs", len(res.JobIDs),
	)
	return res, nil
}
