package catalog

import (
	"context"

	"github.com/openimagery/dicomgw/pkg/fault"
)

// GetInstance fetches one cataloged instance by SOP instance UID.
func (c *Catalog) GetInstance(ctx context.Context, sopInstanceUID string) (Instance, error) {
	var in Instance
	err := c.pool.QueryRow(ctx, `
		SELECT sop_instance_uid, series_uid, study_uid, sop_class_uid,
		       transfer_syntax_uid, size_bytes, content_sha256, rel_path,
		       calling_ae, association_id, labels, received_at
		FROM instances WHERE sop_instance_uid = $1`, sopInstanceUID).Scan(
		&in.SOPInstanceUID, &in.SeriesUID, &in.StudyUID, &in.SOPClassUID,
		&in.TransferSyntaxUID, &in.SizeBytes, &in.ContentSHA256, &in.RelPath,
		&in.CallingAE, &in.AssociationID, &in.Labels, &in.ReceivedAt)
	if isNoRows(err) {
		return in, ErrNotFound
	}
	if err != nil {
		return in, fault.Wrap(fault.KindCatalogUnavailable, "get instance", err)
	}
	return in, nil
}
