package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently across
// all log statements so lines can be aggregated and queried by key.
const (
	// DICOM identity
	KeyStudyUID    = "study_uid"
	KeySeriesUID   = "series_uid"
	KeyInstanceUID = "instance_uid"
	KeySOPClassUID = "sop_class_uid"
	KeyTransferSyntax = "transfer_syntax"

	// Association / peer
	KeyAssociationID = "association_id"
	KeyCallingAE     = "calling_ae"
	KeyCalledAE      = "called_ae"
	KeyPeerAddr      = "peer_addr"

	// Queue / jobs
	KeyJobID       = "job_id"
	KeyDestination = "destination"
	KeyWorkerID    = "worker_id"
	KeyAttempt     = "attempt"
	KeyStatus      = "status"
	KeyErrorKind   = "error_kind"

	// I/O
	KeyPath       = "path"
	KeyBytes      = "bytes"
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// StudyUID returns a slog.Attr for a study instance UID.
func StudyUID(uid string) slog.Attr { return slog.String(KeyStudyUID, uid) }

// SeriesUID returns a slog.Attr for a series instance UID.
func SeriesUID(uid string) slog.Attr { return slog.String(KeySeriesUID, uid) }

// InstanceUID returns a slog.Attr for a SOP instance UID.
func InstanceUID(uid string) slog.Attr { return slog.String(KeyInstanceUID, uid) }

// AssociationID returns a slog.Attr for an association identifier.
func AssociationID(id string) slog.Attr { return slog.String(KeyAssociationID, id) }

// CallingAE returns a slog.Attr for the peer's calling AE title.
func CallingAE(ae string) slog.Attr { return slog.String(KeyCallingAE, ae) }

// CalledAE returns a slog.Attr for the called AE title.
func CalledAE(ae string) slog.Attr { return slog.String(KeyCalledAE, ae) }

// JobID returns a slog.Attr for a forward job id.
func JobID(id string) slog.Attr { return slog.String(KeyJobID, id) }

// Destination returns a slog.Attr for a destination name.
func Destination(name string) slog.Attr { return slog.String(KeyDestination, name) }

// WorkerID returns a slog.Attr for a worker identity.
func WorkerID(id string) slog.Attr { return slog.String(KeyWorkerID, id) }

// Attempt returns a slog.Attr for a delivery attempt number.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// Bytes returns a slog.Attr for a byte count.
func Bytes(n int64) slog.Attr { return slog.Int64(KeyBytes, n) }

// Path returns a slog.Attr for a filesystem path.
func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
