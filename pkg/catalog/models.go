package catalog

import "time"

// JobStatus is the lifecycle state of a forward job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobSucceeded  JobStatus = "succeeded"
	JobDeadLetter JobStatus = "dead_letter"
	JobCanceled   JobStatus = "canceled"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobDeadLetter, JobCanceled:
		return true
	default:
		return false
	}
}

// Ingest event types recorded in the audit trail.
const (
	EventObjectStored     = "object_stored"
	EventObjectDuplicate  = "object_duplicate"
	EventObjectRejected   = "object_rejected"
	EventObjectConflict   = "object_conflict"
	EventAssociationOpen  = "association_open"
	EventAssociationClose = "association_close"
)

// Study is one row of the studies table. The aggregate columns advance as
// instances are admitted and never decrease.
type Study struct {
	StudyUID        string
	PatientID       string
	AccessionNumber string
	InstanceCount   int64
	ByteCount       int64
	FirstReceivedAt time.Time
	LastReceivedAt  time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Series is one row of the series table.
type Series struct {
	SeriesUID     string
	StudyUID      string
	Modality      string
	InstanceCount int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Instance is one row of the instances table.
type Instance struct {
	SOPInstanceUID    string
	SeriesUID         string
	StudyUID          string
	SOPClassUID       string
	TransferSyntaxUID string
	SizeBytes         int64
	ContentSHA256     string
	RelPath           string
	CallingAE         string
	AssociationID     string
	Labels            []string
	ReceivedAt        time.Time
}

// Destination is a configured forwarding target. The match columns form the
// routing rule: an instance routes to the destination when every non-empty
// match list contains the instance's corresponding attribute.
type Destination struct {
	Name             string
	Host             string
	Port             int
	CalledAE         string
	CallingAE        string
	Enabled          bool
	TLSEnabled       bool
	ConcurrencyLimit int
	MaxAttempts      int
	MatchModalities  []string
	MatchSOPClasses  []string
	MatchCallingAEs  []string
	MatchLabels      []string

	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	ConsecutiveFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IngestEvent is one row of the audit trail. ByteCount and the started/
// finished timestamps are zero for events with no transfer attached
// (association lifecycle, early rejections).
type IngestEvent struct {
	ID             int64
	EventType      string
	SOPInstanceUID string
	CallingAE      string
	PeerAddr       string
	AssociationID  string
	Detail         string
	ByteCount      int64
	StartedAt      time.Time
	FinishedAt     time.Time
	CreatedAt      time.Time
}

// ForwardJob is one row of the forward job queue.
type ForwardJob struct {
	ID              int64
	DestinationName string
	SOPInstanceUID  string
	Status          JobStatus
	Priority        int
	Attempts        int
	NextEligibleAt  time.Time
	LeaseHolder     string
	LeaseExpiresAt  time.Time
	CancelRequested bool
	LastErrorKind   string
	LastErrorDetail string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
}
