package forwarder

import (
	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// Outcome is the forwarder's interpretation of one delivery attempt.
type Outcome int

const (
	// OutcomeDelivered completes the job.
	OutcomeDelivered Outcome = iota
	// OutcomeWarning completes the job but records the peer's warning.
	OutcomeWarning
	// OutcomeRetry reschedules the job with backoff.
	OutcomeRetry
	// OutcomeFailed dead-letters the job.
	OutcomeFailed
)

// ClassifyStatus maps a C-STORE response status to a delivery outcome and the
// fault kind recorded with it.
//
// Warnings (coercion, elements discarded) mean the peer kept the object, so
// the job completes; the warning is logged and recorded, never retried.
// Out-of-resources failures are the one failure family worth retrying; every
// other failure status is a permanent disagreement about the object.
func ClassifyStatus(status uint16) (Outcome, fault.Kind) {
	switch dimse.ClassifyStatus(status) {
	case dimse.StatusClassSuccess:
		return OutcomeDelivered, ""
	case dimse.StatusClassWarning:
		return OutcomeWarning, fault.KindPeerStatusWarning
	case dimse.StatusClassFailure:
		if dimse.RetryableStatus(status) {
			return OutcomeRetry, fault.KindNetworkTransient
		}
		return OutcomeFailed, fault.KindPeerStatusFailure
	default:
		// Pending or cancel statuses make no sense for C-STORE.
		return OutcomeFailed, fault.KindPeerStatusFailure
	}
}

// ClassifyError maps a transport or local error during delivery to an
// outcome via its fault kind.
func ClassifyError(err error) (Outcome, fault.Kind) {
	kind := fault.KindOf(err)
	if kind.Retryable() {
		return OutcomeRetry, kind
	}
	return OutcomeFailed, kind
}
