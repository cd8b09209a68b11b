// Package fault defines the error classification used across the gateway.
//
// Errors are classified at the point where they first acquire meaning (a
// network read, a rename, a DIMSE status interpretation) and carried as a
// Fault from there on. Workers never propagate raw transport errors across
// the job-state boundary; every claimed job resolves to a terminal outcome
// derived from its Fault kind.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the coarse error category surfaced to the catalog and to operators.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindStorageIO          Kind = "storage-io"
	KindCatalogConflict    Kind = "catalog-conflict"
	KindCatalogUnavailable Kind = "catalog-unavailable"
	KindPeerRejectAssoc    Kind = "peer-reject-association"
	KindPeerRejectContext  Kind = "peer-reject-context"
	KindPeerStatusFailure  Kind = "peer-status-failure"
	KindPeerStatusWarning  Kind = "peer-status-warning"
	KindNetworkTransient   Kind = "network-transient"
	KindLeaseLost          Kind = "lease-lost"
	KindCanceled           Kind = "canceled"
)

// Retryable reports whether a fault of this kind should be retried by the
// job queue. Warning is not an error outcome and never reaches retry logic.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetworkTransient, KindCatalogUnavailable, KindStorageIO:
		return true
	default:
		return false
	}
}

// Fault is an error with a gateway classification attached.
type Fault struct {
	Kind   Kind
	Detail string
	Err    error
}

func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Detail, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

func (f *Fault) Unwrap() error { return f.Err }

// New creates a Fault with the given kind and detail.
func New(kind Kind, detail string) *Fault {
	return &Fault{Kind: kind, Detail: detail}
}

// Newf creates a Fault with a formatted detail string.
func Newf(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification to an underlying error.
func Wrap(kind Kind, detail string, err error) *Fault {
	return &Fault{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors map to
// network-transient: the safe default is to retry, not to dead-letter.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindNetworkTransient
}

// DetailOf extracts the human-readable detail from an error chain, truncated
// to max bytes so oversized peer diagnostics cannot bloat catalog rows.
func DetailOf(err error, max int) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if max > 0 && len(s) > max {
		s = s[:max]
	}
	return s
}
