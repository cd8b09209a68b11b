package forwarder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/fault"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  uint16
		outcome Outcome
		kind    fault.Kind
	}{
		{"success", dimse.StatusSuccess, OutcomeDelivered, ""},
		{"coercion warning", 0xB000, OutcomeWarning, fault.KindPeerStatusWarning},
		{"elements discarded", 0xB007, OutcomeWarning, fault.KindPeerStatusWarning},
		{"out of resources retries", 0xA700, OutcomeRetry, fault.KindNetworkTransient},
		{"out of resources range", 0xA7FF, OutcomeRetry, fault.KindNetworkTransient},
		{"cannot understand fails", 0xC000, OutcomeFailed, fault.KindPeerStatusFailure},
		{"sop class not supported fails", 0x0122, OutcomeFailed, fault.KindPeerStatusFailure},
		{"processing failure fails", 0x0110, OutcomeFailed, fault.KindPeerStatusFailure},
		{"pending is nonsense for c-store", dimse.StatusPending, OutcomeFailed, fault.KindPeerStatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, kind := ClassifyStatus(tt.status)
			assert.Equal(t, tt.outcome, outcome)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestClassifyError(t *testing.T) {
	outcome, kind := ClassifyError(fault.New(fault.KindNetworkTransient, "connection reset"))
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, fault.KindNetworkTransient, kind)

	outcome, kind = ClassifyError(fault.New(fault.KindPeerRejectContext, "no matching context"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, fault.KindPeerRejectContext, kind)

	outcome, kind = ClassifyError(fault.New(fault.KindPeerRejectAssoc, "permanent reject"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, fault.KindPeerRejectAssoc, kind)

	// Unclassified errors default to retry.
	outcome, kind = ClassifyError(errors.New("mystery"))
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, fault.KindNetworkTransient, kind)

	outcome, kind = ClassifyError(fault.New(fault.KindStorageIO, "read failed"))
	assert.Equal(t, OutcomeRetry, outcome)
	assert.Equal(t, fault.KindStorageIO, kind)
}
