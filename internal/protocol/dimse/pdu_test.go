package dimse

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssociateRQRoundTrip(t *testing.T) {
	rq := &AssociateRQ{
		CalledAE:  "GATEWAY",
		CallingAE: "CT_SCANNER_1",
		PresentationContexts: []PresentationContextRQ{
			{
				ID:               1,
				AbstractSyntax:   "1.2.840.10008.5.1.4.1.1.2",
				TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
			},
			{
				ID:               3,
				AbstractSyntax:   VerificationSOPClass,
				TransferSyntaxes: []string{ImplicitVRLittleEndian},
			},
		},
		MaxPDULength:       32768,
		ImplementationUID:  "1.2.826.0.1.3680043.9.9999.1",
		ImplementationName: "DICOMGW_1.0",
	}

	body := rq.Encode()

	var wire bytes.Buffer
	require.NoError(t, WritePDU(&wire, PDUAssociateRQ, body))

	typ, got, err := ReadPDU(&wire, 0)
	require.NoError(t, err)
	assert.Equal(t, PDUAssociateRQ, typ)

	decoded, err := DecodeAssociateRQ(got)
	require.NoError(t, err)

	assert.Equal(t, "GATEWAY", decoded.CalledAE)
	assert.Equal(t, "CT_SCANNER_1", decoded.CallingAE)
	assert.Equal(t, ApplicationContextName, decoded.ApplicationContext)
	assert.Equal(t, uint32(32768), decoded.MaxPDULength)
	assert.Equal(t, "1.2.826.0.1.3680043.9.9999.1", decoded.ImplementationUID)
	assert.Equal(t, "DICOMGW_1.0", decoded.ImplementationName)

	require.Len(t, decoded.PresentationContexts, 2)
	assert.Equal(t, byte(1), decoded.PresentationContexts[0].ID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", decoded.PresentationContexts[0].AbstractSyntax)
	assert.Equal(t, []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian},
		decoded.PresentationContexts[0].TransferSyntaxes)
	assert.Equal(t, byte(3), decoded.PresentationContexts[1].ID)
}

func TestAssociateACRoundTrip(t *testing.T) {
	ac := &AssociateAC{
		CalledAE:  "GATEWAY",
		CallingAE: "CT_SCANNER_1",
		PresentationContexts: []PresentationContextAC{
			{ID: 1, Result: ContextAccepted, TransferSyntax: ExplicitVRLittleEndian},
			{ID: 3, Result: ContextAbstractSyntaxRejected, TransferSyntax: ImplicitVRLittleEndian},
		},
		MaxPDULength: DefaultMaxPDULength,
	}

	decoded, err := DecodeAssociateAC(ac.Encode())
	require.NoError(t, err)

	require.Len(t, decoded.PresentationContexts, 2)
	assert.Equal(t, ContextAccepted, decoded.PresentationContexts[0].Result)
	assert.Equal(t, ExplicitVRLittleEndian, decoded.PresentationContexts[0].TransferSyntax)
	assert.Equal(t, ContextAbstractSyntaxRejected, decoded.PresentationContexts[1].Result)
}

func TestAssociateRJRoundTrip(t *testing.T) {
	rj := &AssociateRJ{
		Result: RejectResultPermanent,
		Source: RejectSourceServiceUser,
		Reason: RejectReasonCallingAENotRecognized,
	}

	decoded, err := DecodeAssociateRJ(rj.Encode())
	require.NoError(t, err)
	assert.Equal(t, *rj, *decoded)
	assert.Contains(t, decoded.Error(), "rejected")
}

func TestAbortRoundTrip(t *testing.T) {
	ab := &Abort{Source: AbortSourceServiceProvider, Reason: 2}

	decoded, err := DecodeAbort(ab.Encode())
	require.NoError(t, err)
	assert.Equal(t, *ab, *decoded)
}

func TestReadPDURejectsOversized(t *testing.T) {
	var wire bytes.Buffer
	require.NoError(t, WritePDU(&wire, PDUPDataTF, make([]byte, 1024)))

	_, _, err := ReadPDU(&wire, 512)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPDUTooLarge)
}

func TestPDataTFRoundTrip(t *testing.T) {
	body := EncodePDataTF(
		PresentationDataValue{ContextID: 1, Command: true, Last: true, Data: []byte{0xde, 0xad}},
		PresentationDataValue{ContextID: 1, Last: false, Data: []byte{0xbe}},
		PresentationDataValue{ContextID: 1, Last: true, Data: []byte{0xef}},
	)

	pdvs, err := DecodePDataTF(body)
	require.NoError(t, err)
	require.Len(t, pdvs, 3)

	assert.True(t, pdvs[0].Command)
	assert.True(t, pdvs[0].Last)
	assert.Equal(t, []byte{0xde, 0xad}, pdvs[0].Data)

	assert.False(t, pdvs[1].Command)
	assert.False(t, pdvs[1].Last)

	assert.True(t, pdvs[2].Last)
	assert.Equal(t, []byte{0xef}, pdvs[2].Data)
}

func TestDecodePDataTFRejectsTruncated(t *testing.T) {
	body := EncodePDataTF(PresentationDataValue{ContextID: 1, Last: true, Data: []byte{1, 2, 3}})

	_, err := DecodePDataTF(body[:len(body)-1])
	require.Error(t, err)

	_, err = DecodePDataTF(nil)
	require.Error(t, err)
}

func TestValidUID(t *testing.T) {
	assert.True(t, ValidUID("1.2.840.10008.1.1"))
	assert.True(t, ValidUID("1"))

	assert.False(t, ValidUID(""))
	assert.False(t, ValidUID("1..2"))
	assert.False(t, ValidUID(".1.2"))
	assert.False(t, ValidUID("1.2a.3"))
	assert.False(t, ValidUID("../../../etc/passwd"))

	long := "1."
	for len(long) <= 64 {
		long += "1."
	}
	assert.False(t, ValidUID(long))
}

func TestValidAETitle(t *testing.T) {
	assert.True(t, ValidAETitle("GATEWAY"))
	assert.True(t, ValidAETitle("CT SCANNER 1"))

	assert.False(t, ValidAETitle(""))
	assert.False(t, ValidAETitle("                "))
	assert.False(t, ValidAETitle("SEVENTEEN_CHARS_X"))
	assert.False(t, ValidAETitle("BAD\\AE"))
}
