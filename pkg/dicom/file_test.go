package dicom

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/dicom/dicomtest"
	"github.com/openimagery/dicomgw/pkg/fault"
)

func TestInspectExplicitVR(t *testing.T) {
	in := dicomtest.Default()

	meta, err := Inspect(bytes.NewReader(in.Encode()))
	require.NoError(t, err)

	assert.Equal(t, in.StudyUID, meta.StudyUID)
	assert.Equal(t, in.SeriesUID, meta.SeriesUID)
	assert.Equal(t, in.SOPClassUID, meta.SOPClassUID)
	assert.Equal(t, in.SOPInstanceUID, meta.SOPInstanceUID)
	assert.Equal(t, "CT", meta.Modality)
	assert.Equal(t, "ACC001", meta.AccessionNumber)
	assert.Equal(t, "PAT001", meta.PatientID)
	assert.Equal(t, dimse.ExplicitVRLittleEndian, meta.TransferSyntax)
}

func TestInspectImplicitVR(t *testing.T) {
	in := dicomtest.Default()
	in.TransferSyntax = dimse.ImplicitVRLittleEndian

	meta, err := Inspect(bytes.NewReader(in.Encode()))
	require.NoError(t, err)

	assert.Equal(t, in.StudyUID, meta.StudyUID)
	assert.Equal(t, in.SeriesUID, meta.SeriesUID)
	assert.Equal(t, dimse.ImplicitVRLittleEndian, meta.TransferSyntax)
}

func TestInspectFile(t *testing.T) {
	in := dicomtest.Default()
	path := filepath.Join(t.TempDir(), "object.dcm")
	require.NoError(t, os.WriteFile(path, in.Encode(), 0o600))

	meta, err := InspectFile(path)
	require.NoError(t, err)
	assert.Equal(t, in.SOPInstanceUID, meta.SOPInstanceUID)
}

func TestInspectRejectsMissingMarker(t *testing.T) {
	data := dicomtest.Default().Encode()
	copy(data[128:132], "JUNK")

	_, err := Inspect(bytes.NewReader(data))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInspectRejectsTruncatedPreamble(t *testing.T) {
	_, err := Inspect(bytes.NewReader(make([]byte, 64)))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInspectRejectsMissingIdentity(t *testing.T) {
	in := dicomtest.Default()
	in.StudyUID = ""

	_, err := Inspect(bytes.NewReader(in.Encode()))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInspectRejectsMalformedUID(t *testing.T) {
	in := dicomtest.Default()
	in.SeriesUID = "../../escape"

	_, err := Inspect(bytes.NewReader(in.Encode()))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

func TestInspectRejectsUnsupportedTransferSyntax(t *testing.T) {
	in := dicomtest.Default()
	in.TransferSyntax = "1.2.840.10008.1.2.4.90" // JPEG 2000

	_, err := Inspect(bytes.NewReader(in.Encode()))
	require.Error(t, err)
	assert.Equal(t, fault.KindValidation, fault.KindOf(err))
}

// buildWithSequence wraps a Default() instance and inserts an undefined
// length sequence before the study UID element to prove the scanner skips
// nested content instead of mis-reading tags inside it.
func buildWithSequence(t *testing.T) []byte {
	t.Helper()

	in := dicomtest.Default()
	full := in.Encode()

	// Locate the (0020,000D) element in the encoded stream and splice the
	// sequence right before it.
	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], 0x0020)
	binary.LittleEndian.PutUint16(tag[2:4], 0x000D)
	idx := bytes.Index(full, tag[:])
	require.Positive(t, idx)

	var seq bytes.Buffer
	// (0018,9999) SQ, undefined length
	seq.Write([]byte{0x18, 0x00, 0x99, 0x99})
	seq.WriteString("SQ")
	seq.Write([]byte{0, 0, 0xFF, 0xFF, 0xFF, 0xFF})
	// item, undefined length
	seq.Write([]byte{0xFE, 0xFF, 0x00, 0xE0, 0xFF, 0xFF, 0xFF, 0xFF})
	// nested element that looks like a study UID: (0020,000D) UI "9.9.9"
	seq.Write([]byte{0x20, 0x00, 0x0D, 0x00})
	seq.WriteString("UI")
	seq.Write([]byte{0x06, 0x00})
	seq.Write([]byte("9.9.9\x00"))
	// item delimitation
	seq.Write([]byte{0xFE, 0xFF, 0x0D, 0xE0, 0, 0, 0, 0})
	// sequence delimitation
	seq.Write([]byte{0xFE, 0xFF, 0xDD, 0xE0, 0, 0, 0, 0})

	var out bytes.Buffer
	out.Write(full[:idx])
	out.Write(seq.Bytes())
	out.Write(full[idx:])
	return out.Bytes()
}

func TestInspectSkipsUndefinedLengthSequences(t *testing.T) {
	data := buildWithSequence(t)

	meta, err := Inspect(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, dicomtest.Default().StudyUID, meta.StudyUID)
}
