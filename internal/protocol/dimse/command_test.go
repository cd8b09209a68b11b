package dimse

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCStoreRQRoundTrip(t *testing.T) {
	rq := NewCStoreRQ(7, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4.5", 0)

	decoded, err := DecodeCommand(rq.Encode())
	require.NoError(t, err)

	assert.Equal(t, CommandCStoreRQ, decoded.CommandField)
	assert.Equal(t, uint16(7), decoded.MessageID)
	assert.Equal(t, "1.2.840.10008.5.1.4.1.1.2", decoded.AffectedSOPClass)
	assert.Equal(t, "1.2.3.4.5", decoded.AffectedSOPInstance)
	assert.True(t, decoded.HasDataSet())
}

func TestCStoreRSPRoundTrip(t *testing.T) {
	rq := NewCStoreRQ(42, "1.2.840.10008.5.1.4.1.1.4", "1.2.3.4.5.6", 0)
	rsp := NewCStoreRSP(rq, StatusOutOfResources)

	decoded, err := DecodeCommand(rsp.Encode())
	require.NoError(t, err)

	assert.Equal(t, CommandCStoreRSP, decoded.CommandField)
	assert.Equal(t, uint16(42), decoded.MessageIDRespondedTo)
	assert.Equal(t, StatusOutOfResources, decoded.Status)
	assert.False(t, decoded.HasDataSet())
}

func TestCEchoRoundTrip(t *testing.T) {
	rq := NewCEchoRQ(1)

	decoded, err := DecodeCommand(rq.Encode())
	require.NoError(t, err)
	assert.Equal(t, CommandCEchoRQ, decoded.CommandField)
	assert.Equal(t, VerificationSOPClass, decoded.AffectedSOPClass)
	assert.False(t, decoded.HasDataSet())

	rsp, err := DecodeCommand(NewCEchoRSP(decoded, StatusSuccess).Encode())
	require.NoError(t, err)
	assert.Equal(t, CommandCEchoRSP, rsp.CommandField)
	assert.Equal(t, StatusSuccess, rsp.Status)
	assert.Equal(t, uint16(1), rsp.MessageIDRespondedTo)
}

func TestGroupLengthElement(t *testing.T) {
	data := NewCEchoRQ(9).Encode()

	require.GreaterOrEqual(t, len(data), 12)
	assert.Equal(t, uint16(0x0000), binary.LittleEndian.Uint16(data[0:2]))
	assert.Equal(t, uint16(0x0000), binary.LittleEndian.Uint16(data[2:4]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[4:8]))

	groupLength := binary.LittleEndian.Uint32(data[8:12])
	assert.Equal(t, uint32(len(data)-12), groupLength)
}

func TestDecodeCommandSkipsUnknownElements(t *testing.T) {
	var buf bytes.Buffer
	// An element the decoder does not model.
	writeElementUS(&buf, 0x0800+0x0010, 0xabcd)
	buf.Write(NewCEchoRQ(3).Encode()[12:]) // skip the group length of the inner encode

	decoded, err := DecodeCommand(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, CommandCEchoRQ, decoded.CommandField)
}

func TestDecodeCommandRejectsTruncated(t *testing.T) {
	data := NewCEchoRQ(1).Encode()

	_, err := DecodeCommand(data[:len(data)-1])
	require.Error(t, err)

	_, err = DecodeCommand([]byte{0x00})
	require.Error(t, err)

	// No command field element at all.
	var buf bytes.Buffer
	writeElementUS(&buf, tagDataSetType, DataSetAbsent)
	_, err = DecodeCommand(buf.Bytes())
	require.Error(t, err)
}

func TestWriteCommandMessageFragments(t *testing.T) {
	cmd := NewCStoreRQ(1, "1.2.840.10008.5.1.4.1.1.2", "1.2.3.4", 0)

	var wire bytes.Buffer
	// Force fragmentation with a tiny max PDU.
	require.NoError(t, WriteCommandMessage(&wire, 5, cmd, 16))

	var asm CommandAssembler
	var done bool
	for !done {
		typ, body, err := ReadPDU(&wire, 0)
		require.NoError(t, err)
		require.Equal(t, PDUPDataTF, typ)

		pdvs, err := DecodePDataTF(body)
		require.NoError(t, err)
		for _, pdv := range pdvs {
			assert.LessOrEqual(t, len(pdv.Data), 16-pdvOverhead)
			done, err = asm.Add(pdv)
			require.NoError(t, err)
		}
	}

	decoded, err := asm.Command()
	require.NoError(t, err)
	assert.Equal(t, cmd.AffectedSOPInstance, decoded.AffectedSOPInstance)
	assert.Equal(t, byte(5), asm.ContextID)
}

func TestWriteDataMessageStreamsVerbatim(t *testing.T) {
	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	var wire bytes.Buffer
	sent, err := WriteDataMessage(&wire, 1, bytes.NewReader(payload), 16384)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), sent)

	var got bytes.Buffer
	sawLast := false
	for {
		typ, body, err := ReadPDU(&wire, 0)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Equal(t, PDUPDataTF, typ)

		pdvs, err := DecodePDataTF(body)
		require.NoError(t, err)
		for _, pdv := range pdvs {
			require.False(t, sawLast, "fragment after last")
			assert.False(t, pdv.Command)
			got.Write(pdv.Data)
			if pdv.Last {
				sawLast = true
			}
		}
	}

	assert.True(t, sawLast)
	assert.Equal(t, payload, got.Bytes())
}

func TestWriteDataMessageRejectsEmpty(t *testing.T) {
	var wire bytes.Buffer
	_, err := WriteDataMessage(&wire, 1, bytes.NewReader(nil), 16384)
	require.Error(t, err)
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, StatusClassSuccess, ClassifyStatus(StatusSuccess))
	assert.Equal(t, StatusClassCancelled, ClassifyStatus(StatusCancel))
	assert.Equal(t, StatusClassPendingOp, ClassifyStatus(StatusPending))
	assert.Equal(t, StatusClassPendingOp, ClassifyStatus(StatusPendingWarning))

	assert.Equal(t, StatusClassWarning, ClassifyStatus(0x0001))
	assert.Equal(t, StatusClassWarning, ClassifyStatus(0x0107))
	assert.Equal(t, StatusClassWarning, ClassifyStatus(0x0116))
	assert.Equal(t, StatusClassWarning, ClassifyStatus(0xB000))
	assert.Equal(t, StatusClassWarning, ClassifyStatus(0xB07F))

	assert.Equal(t, StatusClassFailure, ClassifyStatus(StatusOutOfResources))
	assert.Equal(t, StatusClassFailure, ClassifyStatus(0xC000))
	assert.Equal(t, StatusClassFailure, ClassifyStatus(StatusSOPClassNotSupported))
}

func TestRetryableStatus(t *testing.T) {
	assert.True(t, RetryableStatus(0xA700))
	assert.True(t, RetryableStatus(0xA7FF))
	assert.False(t, RetryableStatus(0xA6FF))
	assert.False(t, RetryableStatus(0xC000))
	assert.False(t, RetryableStatus(StatusSuccess))
}
