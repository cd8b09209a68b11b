package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DIMSE command field values (PS3.7 table E.1-1).
const (
	CommandCStoreRQ uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ  uint16 = 0x0030
	CommandCEchoRSP uint16 = 0x8030
)

// Data set type values for element (0000,0800).
const (
	DataSetPresent uint16 = 0x0000
	DataSetAbsent  uint16 = 0x0101
)

// Command tag element numbers within group 0x0000.
const (
	tagGroupLength     uint16 = 0x0000
	tagAffectedSOPClass uint16 = 0x0002
	tagCommandField    uint16 = 0x0100
	tagMessageID       uint16 = 0x0110
	tagMessageIDBeingRespondedTo uint16 = 0x0120
	tagPriority        uint16 = 0x0700
	tagDataSetType     uint16 = 0x0800
	tagStatus          uint16 = 0x0900
	tagAffectedSOPInstance uint16 = 0x1000
)

// Command is a decoded DIMSE command set. Only the elements the gateway
// exchanges are modelled; unknown elements are skipped on decode.
type Command struct {
	CommandField       uint16
	MessageID          uint16
	MessageIDRespondedTo uint16
	AffectedSOPClass   string
	AffectedSOPInstance string
	Priority           uint16
	DataSetType        uint16
	Status             uint16
}

// HasDataSet reports whether a data set follows this command on the wire.
func (c *Command) HasDataSet() bool { return c.DataSetType != DataSetAbsent }

// writeElementUI appends an implicit-VR UI element, NUL-padded to even length.
func writeElementUI(buf *bytes.Buffer, elem uint16, value string) {
	v := []byte(value)
	if len(v)%2 != 0 {
		v = append(v, 0x00)
	}
	writeElementHeader(buf, elem, uint32(len(v)))
	buf.Write(v)
}

// writeElementUS appends an implicit-VR US element.
func writeElementUS(buf *bytes.Buffer, elem uint16, value uint16) {
	writeElementHeader(buf, elem, 2)
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	buf.Write(b[:])
}

func writeElementHeader(buf *bytes.Buffer, elem uint16, length uint32) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], 0x0000)
	binary.LittleEndian.PutUint16(hdr[2:4], elem)
	binary.LittleEndian.PutUint32(hdr[4:8], length)
	buf.Write(hdr[:])
}

// Encode renders the command set as implicit-VR little-endian bytes, with the
// mandatory (0000,0000) group-length element first.
func (c *Command) Encode() []byte {
	var body bytes.Buffer

	if c.AffectedSOPClass != "" {
		writeElementUI(&body, tagAffectedSOPClass, c.AffectedSOPClass)
	}
	writeElementUS(&body, tagCommandField, c.CommandField)
	if c.CommandField&0x8000 == 0 {
		writeElementUS(&body, tagMessageID, c.MessageID)
	} else {
		writeElementUS(&body, tagMessageIDBeingRespondedTo, c.MessageIDRespondedTo)
	}
	if c.CommandField == CommandCStoreRQ {
		writeElementUS(&body, tagPriority, c.Priority)
	}
	writeElementUS(&body, tagDataSetType, c.DataSetType)
	if c.CommandField&0x8000 != 0 {
		writeElementUS(&body, tagStatus, c.Status)
	}
	if c.AffectedSOPInstance != "" {
		writeElementUI(&body, tagAffectedSOPInstance, c.AffectedSOPInstance)
	}

	var out bytes.Buffer
	out.Grow(12 + body.Len())
	writeElementHeader(&out, tagGroupLength, 4)
	var gl [4]byte
	binary.LittleEndian.PutUint32(gl[:], uint32(body.Len()))
	out.Write(gl[:])
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeCommand parses an implicit-VR little-endian command set.
func DecodeCommand(data []byte) (*Command, error) {
	cmd := &Command{DataSetType: DataSetAbsent}
	seenCommandField := false

	for len(data) > 0 {
		if len(data) < 8 {
			return nil, fmt.Errorf("dimse: short command element header (%d bytes)", len(data))
		}
		group := binary.LittleEndian.Uint16(data[0:2])
		elem := binary.LittleEndian.Uint16(data[2:4])
		length := binary.LittleEndian.Uint32(data[4:8])
		data = data[8:]

		if int(length) > len(data) {
			return nil, fmt.Errorf("dimse: command element (%04x,%04x) length %d exceeds buffer", group, elem, length)
		}
		value := data[:length]
		data = data[length:]

		if group != 0x0000 {
			continue
		}

		switch elem {
		case tagGroupLength:
			// informational only
		case tagAffectedSOPClass:
			cmd.AffectedSOPClass = trimUI(value)
		case tagCommandField:
			if len(value) < 2 {
				return nil, fmt.Errorf("dimse: short command field element")
			}
			cmd.CommandField = binary.LittleEndian.Uint16(value)
			seenCommandField = true
		case tagMessageID:
			if len(value) >= 2 {
				cmd.MessageID = binary.LittleEndian.Uint16(value)
			}
		case tagMessageIDBeingRespondedTo:
			if len(value) >= 2 {
				cmd.MessageIDRespondedTo = binary.LittleEndian.Uint16(value)
			}
		case tagPriority:
			if len(value) >= 2 {
				cmd.Priority = binary.LittleEndian.Uint16(value)
			}
		case tagDataSetType:
			if len(value) >= 2 {
				cmd.DataSetType = binary.LittleEndian.Uint16(value)
			}
		case tagStatus:
			if len(value) >= 2 {
				cmd.Status = binary.LittleEndian.Uint16(value)
			}
		case tagAffectedSOPInstance:
			cmd.AffectedSOPInstance = trimUI(value)
		}
	}

	if !seenCommandField {
		return nil, fmt.Errorf("dimse: command set without command field")
	}
	return cmd, nil
}

// trimUI strips the even-length NUL padding from a UI value.
func trimUI(b []byte) string {
	return string(bytes.TrimRight(b, "\x00"))
}

// NewCStoreRQ builds the command set for a C-STORE request.
func NewCStoreRQ(messageID uint16, sopClass, sopInstance string, priority uint16) *Command {
	return &Command{
		CommandField:        CommandCStoreRQ,
		MessageID:           messageID,
		AffectedSOPClass:    sopClass,
		AffectedSOPInstance: sopInstance,
		Priority:            priority,
		DataSetType:         DataSetPresent,
	}
}

// NewCStoreRSP builds the command set for a C-STORE response.
func NewCStoreRSP(rq *Command, status uint16) *Command {
	return &Command{
		CommandField:         CommandCStoreRSP,
		MessageIDRespondedTo: rq.MessageID,
		AffectedSOPClass:     rq.AffectedSOPClass,
		AffectedSOPInstance:  rq.AffectedSOPInstance,
		DataSetType:          DataSetAbsent,
		Status:               status,
	}
}

// NewCEchoRQ builds the command set for a C-ECHO request.
func NewCEchoRQ(messageID uint16) *Command {
	return &Command{
		CommandField:     CommandCEchoRQ,
		MessageID:        messageID,
		AffectedSOPClass: VerificationSOPClass,
		DataSetType:      DataSetAbsent,
	}
}

// NewCEchoRSP builds the command set for a C-ECHO response.
func NewCEchoRSP(rq *Command, status uint16) *Command {
	return &Command{
		CommandField:         CommandCEchoRSP,
		MessageIDRespondedTo: rq.MessageID,
		AffectedSOPClass:     VerificationSOPClass,
		DataSetType:          DataSetAbsent,
		Status:               status,
	}
}
