// Package dicomtest builds synthetic Part 10 streams for tests. The encoder
// is deliberately independent from the production inspection code so tests
// exercise real parsing rather than a round trip through shared helpers.
package dicomtest

import (
	"bytes"
	"encoding/binary"

	"github.com/openimagery/dicomgw/internal/protocol/dimse"
)

// Instance describes a synthetic object to encode.
type Instance struct {
	StudyUID        string
	SeriesUID       string
	SOPClassUID     string
	SOPInstanceUID  string
	Modality        string
	AccessionNumber string
	PatientID       string
	TransferSyntax  string // defaults to explicit VR little endian
	PixelBytes      int    // size of the trailing (7FE0,0010) payload
}

// Default returns an Instance with plausible CT identity attributes.
func Default() Instance {
	return Instance{
		StudyUID:        "1.2.826.0.1.3680043.9.9999.1.1",
		SeriesUID:       "1.2.826.0.1.3680043.9.9999.1.1.1",
		SOPClassUID:     "1.2.840.10008.5.1.4.1.1.2",
		SOPInstanceUID:  "1.2.826.0.1.3680043.9.9999.1.1.1.1",
		Modality:        "CT",
		AccessionNumber: "ACC001",
		PatientID:       "PAT001",
		TransferSyntax:  dimse.ExplicitVRLittleEndian,
		PixelBytes:      512,
	}
}

// Encode renders the instance as a complete Part 10 byte stream, preamble and
// DICM marker included.
func (in Instance) Encode() []byte {
	ts := in.TransferSyntax
	if ts == "" {
		ts = dimse.ExplicitVRLittleEndian
	}

	var fileMeta bytes.Buffer
	writeExplicit(&fileMeta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeExplicit(&fileMeta, 0x0002, 0x0002, "UI", padUID(in.SOPClassUID))
	writeExplicit(&fileMeta, 0x0002, 0x0003, "UI", padUID(in.SOPInstanceUID))
	writeExplicit(&fileMeta, 0x0002, 0x0010, "UI", padUID(ts))

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	var groupLen [4]byte
	binary.LittleEndian.PutUint32(groupLen[:], uint32(fileMeta.Len()))
	writeExplicit(&out, 0x0002, 0x0000, "UL", groupLen[:])
	out.Write(fileMeta.Bytes())

	explicit := ts == dimse.ExplicitVRLittleEndian

	write := func(group, elem uint16, vr string, value []byte) {
		if explicit {
			writeExplicit(&out, group, elem, vr, value)
		} else {
			writeImplicit(&out, group, elem, value)
		}
	}

	write(0x0008, 0x0016, "UI", padUID(in.SOPClassUID))
	write(0x0008, 0x0018, "UI", padUID(in.SOPInstanceUID))
	if in.AccessionNumber != "" {
		write(0x0008, 0x0050, "SH", padText(in.AccessionNumber))
	}
	if in.Modality != "" {
		write(0x0008, 0x0060, "CS", padText(in.Modality))
	}
	if in.PatientID != "" {
		write(0x0010, 0x0020, "LO", padText(in.PatientID))
	}
	write(0x0020, 0x000D, "UI", padUID(in.StudyUID))
	write(0x0020, 0x000E, "UI", padUID(in.SeriesUID))

	if in.PixelBytes > 0 {
		pixels := make([]byte, (in.PixelBytes+1)&^1)
		for i := range pixels {
			pixels[i] = byte(i * 7)
		}
		write(0x7FE0, 0x0010, "OW", pixels)
	}

	return out.Bytes()
}

func writeExplicit(buf *bytes.Buffer, group, elem uint16, vr string, value []byte) {
	var tag [4]byte
	binary.LittleEndian.PutUint16(tag[0:2], group)
	binary.LittleEndian.PutUint16(tag[2:4], elem)
	buf.Write(tag[:])
	buf.WriteString(vr)

	switch vr {
	case "OB", "OW", "OF", "SQ", "UT", "UN":
		buf.Write([]byte{0, 0})
		var l [4]byte
		binary.LittleEndian.PutUint32(l[:], uint32(len(value)))
		buf.Write(l[:])
	default:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}

func writeImplicit(buf *bytes.Buffer, group, elem uint16, value []byte) {
	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:2], group)
	binary.LittleEndian.PutUint16(hdr[2:4], elem)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
	buf.Write(hdr[:])
	buf.Write(value)
}

func padUID(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, 0x00)
	}
	return b
}

func padText(s string) []byte {
	b := []byte(s)
	if len(b)%2 != 0 {
		b = append(b, ' ')
	}
	return b
}
