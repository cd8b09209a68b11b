// Package dicom provides the minimal DICOM file inspection the gateway needs:
// verifying the Part 10 envelope and extracting the identity attributes used
// for cataloging. Objects are never re-encoded; inspection reads the stored
// bytes and leaves them untouched.
package dicom

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// preambleSize is the fixed Part 10 preamble preceding the "DICM" marker.
const preambleSize = 128

// undefinedLength marks elements and items of undefined length.
const undefinedLength = 0xFFFFFFFF

// InstanceMeta holds the attributes extracted from a stored object.
type InstanceMeta struct {
	StudyUID        string
	SeriesUID       string
	SOPClassUID     string
	SOPInstanceUID  string
	Modality        string
	AccessionNumber string
	PatientID       string
	TransferSyntax  string
}

// Validate checks that the attributes required for cataloging are present and
// well formed.
func (m *InstanceMeta) Validate() error {
	for _, f := range []struct {
		name, uid string
	}{
		{"study instance uid", m.StudyUID},
		{"series instance uid", m.SeriesUID},
		{"sop class uid", m.SOPClassUID},
		{"sop instance uid", m.SOPInstanceUID},
	} {
		if f.uid == "" {
			return fault.Newf(fault.KindValidation, "missing %s", f.name)
		}
		if !dimse.ValidUID(f.uid) {
			return fault.Newf(fault.KindValidation, "malformed %s %q", f.name, f.uid)
		}
	}
	return nil
}

// InspectFile opens path and extracts the instance attributes.
func InspectFile(path string) (*InstanceMeta, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.KindStorageIO, "open for inspection", err)
	}
	defer f.Close()
	return Inspect(f)
}

// Inspect reads a Part 10 stream from r and extracts the instance attributes.
// The stream must start with the 128-byte preamble and "DICM" marker; the
// file meta group determines the data set transfer syntax.
func Inspect(r io.Reader) (*InstanceMeta, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var head [preambleSize + 4]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		return nil, fault.Wrap(fault.KindValidation, "truncated preamble", err)
	}
	if string(head[preambleSize:]) != "DICM" {
		return nil, fault.New(fault.KindValidation, "missing DICM marker")
	}

	meta := &InstanceMeta{}

	transferSyntax, err := readFileMeta(br, meta)
	if err != nil {
		return nil, err
	}
	meta.TransferSyntax = transferSyntax

	var explicit bool
	switch transferSyntax {
	case dimse.ExplicitVRLittleEndian:
		explicit = true
	case dimse.ImplicitVRLittleEndian:
		explicit = false
	default:
		return nil, fault.Newf(fault.KindValidation, "unsupported transfer syntax %q", transferSyntax)
	}

	if err := scanDataSet(br, explicit, meta); err != nil {
		return nil, err
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// readFileMeta parses the group 0002 elements (always explicit VR little
// endian) and returns the transfer syntax UID for the data set.
func readFileMeta(br *bufio.Reader, meta *InstanceMeta) (string, error) {
	s := &scanner{r: br, explicit: true}

	// The first element must be the (0002,0000) group length so we know
	// where the data set begins.
	group, elem, vr, length, err := s.readElementHeader()
	if err != nil {
		return "", fault.Wrap(fault.KindValidation, "read file meta header", err)
	}
	if group != 0x0002 || elem != 0x0000 || vr != "UL" || length != 4 {
		return "", fault.New(fault.KindValidation, "file meta group length element missing")
	}
	var glBuf [4]byte
	if _, err := io.ReadFull(br, glBuf[:]); err != nil {
		return "", fault.Wrap(fault.KindValidation, "read file meta group length", err)
	}
	remaining := int64(binary.LittleEndian.Uint32(glBuf[:]))

	var transferSyntax string
	for remaining > 0 {
		group, elem, _, length, err := s.readElementHeader()
		if err != nil {
			return "", fault.Wrap(fault.KindValidation, "read file meta element", err)
		}
		remaining -= int64(s.lastHeaderSize)

		if group != 0x0002 {
			return "", fault.Newf(fault.KindValidation, "unexpected group %04x in file meta", group)
		}
		if length == undefinedLength || int64(length) > remaining {
			return "", fault.New(fault.KindValidation, "corrupt file meta element length")
		}

		switch elem {
		case 0x0010: // TransferSyntaxUID
			v, err := readString(br, length)
			if err != nil {
				return "", fault.Wrap(fault.KindValidation, "read transfer syntax", err)
			}
			transferSyntax = v
		case 0x0002: // MediaStorageSOPClassUID
			v, err := readString(br, length)
			if err != nil {
				return "", fault.Wrap(fault.KindValidation, "read media storage sop class", err)
			}
			if meta.SOPClassUID == "" {
				meta.SOPClassUID = v
			}
		case 0x0003: // MediaStorageSOPInstanceUID
			v, err := readString(br, length)
			if err != nil {
				return "", fault.Wrap(fault.KindValidation, "read media storage sop instance", err)
			}
			if meta.SOPInstanceUID == "" {
				meta.SOPInstanceUID = v
			}
		default:
			if err := skipBytes(br, int64(length)); err != nil {
				return "", fault.Wrap(fault.KindValidation, "skip file meta element", err)
			}
		}
		remaining -= int64(length)
	}

	if transferSyntax == "" {
		return "", fault.New(fault.KindValidation, "file meta without transfer syntax")
	}
	return transferSyntax, nil
}

// scanDataSet walks data set elements in tag order, capturing the attributes
// of interest and stopping once all possible matches are behind us. Sequence
// contents are skipped wholesale so nested tags never shadow top-level ones.
func scanDataSet(br *bufio.Reader, explicit bool, meta *InstanceMeta) error {
	s := &scanner{r: br, explicit: explicit}

	for {
		group, elem, vr, length, err := s.readElementHeader()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fault.Wrap(fault.KindValidation, "read data set element", err)
		}

		// Everything we need lives at or before (0020,000E).
		if group > 0x0020 || (group == 0x0020 && elem > 0x000E) {
			return nil
		}

		if length == undefinedLength {
			if err := s.skipUndefinedSequence(); err != nil {
				return fault.Wrap(fault.KindValidation, "skip sequence", err)
			}
			continue
		}
		if vr == "SQ" {
			if err := skipBytes(br, int64(length)); err != nil {
				return fault.Wrap(fault.KindValidation, "skip sequence", err)
			}
			continue
		}

		var dst *string
		switch {
		case group == 0x0008 && elem == 0x0016:
			dst = &meta.SOPClassUID
		case group == 0x0008 && elem == 0x0018:
			dst = &meta.SOPInstanceUID
		case group == 0x0008 && elem == 0x0050:
			dst = &meta.AccessionNumber
		case group == 0x0008 && elem == 0x0060:
			dst = &meta.Modality
		case group == 0x0010 && elem == 0x0020:
			dst = &meta.PatientID
		case group == 0x0020 && elem == 0x000D:
			dst = &meta.StudyUID
		case group == 0x0020 && elem == 0x000E:
			dst = &meta.SeriesUID
		}

		if dst == nil {
			if err := skipBytes(br, int64(length)); err != nil {
				return fault.Wrap(fault.KindValidation, "skip element", err)
			}
			continue
		}

		v, err := readString(br, length)
		if err != nil {
			return fault.Wrap(fault.KindValidation, "read element value", err)
		}
		*dst = v
	}
}

// scanner reads element headers in either implicit or explicit VR little
// endian.
type scanner struct {
	r        *bufio.Reader
	explicit bool

	// lastHeaderSize is the byte count of the most recent header, needed to
	// track the file meta group length.
	lastHeaderSize int
}

// longVRs take a 2-byte reserved field and a 4-byte length in explicit VR.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "OD": true, "OL": true,
	"SQ": true, "UC": true, "UR": true, "UT": true, "UN": true,
}

func (s *scanner) readElementHeader() (group, elem uint16, vr string, length uint32, err error) {
	var tag [4]byte
	if _, err = io.ReadFull(s.r, tag[:]); err != nil {
		return
	}
	group = binary.LittleEndian.Uint16(tag[0:2])
	elem = binary.LittleEndian.Uint16(tag[2:4])

	// Item and delimiter tags carry a bare 4-byte length in every syntax.
	if group == 0xFFFE {
		var lenBuf [4]byte
		if _, err = io.ReadFull(s.r, lenBuf[:]); err != nil {
			return
		}
		length = binary.LittleEndian.Uint32(lenBuf[:])
		s.lastHeaderSize = 8
		return
	}

	if !s.explicit {
		var lenBuf [4]byte
		if _, err = io.ReadFull(s.r, lenBuf[:]); err != nil {
			return
		}
		length = binary.LittleEndian.Uint32(lenBuf[:])
		s.lastHeaderSize = 8
		return
	}

	var vrBuf [2]byte
	if _, err = io.ReadFull(s.r, vrBuf[:]); err != nil {
		return
	}
	vr = string(vrBuf[:])

	if longVRs[vr] {
		var lenBuf [6]byte
		if _, err = io.ReadFull(s.r, lenBuf[:]); err != nil {
			return
		}
		length = binary.LittleEndian.Uint32(lenBuf[2:6])
		s.lastHeaderSize = 12
		return
	}

	var lenBuf [2]byte
	if _, err = io.ReadFull(s.r, lenBuf[:]); err != nil {
		return
	}
	length = uint32(binary.LittleEndian.Uint16(lenBuf[:]))
	s.lastHeaderSize = 8
	return
}

// skipUndefinedSequence consumes items until the sequence delimitation item.
// Called after reading a sequence header with undefined length.
func (s *scanner) skipUndefinedSequence() error {
	for {
		group, elem, _, length, err := s.readElementHeader()
		if err != nil {
			return err
		}
		if group != 0xFFFE {
			return fmt.Errorf("expected item tag, got (%04x,%04x)", group, elem)
		}
		switch elem {
		case 0xE0DD: // sequence delimitation
			return nil
		case 0xE000: // item
			if length == undefinedLength {
				if err := s.skipUndefinedItem(); err != nil {
					return err
				}
			} else if err := skipBytes(s.r, int64(length)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected delimiter (%04x,%04x) in sequence", group, elem)
		}
	}
}

// skipUndefinedItem consumes data set elements until the item delimitation
// item, recursing through nested undefined-length sequences.
func (s *scanner) skipUndefinedItem() error {
	for {
		group, elem, _, length, err := s.readElementHeader()
		if err != nil {
			return err
		}
		if group == 0xFFFE {
			if elem == 0xE00D {
				return nil
			}
			return fmt.Errorf("unexpected delimiter (%04x,%04x) in item", group, elem)
		}
		if length == undefinedLength {
			if err := s.skipUndefinedSequence(); err != nil {
				return err
			}
			continue
		}
		if err := skipBytes(s.r, int64(length)); err != nil {
			return err
		}
	}
}

// readString reads a length-delimited value and strips the even-length
// padding (space for text VRs, NUL for UIDs).
func readString(r io.Reader, length uint32) (string, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	for len(buf) > 0 {
		last := buf[len(buf)-1]
		if last != 0x00 && last != ' ' {
			break
		}
		buf = buf[:len(buf)-1]
	}
	return string(buf), nil
}

func skipBytes(r *bufio.Reader, n int64) error {
	_, err := r.Discard(int(n))
	return err
}
