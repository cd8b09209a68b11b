package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// PDUType identifies an Upper Layer protocol data unit (PS3.8 section 9.3).
type PDUType byte

const (
	PDUAssociateRQ PDUType = 0x01
	PDUAssociateAC PDUType = 0x02
	PDUAssociateRJ PDUType = 0x03
	PDUPDataTF     PDUType = 0x04
	PDUReleaseRQ   PDUType = 0x05
	PDUReleaseRP   PDUType = 0x06
	PDUAbort       PDUType = 0x07
)

func (t PDUType) String() string {
	switch t {
	case PDUAssociateRQ:
		return "A-ASSOCIATE-RQ"
	case PDUAssociateAC:
		return "A-ASSOCIATE-AC"
	case PDUAssociateRJ:
		return "A-ASSOCIATE-RJ"
	case PDUPDataTF:
		return "P-DATA-TF"
	case PDUReleaseRQ:
		return "A-RELEASE-RQ"
	case PDUReleaseRP:
		return "A-RELEASE-RP"
	case PDUAbort:
		return "A-ABORT"
	default:
		return fmt.Sprintf("PDU(0x%02x)", byte(t))
	}
}

const (
	// DefaultMaxPDULength is the maximum PDU length offered when the
	// configuration does not override it.
	DefaultMaxPDULength = 16384

	// AbsoluteMaxPDULength bounds what we accept from a peer regardless of
	// negotiation, protecting against hostile length fields.
	AbsoluteMaxPDULength = 16 * 1024 * 1024

	// protocolVersion is the only version defined by PS3.8.
	protocolVersion = 0x0001
)

// Presentation context negotiation results (PS3.8 table 9-18).
const (
	ContextAccepted               byte = 0
	ContextUserRejection          byte = 1
	ContextNoReason               byte = 2
	ContextAbstractSyntaxRejected byte = 3
	ContextTransferSyntaxRejected byte = 4
)

// A-ASSOCIATE-RJ / A-ABORT source and reason codes used by the gateway.
const (
	RejectResultPermanent byte = 1
	RejectResultTransient byte = 2

	RejectSourceServiceUser     byte = 1
	RejectSourceServiceProvider byte = 2

	RejectReasonNoReason           byte = 1
	RejectReasonAppContextNotSupported byte = 2
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7

	AbortSourceServiceUser     byte = 0
	AbortSourceServiceProvider byte = 2
)

// ErrPDUTooLarge is returned when a peer announces a PDU beyond the
// negotiated or absolute bound.
var ErrPDUTooLarge = fmt.Errorf("dimse: pdu exceeds maximum length")

// ReadPDU reads one PDU header and body from r. maxLen bounds the accepted
// body length; zero means AbsoluteMaxPDULength.
func ReadPDU(r io.Reader, maxLen uint32) (PDUType, []byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}

	pduType := PDUType(header[0])
	length := binary.BigEndian.Uint32(header[2:6])

	limit := maxLen
	if limit == 0 || limit > AbsoluteMaxPDULength {
		limit = AbsoluteMaxPDULength
	}
	if length > limit {
		return pduType, nil, fmt.Errorf("%w: %d > %d", ErrPDUTooLarge, length, limit)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return pduType, nil, fmt.Errorf("read %s body: %w", pduType, err)
	}

	return pduType, body, nil
}

// WritePDU writes one PDU with the standard 6-byte header.
func WritePDU(w io.Writer, t PDUType, body []byte) error {
	var header [6]byte
	header[0] = byte(t)
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// PresentationContextRQ is a proposed presentation context from an
// A-ASSOCIATE-RQ.
type PresentationContextRQ struct {
	ID               byte // odd, unique within the association
	AbstractSyntax   string
	TransferSyntaxes []string
}

// PresentationContextAC is the acceptor's answer for one proposed context.
type PresentationContextAC struct {
	ID             byte
	Result         byte
	TransferSyntax string // meaningful only when Result == ContextAccepted
}

// AssociateRQ is the decoded body of an A-ASSOCIATE-RQ PDU.
type AssociateRQ struct {
	CalledAE             string
	CallingAE            string
	ApplicationContext   string
	PresentationContexts []PresentationContextRQ
	MaxPDULength         uint32
	ImplementationUID    string
	ImplementationName   string
}

// AssociateAC is the decoded body of an A-ASSOCIATE-AC PDU.
type AssociateAC struct {
	CalledAE             string
	CallingAE            string
	ApplicationContext   string
	PresentationContexts []PresentationContextAC
	MaxPDULength         uint32
	ImplementationUID    string
	ImplementationName   string
}

// AssociateRJ is the decoded body of an A-ASSOCIATE-RJ PDU.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (rj *AssociateRJ) Error() string {
	return fmt.Sprintf("association rejected (result=%d source=%d reason=%d)", rj.Result, rj.Source, rj.Reason)
}

// Abort is the decoded body of an A-ABORT PDU.
type Abort struct {
	Source byte
	Reason byte
}

func (a *Abort) Error() string {
	return fmt.Sprintf("association aborted (source=%d reason=%d)", a.Source, a.Reason)
}

// encodeAssociateBody renders the fixed header plus variable items shared by
// A-ASSOCIATE-RQ and A-ASSOCIATE-AC.
func encodeAssociateBody(calledAE, callingAE string, items []byte) []byte {
	var buf bytes.Buffer

	var fixed [68]byte
	binary.BigEndian.PutUint16(fixed[0:2], protocolVersion)
	called := padAE(calledAE)
	calling := padAE(callingAE)
	copy(fixed[4:20], called[:])
	copy(fixed[20:36], calling[:])
	// fixed[36:68] reserved

	buf.Write(fixed[:])
	buf.Write(items)
	return buf.Bytes()
}

// Encode renders the A-ASSOCIATE-RQ body.
func (rq *AssociateRQ) Encode() []byte {
	var items bytes.Buffer

	appCtx := rq.ApplicationContext
	if appCtx == "" {
		appCtx = ApplicationContextName
	}
	writeItem(&items, itemApplicationContext, []byte(appCtx))

	for _, pc := range rq.PresentationContexts {
		var sub bytes.Buffer
		sub.Write([]byte{pc.ID, 0, 0, 0})
		writeItem(&sub, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&sub, itemTransferSyntax, []byte(ts))
		}
		writeItem(&items, itemPresentationContextRQ, sub.Bytes())
	}

	items.Write(encodeUserInformation(rq.MaxPDULength, rq.ImplementationUID, rq.ImplementationName))

	return encodeAssociateBody(rq.CalledAE, rq.CallingAE, items.Bytes())
}

// Encode renders the A-ASSOCIATE-AC body.
func (ac *AssociateAC) Encode() []byte {
	var items bytes.Buffer

	appCtx := ac.ApplicationContext
	if appCtx == "" {
		appCtx = ApplicationContextName
	}
	writeItem(&items, itemApplicationContext, []byte(appCtx))

	for _, pc := range ac.PresentationContexts {
		var sub bytes.Buffer
		sub.Write([]byte{pc.ID, 0, pc.Result, 0})
		// The transfer syntax sub-item is present even on rejection; its
		// value is ignored by the requester in that case.
		writeItem(&sub, itemTransferSyntax, []byte(pc.TransferSyntax))
		writeItem(&items, itemPresentationContextAC, sub.Bytes())
	}

	items.Write(encodeUserInformation(ac.MaxPDULength, ac.ImplementationUID, ac.ImplementationName))

	return encodeAssociateBody(ac.CalledAE, ac.CallingAE, items.Bytes())
}

// Encode renders the A-ASSOCIATE-RJ body.
func (rj *AssociateRJ) Encode() []byte {
	return []byte{0, rj.Result, rj.Source, rj.Reason}
}

// Encode renders the A-ABORT body.
func (a *Abort) Encode() []byte {
	return []byte{0, 0, a.Source, a.Reason}
}

// releaseBody is shared by A-RELEASE-RQ and A-RELEASE-RP (4 reserved bytes).
var releaseBody = []byte{0, 0, 0, 0}

// WriteReleaseRQ writes an A-RELEASE-RQ PDU.
func WriteReleaseRQ(w io.Writer) error { return WritePDU(w, PDUReleaseRQ, releaseBody) }

// WriteReleaseRP writes an A-RELEASE-RP PDU.
func WriteReleaseRP(w io.Writer) error { return WritePDU(w, PDUReleaseRP, releaseBody) }

// DecodeAssociateRQ parses an A-ASSOCIATE-RQ body.
func DecodeAssociateRQ(body []byte) (*AssociateRQ, error) {
	fixed, items, err := splitAssociateBody(body)
	if err != nil {
		return nil, err
	}

	rq := &AssociateRQ{
		CalledAE:     trimAE(fixed[4:20]),
		CallingAE:    trimAE(fixed[20:36]),
		MaxPDULength: DefaultMaxPDULength,
	}

	err = forEachItem(items, func(typ byte, data []byte) error {
		switch typ {
		case itemApplicationContext:
			rq.ApplicationContext = string(data)
		case itemPresentationContextRQ:
			pc, err := decodePresentationContextRQ(data)
			if err != nil {
				return err
			}
			rq.PresentationContexts = append(rq.PresentationContexts, pc)
		case itemUserInformation:
			return decodeUserInformation(data, &rq.MaxPDULength, &rq.ImplementationUID, &rq.ImplementationName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(rq.PresentationContexts) == 0 {
		return nil, fmt.Errorf("dimse: associate-rq without presentation contexts")
	}
	return rq, nil
}

// DecodeAssociateAC parses an A-ASSOCIATE-AC body.
func DecodeAssociateAC(body []byte) (*AssociateAC, error) {
	fixed, items, err := splitAssociateBody(body)
	if err != nil {
		return nil, err
	}

	ac := &AssociateAC{
		CalledAE:     trimAE(fixed[4:20]),
		CallingAE:    trimAE(fixed[20:36]),
		MaxPDULength: DefaultMaxPDULength,
	}

	err = forEachItem(items, func(typ byte, data []byte) error {
		switch typ {
		case itemApplicationContext:
			ac.ApplicationContext = string(data)
		case itemPresentationContextAC:
			pc, err := decodePresentationContextAC(data)
			if err != nil {
				return err
			}
			ac.PresentationContexts = append(ac.PresentationContexts, pc)
		case itemUserInformation:
			return decodeUserInformation(data, &ac.MaxPDULength, &ac.ImplementationUID, &ac.ImplementationName)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ac, nil
}

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ body.
func DecodeAssociateRJ(body []byte) (*AssociateRJ, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dimse: short associate-rj body (%d bytes)", len(body))
	}
	return &AssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

// DecodeAbort parses an A-ABORT body.
func DecodeAbort(body []byte) (*Abort, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("dimse: short abort body (%d bytes)", len(body))
	}
	return &Abort{Source: body[2], Reason: body[3]}, nil
}

func splitAssociateBody(body []byte) (fixed, items []byte, err error) {
	if len(body) < 68 {
		return nil, nil, fmt.Errorf("dimse: short associate body (%d bytes)", len(body))
	}
	version := binary.BigEndian.Uint16(body[0:2])
	if version&protocolVersion == 0 {
		return nil, nil, fmt.Errorf("dimse: unsupported protocol version 0x%04x", version)
	}
	return body[:68], body[68:], nil
}

// PresentationDataValue is one PDV inside a P-DATA-TF PDU.
type PresentationDataValue struct {
	ContextID byte
	Command   bool // message control header bit 0
	Last      bool // message control header bit 1
	Data      []byte
}

// EncodePDataTF renders one or more PDVs into a P-DATA-TF body.
func EncodePDataTF(pdvs ...PresentationDataValue) []byte {
	var buf bytes.Buffer
	for _, pdv := range pdvs {
		var ctrl byte
		if pdv.Command {
			ctrl |= 0x01
		}
		if pdv.Last {
			ctrl |= 0x02
		}
		var hdr [6]byte
		binary.BigEndian.PutUint32(hdr[0:4], uint32(2+len(pdv.Data)))
		hdr[4] = pdv.ContextID
		hdr[5] = ctrl
		buf.Write(hdr[:])
		buf.Write(pdv.Data)
	}
	return buf.Bytes()
}

// DecodePDataTF parses a P-DATA-TF body into its PDVs. The returned Data
// slices alias the body buffer.
func DecodePDataTF(body []byte) ([]PresentationDataValue, error) {
	var pdvs []PresentationDataValue
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("dimse: short pdv header (%d bytes)", len(body))
		}
		length := binary.BigEndian.Uint32(body[0:4])
		if length < 2 || int(length) > len(body)-4 {
			return nil, fmt.Errorf("dimse: bad pdv length %d", length)
		}
		ctrl := body[5]
		pdvs = append(pdvs, PresentationDataValue{
			ContextID: body[4],
			Command:   ctrl&0x01 != 0,
			Last:      ctrl&0x02 != 0,
			Data:      body[6 : 4+length],
		})
		body = body[4+length:]
	}
	if len(pdvs) == 0 {
		return nil, fmt.Errorf("dimse: empty p-data-tf")
	}
	return pdvs, nil
}
