package dimse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Variable item types used inside A-ASSOCIATE PDUs (PS3.8 section 9.3.2).
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50

	subItemMaxLength          byte = 0x51
	subItemImplementationUID  byte = 0x52
	subItemImplementationName byte = 0x55
)

// writeItem appends one variable item: type, reserved, 16-bit length, data.
func writeItem(buf *bytes.Buffer, typ byte, data []byte) {
	var hdr [4]byte
	hdr[0] = typ
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(data)))
	buf.Write(hdr[:])
	buf.Write(data)
}

// forEachItem walks a sequence of variable items, calling fn for each.
func forEachItem(data []byte, fn func(typ byte, data []byte) error) error {
	for len(data) > 0 {
		if len(data) < 4 {
			return fmt.Errorf("dimse: short item header (%d bytes)", len(data))
		}
		typ := data[0]
		length := binary.BigEndian.Uint16(data[2:4])
		data = data[4:]
		if int(length) > len(data) {
			return fmt.Errorf("dimse: item 0x%02x length %d exceeds buffer", typ, length)
		}
		if err := fn(typ, data[:length]); err != nil {
			return err
		}
		data = data[length:]
	}
	return nil
}

func decodePresentationContextRQ(data []byte) (PresentationContextRQ, error) {
	var pc PresentationContextRQ
	if len(data) < 4 {
		return pc, fmt.Errorf("dimse: short presentation context rq")
	}
	pc.ID = data[0]
	err := forEachItem(data[4:], func(typ byte, sub []byte) error {
		switch typ {
		case itemAbstractSyntax:
			pc.AbstractSyntax = string(sub)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, string(sub))
		}
		return nil
	})
	if err != nil {
		return pc, err
	}
	if pc.AbstractSyntax == "" || len(pc.TransferSyntaxes) == 0 {
		return pc, fmt.Errorf("dimse: presentation context %d missing syntaxes", pc.ID)
	}
	return pc, nil
}

func decodePresentationContextAC(data []byte) (PresentationContextAC, error) {
	var pc PresentationContextAC
	if len(data) < 4 {
		return pc, fmt.Errorf("dimse: short presentation context ac")
	}
	pc.ID = data[0]
	pc.Result = data[2]
	err := forEachItem(data[4:], func(typ byte, sub []byte) error {
		if typ == itemTransferSyntax {
			pc.TransferSyntax = string(sub)
		}
		return nil
	})
	return pc, err
}

func encodeUserInformation(maxPDU uint32, implUID, implName string) []byte {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}

	var sub bytes.Buffer
	var maxLen [4]byte
	binary.BigEndian.PutUint32(maxLen[:], maxPDU)
	writeItem(&sub, subItemMaxLength, maxLen[:])
	if implUID != "" {
		writeItem(&sub, subItemImplementationUID, []byte(implUID))
	}
	if implName != "" {
		writeItem(&sub, subItemImplementationName, []byte(implName))
	}

	var out bytes.Buffer
	writeItem(&out, itemUserInformation, sub.Bytes())
	return out.Bytes()
}

func decodeUserInformation(data []byte, maxPDU *uint32, implUID, implName *string) error {
	return forEachItem(data, func(typ byte, sub []byte) error {
		switch typ {
		case subItemMaxLength:
			if len(sub) >= 4 {
				v := binary.BigEndian.Uint32(sub)
				if v > 0 {
					*maxPDU = v
				}
			}
		case subItemImplementationUID:
			*implUID = string(sub)
		case subItemImplementationName:
			*implName = string(sub)
		}
		return nil
	})
}
