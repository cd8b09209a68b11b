package dimse

import (
	"bytes"
	"fmt"
	"io"
)

// pdvOverhead is the fixed per-PDV framing inside a P-DATA-TF body.
const pdvOverhead = 6

// chunkSize derives the usable PDV payload size from the peer's maximum PDU
// length.
func chunkSize(maxPDU uint32) int {
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	if maxPDU > AbsoluteMaxPDULength {
		maxPDU = AbsoluteMaxPDULength
	}
	return int(maxPDU) - pdvOverhead
}

// WriteCommandMessage encodes cmd and sends it as one or more P-DATA-TF PDUs
// on the given presentation context.
func WriteCommandMessage(w io.Writer, ctxID byte, cmd *Command, maxPDU uint32) error {
	data := cmd.Encode()
	chunk := chunkSize(maxPDU)

	for len(data) > 0 {
		n := len(data)
		if n > chunk {
			n = chunk
		}
		pdv := PresentationDataValue{
			ContextID: ctxID,
			Command:   true,
			Last:      n == len(data),
			Data:      data[:n],
		}
		if err := WritePDU(w, PDUPDataTF, EncodePDataTF(pdv)); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// WriteDataMessage streams the data set from r as P-DATA-TF PDUs, fragmenting
// to the peer's maximum PDU length. The stream is forwarded verbatim; no
// re-encoding happens here. Returns the number of payload bytes sent.
func WriteDataMessage(w io.Writer, ctxID byte, r io.Reader, maxPDU uint32) (int64, error) {
	chunk := chunkSize(maxPDU)
	buf := make([]byte, chunk)

	var sent int64
	var pending []byte // one chunk held back so the final fragment can be marked last

	flush := func(data []byte, last bool) error {
		pdv := PresentationDataValue{
			ContextID: ctxID,
			Last:      last,
			Data:      data,
		}
		if err := WritePDU(w, PDUPDataTF, EncodePDataTF(pdv)); err != nil {
			return err
		}
		sent += int64(len(data))
		return nil
	}

	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if pending != nil {
				if err := flush(pending, false); err != nil {
					return sent, err
				}
			}
			pending = append(pending[:0], buf[:n]...)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return sent, err
		}
	}

	if pending == nil {
		return 0, fmt.Errorf("dimse: empty data set stream")
	}
	return sent, flush(pending, true)
}

// CommandAssembler accumulates command PDVs until the last fragment arrives.
type CommandAssembler struct {
	ContextID byte
	buf       bytes.Buffer
	started   bool
}

// Add consumes one PDV. It returns true when the command set is complete.
func (a *CommandAssembler) Add(pdv PresentationDataValue) (bool, error) {
	if !pdv.Command {
		return false, fmt.Errorf("dimse: data pdv while expecting command fragment")
	}
	if !a.started {
		a.ContextID = pdv.ContextID
		a.started = true
	} else if pdv.ContextID != a.ContextID {
		return false, fmt.Errorf("dimse: command fragments span contexts %d and %d", a.ContextID, pdv.ContextID)
	}
	a.buf.Write(pdv.Data)
	return pdv.Last, nil
}

// Command decodes the assembled command set and resets the assembler.
func (a *CommandAssembler) Command() (*Command, error) {
	cmd, err := DecodeCommand(a.buf.Bytes())
	a.buf.Reset()
	a.started = false
	return cmd, err
}
