package scp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/dicom"
	"github.com/openimagery/dicomgw/pkg/fault"
	"github.com/openimagery/dicomgw/pkg/objectstore"
)

// association is one inbound connection's protocol state.
type association struct {
	recv *Receiver
	conn net.Conn

	id        string
	callingAE string
	peerAddr  string

	// acceptedTS maps accepted presentation context IDs to their transfer
	// syntax.
	acceptedTS map[byte]string
	peerMaxPDU uint32
}

func newAssociation(r *Receiver, conn net.Conn) *association {
	return &association{
		recv:       r,
		conn:       conn,
		id:         uuid.NewString(),
		peerAddr:   conn.RemoteAddr().String(),
		acceptedTS: map[byte]string{},
		peerMaxPDU: dimse.DefaultMaxPDULength,
	}
}

// serve runs the association to completion. Protocol errors on one object
// are answered with an error status and the association continues; transport
// errors end it.
func (a *association) serve(ctx context.Context) {
	defer a.conn.Close()

	if !a.negotiate(ctx) {
		return
	}

	log := logger.With(
		logger.AssociationID(a.id),
		logger.CallingAE(a.callingAE),
		"peer_addr", a.peerAddr,
	)
	log.Info("association established")
	a.recordEvent(ctx, catalog.EventAssociationOpen, "", "")

	defer func() {
		log.Info("association closed")
		a.recordEvent(context.WithoutCancel(ctx), catalog.EventAssociationClose, "", "")
	}()

	for {
		if ctx.Err() != nil {
			a.abort(dimse.AbortSourceServiceProvider)
			return
		}

		a.setReadDeadline(a.recv.config.Timeouts.Idle)
		typ, body, err := dimse.ReadPDU(a.conn, a.recv.config.MaxPDULength)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("association read failed", logger.Err(err))
			}
			return
		}

		switch typ {
		case dimse.PDUPDataTF:
			pdvs, err := dimse.DecodePDataTF(body)
			if err != nil {
				log.Warn("bad p-data-tf", logger.Err(err))
				a.abort(dimse.AbortSourceServiceProvider)
				return
			}
			if err := a.handleMessage(ctx, pdvs); err != nil {
				log.Warn("message handling failed", logger.Err(err))
				a.abort(dimse.AbortSourceServiceProvider)
				return
			}

		case dimse.PDUReleaseRQ:
			a.setWriteDeadline()
			_ = dimse.WriteReleaseRP(a.conn)
			return

		case dimse.PDUAbort:
			log.Debug("peer aborted association")
			return

		default:
			log.Warn("unexpected pdu", "pdu", typ.String())
			a.abort(dimse.AbortSourceServiceProvider)
			return
		}
	}
}

// negotiate handles the A-ASSOCIATE-RQ and answers with AC or RJ.
func (a *association) negotiate(ctx context.Context) bool {
	a.setReadDeadline(a.recv.config.Timeouts.Read)
	typ, body, err := dimse.ReadPDU(a.conn, dimse.AbsoluteMaxPDULength)
	if err != nil || typ != dimse.PDUAssociateRQ {
		return false
	}

	rq, err := dimse.DecodeAssociateRQ(body)
	if err != nil {
		logger.Debug("malformed associate-rq", "peer_addr", a.peerAddr, logger.Err(err))
		a.reject(dimse.RejectReasonNoReason, dimse.RejectSourceServiceProvider)
		return false
	}

	a.callingAE = rq.CallingAE
	a.peerMaxPDU = rq.MaxPDULength

	if rq.ApplicationContext != dimse.ApplicationContextName {
		a.reject(dimse.RejectReasonAppContextNotSupported, dimse.RejectSourceServiceUser)
		return false
	}
	if rq.CalledAE != a.recv.config.AETitle {
		a.recordEvent(ctx, catalog.EventObjectRejected, "",
			"called AE "+rq.CalledAE+" not recognized")
		a.reject(dimse.RejectReasonCalledAENotRecognized, dimse.RejectSourceServiceUser)
		return false
	}
	if !a.callingAllowed(rq.CallingAE) {
		a.recordEvent(ctx, catalog.EventObjectRejected, "",
			"calling AE "+rq.CallingAE+" not allowed")
		a.reject(dimse.RejectReasonCallingAENotRecognized, dimse.RejectSourceServiceUser)
		return false
	}

	ac := &dimse.AssociateAC{
		CalledAE:           rq.CalledAE,
		CallingAE:          rq.CallingAE,
		MaxPDULength:       a.recv.config.MaxPDULength,
		ImplementationUID:  dimse.ImplementationClassUID,
		ImplementationName: dimse.ImplementationVersionName,
	}

	for _, pc := range rq.PresentationContexts {
		result := dimse.ContextAccepted
		chosenTS := ""

		if pc.AbstractSyntax != dimse.VerificationSOPClass &&
			!dimse.IsStorageSOPClass(pc.AbstractSyntax) {
			result = dimse.ContextAbstractSyntaxRejected
		} else {
			for _, ts := range dimse.SupportedTransferSyntaxes {
				for _, offered := range pc.TransferSyntaxes {
					if ts == offered {
						chosenTS = ts
						break
					}
				}
				if chosenTS != "" {
					break
				}
			}
			if chosenTS == "" {
				result = dimse.ContextTransferSyntaxRejected
			}
		}

		if result == dimse.ContextAccepted {
			a.acceptedTS[pc.ID] = chosenTS
		}
		if chosenTS == "" && len(pc.TransferSyntaxes) > 0 {
			chosenTS = pc.TransferSyntaxes[0]
		}
		ac.PresentationContexts = append(ac.PresentationContexts, dimse.PresentationContextAC{
			ID:             pc.ID,
			Result:         result,
			TransferSyntax: chosenTS,
		})
	}

	a.setWriteDeadline()
	if err := dimse.WritePDU(a.conn, dimse.PDUAssociateAC, ac.Encode()); err != nil {
		return false
	}
	return len(a.acceptedTS) > 0
}

func (a *association) callingAllowed(ae string) bool {
	if !dimse.ValidAETitle(ae) {
		return false
	}
	allowed := a.recv.config.AllowedCallingAEs
	if len(allowed) == 0 {
		return true
	}
	for _, v := range allowed {
		if v == ae {
			return true
		}
	}
	return false
}

// handleMessage assembles one command set from pdvs (reading further PDUs if
// the command spans several) and dispatches it.
func (a *association) handleMessage(ctx context.Context, pdvs []dimse.PresentationDataValue) error {
	var asm dimse.CommandAssembler
	pending, err := a.assemble(&asm, pdvs)
	if err != nil {
		return err
	}
	for pending == nil {
		more, err := a.readDataPDVs()
		if err != nil {
			return err
		}
		pending, err = a.assemble(&asm, more)
		if err != nil {
			return err
		}
	}

	cmd, err := asm.Command()
	if err != nil {
		return err
	}

	switch cmd.CommandField {
	case dimse.CommandCEchoRQ:
		a.setWriteDeadline()
		return dimse.WriteCommandMessage(a.conn, asm.ContextID,
			dimse.NewCEchoRSP(cmd, dimse.StatusSuccess), a.peerMaxPDU)

	case dimse.CommandCStoreRQ:
		return a.handleCStore(ctx, asm.ContextID, cmd, pending.leftover)

	default:
		return fault.Newf(fault.KindValidation, "unsupported command 0x%04x", cmd.CommandField)
	}
}

// assembled marks command completion and carries any data PDVs that arrived
// in the same PDU.
type assembled struct {
	leftover []dimse.PresentationDataValue
}

func (a *association) assemble(asm *dimse.CommandAssembler, pdvs []dimse.PresentationDataValue) (*assembled, error) {
	for i, pdv := range pdvs {
		done, err := asm.Add(pdv)
		if err != nil {
			return nil, err
		}
		if done {
			return &assembled{leftover: pdvs[i+1:]}, nil
		}
	}
	return nil, nil
}

func (a *association) readDataPDVs() ([]dimse.PresentationDataValue, error) {
	a.setReadDeadline(a.recv.config.Timeouts.Read)
	typ, body, err := dimse.ReadPDU(a.conn, a.recv.config.MaxPDULength)
	if err != nil {
		return nil, err
	}
	if typ != dimse.PDUPDataTF {
		return nil, fault.Newf(fault.KindValidation, "unexpected %s inside message", typ)
	}
	return dimse.DecodePDataTF(body)
}

// handleCStore streams the data set into scratch storage, publishes it and
// admits it to the catalog. Object-level failures answer an error status and
// keep the association alive.
func (a *association) handleCStore(ctx context.Context, ctxID byte, cmd *dimse.Command, leftover []dimse.PresentationDataValue) error {
	start := time.Now()

	sc, err := a.recv.store.NewScratch()
	if err != nil {
		// Cannot even buffer the object; drain is impossible, abort.
		return err
	}
	defer sc.Discard()

	if err := a.receiveDataSet(sc, ctxID, leftover); err != nil {
		return err
	}

	status := a.processObject(ctx, cmd, sc, start)

	a.setWriteDeadline()
	return dimse.WriteCommandMessage(a.conn, ctxID,
		dimse.NewCStoreRSP(cmd, status), a.peerMaxPDU)
}

// receiveDataSet writes data PDVs for one message into the scratch file.
func (a *association) receiveDataSet(sc *objectstore.Scratch, ctxID byte, pdvs []dimse.PresentationDataValue) error {
	for {
		for _, pdv := range pdvs {
			if pdv.Command {
				return fault.New(fault.KindValidation, "command pdv inside data set")
			}
			if pdv.ContextID != ctxID {
				return fault.Newf(fault.KindValidation,
					"data set spans contexts %d and %d", ctxID, pdv.ContextID)
			}
			if _, err := sc.Write(pdv.Data); err != nil {
				return err
			}
			if pdv.Last {
				return nil
			}
		}
		var err error
		pdvs, err = a.readDataPDVs()
		if err != nil {
			return err
		}
	}
}

// processObject validates, publishes and admits a fully received object,
// returning the DIMSE status to answer.
func (a *association) processObject(ctx context.Context, cmd *dimse.Command, sc *objectstore.Scratch, start time.Time) uint16 {
	log := logger.With(
		logger.AssociationID(a.id),
		logger.CallingAE(a.callingAE),
	)

	meta, err := dicom.InspectFile(sc.Path())
	if err != nil {
		return a.objectFailure(ctx, log, cmd, err, "inspect")
	}
	if cmd.AffectedSOPInstance != "" && cmd.AffectedSOPInstance != meta.SOPInstanceUID {
		err := fault.Newf(fault.KindValidation,
			"command sop instance %s does not match data set %s",
			cmd.AffectedSOPInstance, meta.SOPInstanceUID)
		return a.objectFailure(ctx, log, cmd, err, "inspect")
	}

	ref, err := a.recv.store.Publish(sc, meta.StudyUID, meta.SeriesUID, meta.SOPInstanceUID)
	if err != nil {
		return a.objectFailure(ctx, log, cmd, err, "publish")
	}

	_, err = a.recv.admit.Admit(ctx, catalog.AdmitRequest{
		StudyUID:          meta.StudyUID,
		SeriesUID:         meta.SeriesUID,
		SOPInstanceUID:    meta.SOPInstanceUID,
		SOPClassUID:       meta.SOPClassUID,
		TransferSyntaxUID: meta.TransferSyntax,
		Modality:          meta.Modality,
		AccessionNumber:   meta.AccessionNumber,
		PatientID:         meta.PatientID,
		SizeBytes:         ref.Size,
		ContentSHA256:     ref.SHA256,
		RelPath:           ref.RelPath,
		CallingAE:         a.callingAE,
		PeerAddr:          a.peerAddr,
		AssociationID:     a.id,
		Labels:            a.recv.config.Labels,
		ReceiveStarted:    start,
		ReceiveFinished:   time.Now(),
		Duplicate:         ref.Duplicate,
	})
	if err != nil {
		// The object is on disk but not cataloged; tell the peer to resend
		// later rather than dropping it silently.
		return a.objectFailure(ctx, log, cmd, err, "admit")
	}

	a.recv.metrics.ObjectStored(ref.Size, time.Since(start))
	log.Info("object stored",
		logger.InstanceUID(meta.SOPInstanceUID),
		logger.StudyUID(meta.StudyUID),
		logger.Bytes(ref.Size),
		logger.DurationMs(logger.Duration(start)),
		"duplicate", ref.Duplicate,
	)
	return dimse.StatusSuccess
}

// objectFailure records and classifies a per-object failure, mapping the
// fault kind to the DIMSE status answered to the peer.
func (a *association) objectFailure(ctx context.Context, log *slog.Logger, cmd *dimse.Command, err error, stage string) uint16 {
	kind := fault.KindOf(err)
	log.Warn("object failed",
		"stage", stage,
		logger.InstanceUID(cmd.AffectedSOPInstance),
		"error_kind", string(kind),
		logger.Err(err),
	)
	a.recv.metrics.ObjectRejected(string(kind))

	eventType := catalog.EventObjectRejected
	if kind == fault.KindCatalogConflict {
		eventType = catalog.EventObjectConflict
	}
	a.recordEvent(ctx, eventType, cmd.AffectedSOPInstance, fault.DetailOf(err, 512))

	switch kind {
	case fault.KindValidation:
		return dimse.StatusCannotUnderstand
	case fault.KindCatalogConflict:
		return dimse.StatusProcessingFailure
	case fault.KindStorageIO, fault.KindCatalogUnavailable:
		return dimse.StatusOutOfResources
	default:
		return dimse.StatusProcessingFailure
	}
}

func (a *association) recordEvent(ctx context.Context, eventType, sopInstanceUID, detail string) {
	err := a.recv.admit.RecordEvent(ctx, catalog.IngestEvent{
		EventType:      eventType,
		SOPInstanceUID: sopInstanceUID,
		CallingAE:      a.callingAE,
		PeerAddr:       a.peerAddr,
		AssociationID:  a.id,
		Detail:         detail,
	})
	if err != nil {
		logger.Warn("failed to record ingest event",
			"event_type", eventType, logger.Err(err))
	}
}

func (a *association) reject(reason, source byte) {
	a.setWriteDeadline()
	rj := &dimse.AssociateRJ{
		Result: dimse.RejectResultPermanent,
		Source: source,
		Reason: reason,
	}
	_ = dimse.WritePDU(a.conn, dimse.PDUAssociateRJ, rj.Encode())
}

func (a *association) abort(source byte) {
	a.setWriteDeadline()
	ab := &dimse.Abort{Source: source}
	_ = dimse.WritePDU(a.conn, dimse.PDUAbort, ab.Encode())
}

func (a *association) setReadDeadline(d time.Duration) {
	_ = a.conn.SetReadDeadline(time.Now().Add(d))
}

func (a *association) setWriteDeadline() {
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.recv.config.Timeouts.Write))
}
