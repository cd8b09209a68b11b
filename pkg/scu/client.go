// Package scu implements the outbound DICOM side: opening associations to
// destinations and pushing stored objects with C-STORE.
//
// An Association proposes one presentation context per (storage SOP class,
// transfer syntax) pair, so any object the gateway holds can be sent on a
// matching context without transcoding. Associations are reusable across
// stores; the forwarder keeps one open per destination and releases it when
// idle.
package scu

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/openimagery/dicomgw/internal/logger"
	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/fault"
)

// Config holds client-side defaults shared by all associations.
type Config struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IOTimeout      time.Duration `mapstructure:"io_timeout"`
	MaxPDULength   uint32        `mapstructure:"max_pdu_length"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.IOTimeout == 0 {
		c.IOTimeout = 60 * time.Second
	}
	if c.MaxPDULength == 0 {
		c.MaxPDULength = dimse.DefaultMaxPDULength
	}
}

// Target identifies one destination application entity.
type Target struct {
	Host      string
	Port      int
	CalledAE  string
	CallingAE string
	TLS       *tls.Config // nil for plaintext
}

func (t Target) addr() string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}

// acceptedContext is one negotiated presentation context.
type acceptedContext struct {
	id             byte
	transferSyntax string
}

// Association is an open, negotiated association to a target.
type Association struct {
	conn       net.Conn
	cfg        Config
	target     Target
	peerMaxPDU uint32
	// contexts maps abstract syntax + transfer syntax to the accepted
	// presentation context.
	contexts  map[[2]string]acceptedContext
	nextMsgID uint16
	lastUsed  time.Time
	closed    bool
}

// Connect dials the target and negotiates an association covering every
// storage SOP class the gateway handles, in every supported transfer syntax,
// plus verification.
func Connect(ctx context.Context, cfg Config, target Target) (*Association, error) {
	cfg.ApplyDefaults()

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	var conn net.Conn
	var err error
	if target.TLS != nil {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: target.TLS}).DialContext(ctx, "tcp", target.addr())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", target.addr())
	}
	if err != nil {
		return nil, fault.Wrap(fault.KindNetworkTransient, "dial destination", err)
	}

	a := &Association{
		conn:     conn,
		cfg:      cfg,
		target:   target,
		contexts: map[[2]string]acceptedContext{},
		lastUsed: time.Now(),
	}

	if err := a.negotiate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *Association) negotiate(ctx context.Context) error {
	rq := &dimse.AssociateRQ{
		CalledAE:           a.target.CalledAE,
		CallingAE:          a.target.CallingAE,
		MaxPDULength:       a.cfg.MaxPDULength,
		ImplementationUID:  dimse.ImplementationClassUID,
		ImplementationName: dimse.ImplementationVersionName,
	}

	var ctxID byte = 1
	proposed := map[byte][2]string{}
	add := func(abstract, transfer string) {
		rq.PresentationContexts = append(rq.PresentationContexts, dimse.PresentationContextRQ{
			ID:               ctxID,
			AbstractSyntax:   abstract,
			TransferSyntaxes: []string{transfer},
		})
		proposed[ctxID] = [2]string{abstract, transfer}
		ctxID += 2
	}

	add(dimse.VerificationSOPClass, dimse.ImplicitVRLittleEndian)
	for _, sop := range dimse.StorageSOPClasses {
		for _, ts := range dimse.SupportedTransferSyntaxes {
			add(sop, ts)
		}
	}

	a.deadline(ctx)
	if err := dimse.WritePDU(a.conn, dimse.PDUAssociateRQ, rq.Encode()); err != nil {
		return fault.Wrap(fault.KindNetworkTransient, "send associate-rq", err)
	}

	typ, body, err := dimse.ReadPDU(a.conn, 0)
	if err != nil {
		return fault.Wrap(fault.KindNetworkTransient, "read associate response", err)
	}

	switch typ {
	case dimse.PDUAssociateAC:
		ac, err := dimse.DecodeAssociateAC(body)
		if err != nil {
			return fault.Wrap(fault.KindNetworkTransient, "decode associate-ac", err)
		}
		a.peerMaxPDU = ac.MaxPDULength
		for _, pc := range ac.PresentationContexts {
			if pc.Result != dimse.ContextAccepted {
				continue
			}
			key, ok := proposed[pc.ID]
			if !ok {
				continue
			}
			a.contexts[key] = acceptedContext{id: pc.ID, transferSyntax: pc.TransferSyntax}
		}
		if len(a.contexts) == 0 {
			a.abort()
			return fault.New(fault.KindPeerRejectContext, "peer accepted no presentation contexts")
		}
		logger.Debug("association established",
			logger.CalledAE(a.target.CalledAE),
			"accepted_contexts", len(a.contexts),
			"peer_max_pdu", a.peerMaxPDU,
		)
		return nil

	case dimse.PDUAssociateRJ:
		rj, err := dimse.DecodeAssociateRJ(body)
		if err != nil {
			return fault.Wrap(fault.KindNetworkTransient, "decode associate-rj", err)
		}
		kind := fault.KindPeerRejectAssoc
		if rj.Result == dimse.RejectResultTransient {
			kind = fault.KindNetworkTransient
		}
		return fault.Wrap(kind, "association rejected", rj)

	case dimse.PDUAbort:
		ab, _ := dimse.DecodeAbort(body)
		return fault.Wrap(fault.KindNetworkTransient, "association aborted during negotiation", ab)

	default:
		return fault.Newf(fault.KindNetworkTransient, "unexpected %s during negotiation", typ)
	}
}

// Echo performs a C-ECHO over the association.
func (a *Association) Echo(ctx context.Context) error {
	pc, ok := a.contexts[[2]string{dimse.VerificationSOPClass, dimse.ImplicitVRLittleEndian}]
	if !ok {
		return fault.New(fault.KindPeerRejectContext, "verification context not accepted")
	}

	a.deadline(ctx)
	a.lastUsed = time.Now()

	rq := dimse.NewCEchoRQ(a.msgID())
	if err := dimse.WriteCommandMessage(a.conn, pc.id, rq, a.peerMaxPDU); err != nil {
		return fault.Wrap(fault.KindNetworkTransient, "send c-echo", err)
	}

	rsp, err := a.readResponse(ctx)
	if err != nil {
		return err
	}
	if rsp.Status != dimse.StatusSuccess {
		return fault.Newf(fault.KindPeerStatusFailure, "c-echo status 0x%04x", rsp.Status)
	}
	return nil
}

// Store sends one object as C-STORE, streaming the data set from r without
// re-encoding. The object's stored transfer syntax selects the presentation
// context; returns the peer's DIMSE status.
func (a *Association) Store(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntax string, r io.Reader) (uint16, error) {
	pc, ok := a.contexts[[2]string{sopClassUID, transferSyntax}]
	if !ok {
		return 0, fault.Newf(fault.KindPeerRejectContext,
			"no accepted context for %s in %s", sopClassUID, transferSyntax)
	}

	a.deadline(ctx)
	a.lastUsed = time.Now()

	rq := dimse.NewCStoreRQ(a.msgID(), sopClassUID, sopInstanceUID, 0)
	if err := dimse.WriteCommandMessage(a.conn, pc.id, rq, a.peerMaxPDU); err != nil {
		return 0, fault.Wrap(fault.KindNetworkTransient, "send c-store command", err)
	}

	if _, err := dimse.WriteDataMessage(a.conn, pc.id, r, a.peerMaxPDU); err != nil {
		return 0, fault.Wrap(fault.KindNetworkTransient, "send c-store data", err)
	}

	rsp, err := a.readResponse(ctx)
	if err != nil {
		return 0, err
	}
	a.lastUsed = time.Now()
	return rsp.Status, nil
}

// readResponse reads P-DATA-TF PDUs until a complete command set arrives.
func (a *Association) readResponse(ctx context.Context) (*dimse.Command, error) {
	var asm dimse.CommandAssembler
	for {
		a.deadline(ctx)
		typ, body, err := dimse.ReadPDU(a.conn, a.cfg.MaxPDULength)
		if err != nil {
			return nil, fault.Wrap(fault.KindNetworkTransient, "read response", err)
		}

		switch typ {
		case dimse.PDUPDataTF:
			pdvs, err := dimse.DecodePDataTF(body)
			if err != nil {
				return nil, fault.Wrap(fault.KindNetworkTransient, "decode p-data-tf", err)
			}
			for _, pdv := range pdvs {
				done, err := asm.Add(pdv)
				if err != nil {
					return nil, fault.Wrap(fault.KindNetworkTransient, "assemble response", err)
				}
				if done {
					cmd, err := asm.Command()
					if err != nil {
						return nil, fault.Wrap(fault.KindNetworkTransient, "decode response command", err)
					}
					return cmd, nil
				}
			}

		case dimse.PDUAbort:
			ab, _ := dimse.DecodeAbort(body)
			a.closed = true
			a.conn.Close()
			return nil, fault.Wrap(fault.KindNetworkTransient, "peer aborted", ab)

		default:
			return nil, fault.Newf(fault.KindNetworkTransient, "unexpected %s while awaiting response", typ)
		}
	}
}

// Release performs an orderly release and closes the connection.
func (a *Association) Release(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.closed = true
	defer a.conn.Close()

	a.deadline(ctx)
	if err := dimse.WriteReleaseRQ(a.conn); err != nil {
		return fault.Wrap(fault.KindNetworkTransient, "send release-rq", err)
	}
	// Best effort: read until release-rp or error.
	for {
		typ, _, err := dimse.ReadPDU(a.conn, a.cfg.MaxPDULength)
		if err != nil {
			return nil
		}
		if typ == dimse.PDUReleaseRP {
			return nil
		}
	}
}

// Abort sends A-ABORT and closes the connection.
func (a *Association) Abort() {
	if a.closed {
		return
	}
	a.abort()
}

func (a *Association) abort() {
	a.closed = true
	ab := &dimse.Abort{Source: dimse.AbortSourceServiceUser}
	_ = dimse.WritePDU(a.conn, dimse.PDUAbort, ab.Encode())
	a.conn.Close()
}

// IdleSince reports how long the association has been unused.
func (a *Association) IdleSince() time.Duration {
	return time.Since(a.lastUsed)
}

// Closed reports whether the association is no longer usable.
func (a *Association) Closed() bool { return a.closed }

func (a *Association) msgID() uint16 {
	a.nextMsgID++
	if a.nextMsgID == 0 {
		a.nextMsgID = 1
	}
	return a.nextMsgID
}

// deadline applies the sooner of the context deadline and the I/O timeout.
func (a *Association) deadline(ctx context.Context) {
	d := time.Now().Add(a.cfg.IOTimeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	a.conn.SetDeadline(d)
}
