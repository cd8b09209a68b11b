package scp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openimagery/dicomgw/internal/protocol/dimse"
	"github.com/openimagery/dicomgw/pkg/catalog"
	"github.com/openimagery/dicomgw/pkg/dicom/dicomtest"
	"github.com/openimagery/dicomgw/pkg/objectstore"
	"github.com/openimagery/dicomgw/pkg/scu"
)

// stubAdmitter records admissions and events in memory.
type stubAdmitter struct {
	mu     sync.Mutex
	admits []catalog.AdmitRequest
	events []catalog.IngestEvent
	fail   error
}

func (s *stubAdmitter) Admit(_ context.Context, req catalog.AdmitRequest) (catalog.AdmitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return catalog.AdmitResult{}, s.fail
	}
	s.admits = append(s.admits, req)
	return catalog.AdmitResult{NewInstance: !req.Duplicate}, nil
}

func (s *stubAdmitter) RecordEvent(_ context.Context, ev catalog.IngestEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *stubAdmitter) admitted() []catalog.AdmitRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.AdmitRequest(nil), s.admits...)
}

type testGateway struct {
	store    *objectstore.Store
	admitter *stubAdmitter
	port     int
	cancel   context.CancelFunc
	served   chan error
	stopOnce sync.Once
	stopErr  error
}

// stop cancels the receiver and waits for Serve to return. Safe to call more
// than once.
func (gw *testGateway) stop(t *testing.T) error {
	t.Helper()
	gw.stopOnce.Do(func() {
		gw.cancel()
		select {
		case gw.stopErr = <-gw.served:
		case <-time.After(10 * time.Second):
			t.Error("receiver did not shut down")
		}
	})
	return gw.stopErr
}

func startGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()

	store, err := objectstore.New(t.TempDir(), "test-worker")
	require.NoError(t, err)

	admitter := &stubAdmitter{}
	recv := New(cfg, store, admitter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- recv.Serve(ctx) }()

	select {
	case <-recv.Ready():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("receiver never became ready")
	}

	gw := &testGateway{
		store:    store,
		admitter: admitter,
		port:     recv.Addr().(*net.TCPAddr).Port,
		cancel:   cancel,
		served:   served,
	}
	t.Cleanup(func() { gw.stop(t) })
	return gw
}

func connect(t *testing.T, gw *testGateway, callingAE, calledAE string) *scu.Association {
	t.Helper()
	assoc, err := scu.Connect(context.Background(), scu.Config{}, scu.Target{
		Host:      "127.0.0.1",
		Port:      gw.port,
		CalledAE:  calledAE,
		CallingAE: callingAE,
	})
	require.NoError(t, err)
	return assoc
}

func TestEchoLoopback(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	assoc := connect(t, gw, "TESTER", "GATEWAY")
	defer assoc.Release(context.Background())

	require.NoError(t, assoc.Echo(context.Background()))
}

func TestStoreLoopbackPreservesBytes(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY", Labels: []string{"research"}})

	in := dicomtest.Default()
	in.PixelBytes = 1 << 20 // force many P-DATA fragments
	payload := in.Encode()

	assoc := connect(t, gw, "CT_SCANNER", "GATEWAY")
	defer assoc.Release(context.Background())

	status, err := assoc.Store(context.Background(),
		in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
		bytesReader(payload))
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusSuccess, status)

	admits := gw.admitter.admitted()
	require.Len(t, admits, 1)
	req := admits[0]
	assert.Equal(t, in.StudyUID, req.StudyUID)
	assert.Equal(t, in.SeriesUID, req.SeriesUID)
	assert.Equal(t, in.SOPInstanceUID, req.SOPInstanceUID)
	assert.Equal(t, "CT_SCANNER", req.CallingAE)
	assert.Equal(t, int64(len(payload)), req.SizeBytes)
	assert.Equal(t, []string{"research"}, req.Labels)
	assert.False(t, req.ReceiveStarted.IsZero())
	assert.False(t, req.ReceiveFinished.Before(req.ReceiveStarted))

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), req.ContentSHA256)

	f, size, err := gw.store.Open(req.RelPath)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(payload)), size)

	stored, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, payload, stored, "stored bytes must match the sent stream exactly")
}

func TestStoreMultipleObjectsOneAssociation(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	assoc := connect(t, gw, "CT_SCANNER", "GATEWAY")
	defer assoc.Release(context.Background())

	for i := 0; i < 3; i++ {
		in := dicomtest.Default()
		in.SOPInstanceUID = fmt.Sprintf("1.2.826.0.1.3680043.9.9999.2.%d", i)
		in.PixelBytes = 4096

		status, err := assoc.Store(context.Background(),
			in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
			bytesReader(in.Encode()))
		require.NoError(t, err)
		assert.Equal(t, dimse.StatusSuccess, status)
	}

	assert.Len(t, gw.admitter.admitted(), 3)
}

func TestStoreRejectsGarbageKeepsAssociation(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	assoc := connect(t, gw, "CT_SCANNER", "GATEWAY")
	defer assoc.Release(context.Background())

	in := dicomtest.Default()

	// Not a Part 10 stream at all.
	status, err := assoc.Store(context.Background(),
		in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
		bytesReader(make([]byte, 4096)))
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusCannotUnderstand, status)

	// A valid object afterwards still goes through.
	status, err = assoc.Store(context.Background(),
		in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
		bytesReader(in.Encode()))
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusSuccess, status)

	assert.Len(t, gw.admitter.admitted(), 1)
}

func TestDuplicateSendIsIdempotent(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	in := dicomtest.Default()
	payload := in.Encode()

	assoc := connect(t, gw, "CT_SCANNER", "GATEWAY")
	defer assoc.Release(context.Background())

	for i := 0; i < 2; i++ {
		status, err := assoc.Store(context.Background(),
			in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
			bytesReader(payload))
		require.NoError(t, err)
		assert.Equal(t, dimse.StatusSuccess, status)
	}

	admits := gw.admitter.admitted()
	require.Len(t, admits, 2)
	assert.False(t, admits[0].Duplicate)
	assert.True(t, admits[1].Duplicate)
}

func TestRejectsWrongCalledAE(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	_, err := scu.Connect(context.Background(), scu.Config{}, scu.Target{
		Host: "127.0.0.1", Port: gw.port,
		CalledAE: "SOMEONE_ELSE", CallingAE: "TESTER",
	})
	require.Error(t, err)

	var rj *dimse.AssociateRJ
	assert.ErrorAs(t, err, &rj)
	assert.Equal(t, dimse.RejectReasonCalledAENotRecognized, rj.Reason)
}

func TestRejectsDisallowedCallingAE(t *testing.T) {
	gw := startGateway(t, Config{
		AETitle:           "GATEWAY",
		AllowedCallingAEs: []string{"TRUSTED"},
	})

	_, err := scu.Connect(context.Background(), scu.Config{}, scu.Target{
		Host: "127.0.0.1", Port: gw.port,
		CalledAE: "GATEWAY", CallingAE: "STRANGER",
	})
	require.Error(t, err)

	var rj *dimse.AssociateRJ
	assert.ErrorAs(t, err, &rj)
	assert.Equal(t, dimse.RejectReasonCallingAENotRecognized, rj.Reason)

	// The allowed peer still gets in.
	assoc := connect(t, gw, "TRUSTED", "GATEWAY")
	defer assoc.Release(context.Background())
	require.NoError(t, assoc.Echo(context.Background()))
}

func TestGracefulShutdownDrainsAssociation(t *testing.T) {
	gw := startGateway(t, Config{AETitle: "GATEWAY"})

	assoc := connect(t, gw, "CT_SCANNER", "GATEWAY")

	in := dicomtest.Default()
	status, err := assoc.Store(context.Background(),
		in.SOPClassUID, in.SOPInstanceUID, dimse.ExplicitVRLittleEndian,
		bytesReader(in.Encode()))
	require.NoError(t, err)
	assert.Equal(t, dimse.StatusSuccess, status)

	assert.NoError(t, gw.stop(t))
}

func bytesReader(b []byte) io.Reader {
	return bytes.NewReader(b)
}
