package txn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/store"
)

// fakeProvider is a minimal, fully scriptable provider.Provider used to
// drive txn.Engine through each branch of the master/slave lifecycles
// without a real replication backend.
type fakeProvider struct {
	certifyFn func(*provider.WriteSet) (gtid.GTID, provider.StatusCode)

	enterStatus provider.StatusCode
	leaveStatus provider.StatusCode

	enters, leaves int
	released       int
}

func (f *fakeProvider) Init(string, provider.Callbacks) error { return nil }
func (f *fakeProvider) Connect(context.Context, string, bool) error { return nil }
func (f *fakeProvider) Disconnect() error                          { return nil }
func (f *fakeProvider) Recv(context.Context) provider.StatusCode   { return provider.OK }

func (f *fakeProvider) Certify(_ context.Context, _ int, ws *provider.WriteSet, _ provider.Flags) (gtid.GTID, provider.StatusCode) {
	return f.certifyFn(ws)
}

func (f *fakeProvider) CommitOrderEnter(context.Context, gtid.GTID) provider.StatusCode {
	f.enters++
	if f.enterStatus == 0 {
		return provider.OK
	}
	return f.enterStatus
}

func (f *fakeProvider) CommitOrderLeave(context.Context, gtid.GTID, []byte) provider.StatusCode {
	f.leaves++
	if f.leaveStatus == 0 {
		return provider.OK
	}
	return f.leaveStatus
}

func (f *fakeProvider) Release(*provider.WriteSet)                        { f.released++ }
func (f *fakeProvider) AssignReadView(*provider.WriteSet, gtid.GTID) error { return nil }
func (f *fakeProvider) SSTSent(gtid.GTID, provider.StatusCode) error       { return nil }
func (f *fakeProvider) SSTReceived(gtid.GTID, provider.StatusCode) error   { return nil }
func (f *fakeProvider) Capabilities() store.Capability                    { return 0 }
func (f *fakeProvider) CurrentView() store.View                           { return store.View{} }
func (f *fakeProvider) WaitSynced(context.Context) error                  { return nil }
func (f *fakeProvider) StatsGet() map[string]string                       { return nil }
func (f *fakeProvider) Free() error                                       { return nil }

func newTestStore(t *testing.T) (*store.Store, uuid.UUID) {
	t.Helper()
	s, err := store.Open(store.Config{Records: 8, WSSize: 256, Operations: 2, MinOpSize: 20})
	require.NoError(t, err)

	epoch := uuid.New()
	require.NoError(t, s.UpdateMembership(store.View{
		Members: []uuid.UUID{epoch},
		GTID:    gtid.GTID{UUID: epoch, Seqno: 0},
		Status:  store.StatusPrimary,
	}))
	return s, epoch
}

func TestRunMasterCommitsOnOK(t *testing.T) {
	s, epoch := newTestStore(t)
	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		return gtid.GTID{UUID: epoch, Seqno: 1}, provider.OK
	}}
	e := New(s, fp, Config{Operations: 2})

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.OK, status)
	assert.Equal(t, int64(1), s.CurrentGTID().Seqno)
	assert.Equal(t, 1, fp.enters)
	assert.Equal(t, 1, fp.leaves)
	assert.Equal(t, 1, fp.released)
}

func TestRunMasterTrxFailNoGTIDMovement(t *testing.T) {
	s, epoch := newTestStore(t)
	_ = epoch
	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		return gtid.GTID{}, provider.TrxFail
	}}
	e := New(s, fp, Config{Operations: 1})

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.TrxFail, status)
	assert.Equal(t, int64(0), s.CurrentGTID().Seqno)
	assert.Equal(t, 0, fp.enters, "no commit-order section for an unordered failure")
}

func TestRunMasterBFAbortAdvancesGTIDWithoutCommit(t *testing.T) {
	s, epoch := newTestStore(t)
	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		return gtid.GTID{UUID: epoch, Seqno: 1}, provider.BFAbort
	}}
	e := New(s, fp, Config{Operations: 1})

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.BFAbort, status)
	assert.Equal(t, int64(1), s.CurrentGTID().Seqno, "seqno advances even though the transaction rolled back")
	assert.Equal(t, 1, fp.enters)
	assert.Equal(t, 1, fp.leaves)
}

func TestRunMasterOtherFailureWithSeqnoUpdatesGTIDThenRollsBack(t *testing.T) {
	s, epoch := newTestStore(t)
	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		return gtid.GTID{UUID: epoch, Seqno: 1}, provider.NodeFail
	}}
	e := New(s, fp, Config{Operations: 1})

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.NodeFail, status)
	assert.Equal(t, int64(1), s.CurrentGTID().Seqno)
}

func TestApplyRemoteCommitsWriteSet(t *testing.T) {
	donorStore, _ := newTestStore(t)
	h := store.NewHandle()
	_, err := donorStore.BeginOrExtendOp(h)
	require.NoError(t, err)
	payload := h.WriteSetPayload()

	s, epoch := newTestStore(t)
	fp := &fakeProvider{}
	e := New(s, fp, Config{Operations: 1})

	exitLoop, err := e.ApplyRemote(payload, gtid.GTID{UUID: epoch, Seqno: 1})

	require.NoError(t, err)
	assert.False(t, exitLoop)
	assert.Equal(t, 1, fp.enters)
	assert.Equal(t, 1, fp.leaves)
}

func TestApplyRemoteNilWriteSetUpdatesGTIDOnly(t *testing.T) {
	s, epoch := newTestStore(t)
	fp := &fakeProvider{}
	e := New(s, fp, Config{Operations: 1})

	_, err := e.ApplyRemote(nil, gtid.GTID{UUID: epoch, Seqno: 1})

	require.NoError(t, err)
	assert.Equal(t, int64(1), s.CurrentGTID().Seqno)
}

// singleRecordStore opens a Store with exactly one record, so every
// BeginOrExtendOp draws the same src/dst index and two transactions
// against it are guaranteed to collide.
func singleRecordStore(t *testing.T, caps store.Capability) (*store.Store, uuid.UUID) {
	t.Helper()
	s, err := store.Open(store.Config{Records: 1, WSSize: 256, Operations: 1, MinOpSize: 20})
	require.NoError(t, err)

	epoch := uuid.New()
	require.NoError(t, s.UpdateMembership(store.View{
		Members:      []uuid.UUID{epoch},
		GTID:         gtid.GTID{UUID: epoch, Seqno: 0},
		Status:       store.StatusPrimary,
		Capabilities: caps,
	}))
	return s, epoch
}

// TestRunMasterCommitOrderedConsumesSeqnoOnReadViewMoved exercises the
// case where certify already assigned a seqno but Store.Commit's
// re-verification finds the read view has moved underneath it: the
// seqno must still be consumed via UpdateGTID instead of left
// dangling.
func TestRunMasterCommitOrderedConsumesSeqnoOnReadViewMoved(t *testing.T) {
	s, epoch := singleRecordStore(t, 0)

	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		// A differently-sourced transaction commits against the same
		// record in between this one's read view being captured and its
		// own commit, simulating what a second concurrent master would do.
		other := store.NewHandle()
		_, err := s.BeginOrExtendOp(other)
		require.NoError(t, err)
		require.NoError(t, s.Commit(other, gtid.GTID{UUID: epoch, Seqno: 1}))
		return gtid.GTID{UUID: epoch, Seqno: 2}, provider.OK
	}}
	e := New(s, fp, Config{Operations: 1})

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.OK, status)
	assert.Equal(t, int64(2), s.CurrentGTID().Seqno, "seqno is consumed even though the commit lost its read view")
	assert.Equal(t, uint64(1), s.ReadViewFailures())
}

// TestRunMasterFatalOnInvariantViolationDuringCommit covers the same
// collision, but with snapshot-read-view support advertised: a mismatch
// at commit time means certification should already have caught it, so
// it is a fatal invariant rather than a recoverable rollback.
func TestRunMasterFatalOnInvariantViolationDuringCommit(t *testing.T) {
	s, epoch := singleRecordStore(t, store.CapSnapshotReadView)

	fp := &fakeProvider{certifyFn: func(ws *provider.WriteSet) (gtid.GTID, provider.StatusCode) {
		other := store.NewHandle()
		_, err := s.BeginOrExtendOp(other)
		require.NoError(t, err)
		require.NoError(t, s.Commit(other, gtid.GTID{UUID: epoch, Seqno: 1}))
		return gtid.GTID{UUID: epoch, Seqno: 2}, provider.OK
	}}
	e := New(s, fp, Config{Operations: 1})

	var fatalMsg string
	e.fatal = func(msg string) { fatalMsg = msg }

	status := e.RunMaster(context.Background(), 0)

	assert.Equal(t, provider.OK, status)
	assert.NotEmpty(t, fatalMsg, "an invariant violation during commit must be fatal")
}

// TestConcurrentMastersAgainstNoopNeverViolateCommitOrder drives several
// goroutines through RunMaster concurrently against a real Noop
// provider, the configuration (masters > 1) under which Certify can
// hand out consecutive seqnos to workers that then race to reach
// Store.Commit. If commit ordering isn't enforced between them, the
// worker holding the higher seqno trips Store.Commit's GTID-continuity
// invariant and the engine calls fatal.
func TestConcurrentMastersAgainstNoopNeverViolateCommitOrder(t *testing.T) {
	s, err := store.Open(store.Config{Records: 8, WSSize: 256, Operations: 1, MinOpSize: 20})
	require.NoError(t, err)

	n := provider.NewNoop()
	require.NoError(t, n.Init("node0", provider.Callbacks{
		View: func(v store.View) { _ = s.UpdateMembership(v) },
	}))
	require.NoError(t, n.Connect(context.Background(), "", true))

	e := New(s, n, Config{Operations: 1})

	var fatalMsgs []string
	var fatalMu sync.Mutex
	e.fatal = func(msg string) {
		fatalMu.Lock()
		fatalMsgs = append(fatalMsgs, msg)
		fatalMu.Unlock()
	}

	const workers = 8
	const perWorker = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(connID int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				e.RunMaster(context.Background(), connID)
			}
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("masters did not finish: commit order is likely deadlocked")
	}

	fatalMu.Lock()
	defer fatalMu.Unlock()
	assert.Empty(t, fatalMsgs, "no commit-order or GTID-continuity invariant should trip under concurrent masters")
	assert.Equal(t, int64(workers*perWorker), s.CurrentGTID().Seqno)
}
