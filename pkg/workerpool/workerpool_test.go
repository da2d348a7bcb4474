package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/store"
	"github.com/repnode/repnode/pkg/txn"
)

// fakeProvider is a fully scriptable provider.Provider for pool tests;
// only the methods each test actually exercises do anything interesting.
type fakeProvider struct {
	certifyFn   func() (gtid.GTID, provider.StatusCode)
	recvResults []provider.StatusCode

	recvIdx int32
	synced  int32 // count of WaitSynced calls
}

func (f *fakeProvider) Init(string, provider.Callbacks) error    { return nil }
func (f *fakeProvider) Connect(context.Context, string, bool) error { return nil }
func (f *fakeProvider) Disconnect() error                          { return nil }

func (f *fakeProvider) Recv(context.Context) provider.StatusCode {
	i := atomic.AddInt32(&f.recvIdx, 1) - 1
	if int(i) >= len(f.recvResults) {
		return provider.NodeFail
	}
	return f.recvResults[i]
}

func (f *fakeProvider) Certify(context.Context, int, *provider.WriteSet, provider.Flags) (gtid.GTID, provider.StatusCode) {
	return f.certifyFn()
}

func (f *fakeProvider) CommitOrderEnter(context.Context, gtid.GTID) provider.StatusCode { return provider.OK }
func (f *fakeProvider) CommitOrderLeave(context.Context, gtid.GTID, []byte) provider.StatusCode {
	return provider.OK
}
func (f *fakeProvider) Release(*provider.WriteSet)                        {}
func (f *fakeProvider) AssignReadView(*provider.WriteSet, gtid.GTID) error { return nil }
func (f *fakeProvider) SSTSent(gtid.GTID, provider.StatusCode) error       { return nil }
func (f *fakeProvider) SSTReceived(gtid.GTID, provider.StatusCode) error   { return nil }
func (f *fakeProvider) Capabilities() store.Capability                    { return 0 }
func (f *fakeProvider) CurrentView() store.View                           { return store.View{} }
func (f *fakeProvider) WaitSynced(context.Context) error {
	atomic.AddInt32(&f.synced, 1)
	return nil
}
func (f *fakeProvider) StatsGet() map[string]string { return nil }
func (f *fakeProvider) Free() error                 { return nil }

func newTestEngine(t *testing.T, prov provider.Provider) *txn.Engine {
	t.Helper()
	s, err := store.Open(store.Config{Records: 8, WSSize: 256, Operations: 1, MinOpSize: 20})
	require.NoError(t, err)
	return txn.New(s, prov, txn.Config{Operations: 1})
}

func TestMasterPoolRetriesOnTrxFailThenExits(t *testing.T) {
	var calls int32
	fp := &fakeProvider{certifyFn: func() (gtid.GTID, provider.StatusCode) {
		n := atomic.AddInt32(&calls, 1)
		if n <= 2 {
			return gtid.GTID{}, provider.TrxFail
		}
		return gtid.GTID{}, provider.NodeFail
	}}
	e := newTestEngine(t, fp)

	p := StartMasters(context.Background(), e, fp, 1, 0)
	assert.Equal(t, 1, p.Size())

	done := make(chan struct{})
	go func() { _ = p.group.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("master worker did not exit after a terminal status")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(3))
}

func TestMasterPoolReWaitsSyncedOnConnFail(t *testing.T) {
	var calls int32
	fp := &fakeProvider{certifyFn: func() (gtid.GTID, provider.StatusCode) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return gtid.GTID{}, provider.ConnFail
		}
		return gtid.GTID{}, provider.NodeFail
	}}
	e := newTestEngine(t, fp)

	p := StartMasters(context.Background(), e, fp, 1, 0)
	done := make(chan struct{})
	go func() { _ = p.group.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("master worker did not exit")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&fp.synced), int32(2), "CONN_FAIL must trigger a second WaitSynced wait")
}

func TestMasterPoolStopCancelsRunningWorkers(t *testing.T) {
	fp := &fakeProvider{certifyFn: func() (gtid.GTID, provider.StatusCode) {
		return gtid.GTID{}, provider.OK
	}}
	e := newTestEngine(t, fp)

	p := StartMasters(context.Background(), e, fp, 2, 0)
	assert.Equal(t, 2, p.Size())

	done := make(chan struct{})
	go func() { p.Stop(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the pool")
	}
}

func TestMasterPoolAppliesDelayBetweenCommits(t *testing.T) {
	var calls int32
	fp := &fakeProvider{certifyFn: func() (gtid.GTID, provider.StatusCode) {
		n := atomic.AddInt32(&calls, 1)
		if n >= 3 {
			return gtid.GTID{}, provider.NodeFail
		}
		return gtid.GTID{}, provider.OK
	}}
	e := newTestEngine(t, fp)

	start := time.Now()
	p := StartMasters(context.Background(), e, fp, 1, 20*time.Millisecond)

	done := make(chan struct{})
	go func() { _ = p.group.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("master worker did not exit after a terminal status")
	}

	assert.GreaterOrEqual(t, time.Since(start), 2*20*time.Millisecond,
		"two successful commits before the terminal status must each be followed by the configured delay")
}

func TestSlavePoolExitsOnNonOK(t *testing.T) {
	fp := &fakeProvider{recvResults: []provider.StatusCode{provider.OK, provider.OK, provider.NodeFail}}

	p := StartSlaves(context.Background(), fp, 1)
	assert.Equal(t, 1, p.Size())

	done := make(chan struct{})
	go func() { _ = p.group.Wait(); close(done) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slave worker did not exit on non-OK recv")
	}
}
