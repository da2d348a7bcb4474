package sst

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/repnode/repnode/pkg/gtid"
	"github.com/repnode/repnode/pkg/provider"
	"github.com/repnode/repnode/pkg/store"
)

func testConfig() store.Config {
	return store.Config{Records: 4, WSSize: 256, Operations: 1, MinOpSize: 20}
}

// Joiner install + continue, driven over a real loopback TCP
// connection rather than synthetic buffers.
func TestJoinerDonorFullTransfer(t *testing.T) {
	donorStore, err := store.Open(testConfig())
	require.NoError(t, err)

	epoch := uuid.New()
	require.NoError(t, donorStore.UpdateMembership(store.View{
		Members: []uuid.UUID{epoch},
		GTID:    gtid.GTID{UUID: epoch, Seqno: 0},
		Status:  store.StatusPrimary,
	}))

	h := store.NewHandle()
	_, err = donorStore.BeginOrExtendOp(h)
	require.NoError(t, err)
	require.NoError(t, donorStore.Commit(h, gtid.GTID{UUID: epoch, Seqno: 1}))

	joinerStore, err := store.Open(testConfig())
	require.NoError(t, err)

	const rendezvous = "127.0.0.1:18474"
	joinerReady, joinerDone := StartJoiner(rendezvous, joinerStore)
	<-joinerReady

	donorReady, donorDone := StartDonor(rendezvous, donorStore, false)
	<-donorReady

	select {
	case dr := <-donorDone:
		require.NoError(t, dr.Err)
		assert.Equal(t, provider.OK, dr.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("donor did not complete")
	}

	select {
	case jr := <-joinerDone:
		require.NoError(t, jr.Err)
		assert.Equal(t, provider.OK, jr.Status)
		assert.Equal(t, int64(1), jr.GTID.Seqno)
		assert.Equal(t, int64(1), joinerStore.CurrentGTID().Seqno)
	case <-time.After(2 * time.Second):
		t.Fatal("joiner did not complete")
	}
}

// Bypass SST: the donor sends a zero-length frame and the joiner's
// Store is left untouched.
func TestJoinerDonorBypass(t *testing.T) {
	s, err := store.Open(testConfig())
	require.NoError(t, err)
	before := s.CurrentGTID()

	const rendezvous = "127.0.0.1:18475"
	ready, done := StartJoiner(rendezvous, s)
	<-ready

	donorReady, donorDone := StartDonor(rendezvous, s, true)
	<-donorReady

	select {
	case dr := <-donorDone:
		require.NoError(t, dr.Err)
		assert.Equal(t, provider.OK, dr.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("donor did not complete")
	}

	select {
	case jr := <-done:
		require.NoError(t, jr.Err)
		assert.Equal(t, provider.OK, jr.Status)
		assert.Equal(t, before, jr.GTID)
	case <-time.After(2 * time.Second):
		t.Fatal("joiner did not complete")
	}
}

func TestDonorReportsDialFailure(t *testing.T) {
	s, err := store.Open(testConfig())
	require.NoError(t, err)

	ready, done := StartDonor("127.0.0.1:1", s, true)
	<-ready

	select {
	case dr := <-done:
		assert.Error(t, dr.Err)
		assert.Equal(t, provider.NodeFail, dr.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("donor did not report an outcome")
	}
}
