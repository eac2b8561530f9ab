package wsrep_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/wsrep-go/pkg/wsrep"
	"github.com/codership/wsrep-go/pkg/wsreptest"
)

func newSession(t *testing.T) (*wsrep.ClientState, *wsreptest.MockProvider, *wsreptest.MockClientService, *wsreptest.MockServerService) {
	t.Helper()
	provider := wsreptest.NewMockProvider()
	cliSvc := wsreptest.NewMockClientService()
	srvSvc := wsreptest.NewMockServerService()
	hps := &wsreptest.MockHighPriorityService{}
	cs := wsrep.NewClientState(1, wsrep.ID{1}, provider, cliSvc, hps, srvSvc)
	cs.Open(1)
	return cs, provider, cliSvc, srvSvc
}

// S1: local commit.
func TestLocalCommit(t *testing.T) {
	cs, provider, _, _ := newSession(t)

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 7))

		key := wsrep.NewKey(wsrep.KeyExclusive)
		key.AppendKeyPart([]byte("db"))
		require.NoError(t, tx.AppendKey(cs, key))
		require.NoError(t, tx.AppendData(cs, []byte("row")))

		require.NoError(t, tx.BeforeCommit(cs))
		require.NoError(t, tx.OrderedCommit(cs))
		require.NoError(t, tx.AfterCommit(cs))
		return nil
	}))
	require.NoError(t, cs.AfterStatement())

	tx := cs.Transaction()
	assert.Equal(t, wsrep.StateCommitted, tx.State())
	assert.Equal(t, wsrep.SessionIdle, cs.State())
	assert.Equal(t, 1, provider.CommitFragments)
}

// S2: BF abort while executing. From idle/sync-rollback-mode this hands
// off to the background rollbacker rather than finishing inline, so the
// test waits on WaitRollbackCompleteAndAcquireOwnership instead of
// calling AfterStatement itself.
func TestBFAbortWhileExecuting(t *testing.T) {
	cs, _, _, _ := newSession(t)

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 7))
		require.NoError(t, tx.AppendData(cs, []byte("row")))

		require.NoError(t, tx.BFAbort(cs, wsrep.Seqno(100)))
		return nil
	}))

	cs.WaitRollbackCompleteAndAcquireOwnership(2)

	tx := cs.Transaction()
	assert.Equal(t, wsrep.StateAborted, tx.State())
	assert.False(t, tx.Active())
}

// S3: certification failure.
func TestCertificationFailure(t *testing.T) {
	cs, provider, _, _ := newSession(t)
	provider.CertifyResult = wsrep.StatusCertificationFailed

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 9))
		require.NoError(t, tx.AppendData(cs, []byte("row")))
		err := tx.BeforeCommit(cs)
		assert.Error(t, err)
		return nil
	}))

	require.NoError(t, cs.AfterStatement())

	tx := cs.Transaction()
	assert.Equal(t, wsrep.StateAborted, tx.State())
	assert.Equal(t, wsrep.StatusSuccess, provider.ReleaseResult)
}

// Invariant 1: illegal transitions panic rather than silently succeed.
func TestIllegalTransitionPanics(t *testing.T) {
	cs, _, _, _ := newSession(t)
	assert.Panics(t, func() {
		cs.WithLock(func() error {
			tx := cs.Transaction()
			require.NoError(t, tx.StartTransaction(cs, 1))
			// committing is not a legal direct target from executing.
			return tx.AfterPrepare(cs)
		})
	})
}

// Streaming with fragment_unit=bytes: S4.
func TestStreamingFragmentByBytes(t *testing.T) {
	cs, provider, cliSvc, _ := newSession(t)
	cs.EnableStreaming(wsrep.FragmentUnitBytes, 1024)
	cliSvc.FragmentPayload = []byte("fragment")

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 42))

		cliSvc.BytesGeneratedValue = 512
		require.NoError(t, tx.AfterRow(cs))
		cliSvc.BytesGeneratedValue = 1024
		require.NoError(t, tx.AfterRow(cs))
		cliSvc.BytesGeneratedValue = 1536
		require.NoError(t, tx.AfterRow(cs))

		require.NoError(t, tx.BeforeCommit(cs))
		require.NoError(t, tx.OrderedCommit(cs))
		require.NoError(t, tx.AfterCommit(cs))
		return nil
	}))
	require.NoError(t, cs.AfterStatement())

	assert.GreaterOrEqual(t, provider.Fragments, 1)
	assert.Equal(t, 1, cliSvc.RemovedFragments)
}

// S6: TOI with transient connection failure.
func TestTOITransientConnectionFailure(t *testing.T) {
	cs, provider, _, _ := newSession(t)

	// EnterTOI reads CertifyResult as its own return status in the mock;
	// it starts failed and flips to success partway through the retry
	// loop's 300ms backoff.
	provider.CertifyResult = wsrep.StatusConnectionFailed

	deadline := time.Now().Add(2 * time.Second)
	done := make(chan error, 1)
	go func() {
		done <- cs.EnterTOILocal(nil, []byte("ddl"), deadline)
	}()

	time.Sleep(400 * time.Millisecond)
	provider.CertifyResult = wsrep.StatusSuccess

	err := <-done
	require.NoError(t, err)
	assert.Equal(t, wsrep.ModeTOI, cs.Mode())
}
