package wsrep_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

// BeforeCommand on a session whose transaction was BF-aborted while idle
// waits for the background rollback the abort handed off, then reports
// deadlock.
func TestBeforeCommandOnMustAbort(t *testing.T) {
	cs, _, _, _ := newSession(t)

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 3))
		require.NoError(t, tx.AppendData(cs, []byte("row")))
		require.NoError(t, tx.TotalOrderBFAbort(cs, wsrep.Seqno(5)))
		return nil
	}))

	err := cs.BeforeCommand(1, false)
	var clientErr *wsrep.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, wsrep.ErrDeadlock, clientErr.Kind)
}

// Certification failure during fragment certify rolls the streaming
// transaction back via a rollback fragment once at least one fragment has
// already been certified (S4's failure branch).
func TestStreamingCertifyFragmentFailureRollsBack(t *testing.T) {
	cs, provider, cliSvc, _ := newSession(t)
	cs.EnableStreaming(wsrep.FragmentUnitBytes, 8)
	cliSvc.FragmentPayload = []byte("frag")

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 11))

		cliSvc.BytesGeneratedValue = 8
		require.NoError(t, tx.AfterRow(cs))

		provider.CertifyResult = wsrep.StatusCertificationFailed
		cliSvc.BytesGeneratedValue = 16
		err := tx.AfterRow(cs)
		assert.Error(t, err)
		return nil
	}))

	require.NoError(t, cs.AfterStatement())

	tx := cs.Transaction()
	assert.Equal(t, wsrep.StateAborted, tx.State())
	assert.Equal(t, 1, provider.RollbackFragments)
}

// XA prepared transaction BF-aborted while idle routes through xa_replay
// rather than the ordinary replay path (S5).
func TestXAReplayAfterPreparedBFAbort(t *testing.T) {
	cs, _, cliSvc, _ := newSession(t)
	cliSvc.CommitByXIDStatus = wsrep.StatusSuccess

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 21))
		xid := wsrep.XID{FormatID: 1, GtridLen: 1, BqualLen: 0}
		xid.SetGtrid([]byte("g"))
		tx.AssignXID(xid)
		require.NoError(t, tx.AppendData(cs, []byte("row")))
		require.NoError(t, tx.BeforePrepare(cs))
		require.NoError(t, tx.AfterPrepare(cs))
		require.Equal(t, wsrep.StatePrepared, tx.State())

		require.NoError(t, tx.BFAbort(cs, wsrep.Seqno(99)))
		return nil
	}))

	// must_replay handling for a prepared XA victim is handed off to the
	// background rollbacker rather than finished inline.
	cs.WaitRollbackCompleteAndAcquireOwnership(1)

	tx := cs.Transaction()
	assert.True(t, tx.State() == wsrep.StateCommitted || tx.State() == wsrep.StateAborted || tx.State() == wsrep.StatePrepared)
}

// Owner tokens are compared for equality only; a fresh owner acquiring the
// session after a completed rollback observes no residual rollbacker
// activity flag.
func TestOwnerHandoffAfterRollback(t *testing.T) {
	cs, _, _, _ := newSession(t)

	require.NoError(t, cs.WithLock(func() error {
		tx := cs.Transaction()
		require.NoError(t, tx.StartTransaction(cs, 4))
		require.NoError(t, tx.BFAbort(cs, wsrep.Seqno(7)))
		return nil
	}))

	cs.WaitRollbackCompleteAndAcquireOwnership(9)

	// BeforeCommand still reports the deadlock from the rollback that
	// already happened in the background, via the sticky per-command
	// error.
	err := cs.BeforeCommand(9, false)
	var clientErr *wsrep.ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, wsrep.ErrDeadlock, clientErr.Kind)
}
