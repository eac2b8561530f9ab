package raftprovider

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func waitLeader(t *testing.T, p *Provider) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.IsLeader() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("raft did not elect a leader in time")
}

func newSingleNodeProvider(t *testing.T) *Provider {
	t.Helper()
	p := NewProvider(Config{
		NodeID:       "n1",
		BindAddr:     freeAddr(t),
		DataDir:      t.TempDir(),
		GroupID:      wsrep.ID{1},
		ApplyTimeout: 2 * time.Second,
	})
	require.NoError(t, p.Connect("cluster", "", "", true))
	t.Cleanup(func() { _ = p.Disconnect() })
	waitLeader(t, p)
	return p
}

func TestCertifyAssignsIncreasingSeqnos(t *testing.T) {
	p := newSingleNodeProvider(t)

	var h1 wsrep.WriteSetHandle
	h1.Transaction = 1
	require.Equal(t, wsrep.StatusSuccess, p.StartTransaction(&h1))
	k1 := wsrep.NewKey(wsrep.KeyExclusive)
	k1.AppendKeyPart([]byte("row1"))
	require.Equal(t, wsrep.StatusSuccess, p.AppendKey(&h1, k1))
	require.Equal(t, wsrep.StatusSuccess, p.AppendData(&h1, []byte("payload-1")))

	var m1 wsrep.WriteSetMeta
	require.Equal(t, wsrep.StatusSuccess, p.Certify(1, &h1, wsrep.FlagStartTransaction|wsrep.FlagCommit, &m1))
	assert.False(t, m1.GTID.Undefined())
	assert.Equal(t, wsrep.TransactionID(1), m1.STID.Transaction)

	var h2 wsrep.WriteSetHandle
	h2.Transaction = 2
	require.Equal(t, wsrep.StatusSuccess, p.StartTransaction(&h2))
	k2 := wsrep.NewKey(wsrep.KeyExclusive)
	k2.AppendKeyPart([]byte("row2"))
	require.Equal(t, wsrep.StatusSuccess, p.AppendKey(&h2, k2))
	require.Equal(t, wsrep.StatusSuccess, p.AppendData(&h2, []byte("payload-2")))

	var m2 wsrep.WriteSetMeta
	require.Equal(t, wsrep.StatusSuccess, p.Certify(1, &h2, wsrep.FlagStartTransaction|wsrep.FlagCommit, &m2))
	assert.Greater(t, m2.GTID.Seqno, m1.GTID.Seqno)

	// CommitOrderEnter returns immediately: the leader already applied
	// both entries synchronously by the time Certify returned.
	assert.Equal(t, wsrep.StatusSuccess, p.CommitOrderEnter(h2, m2))
}

// A certify that collides on a key already held by another locally
// pending transaction fires the BF-abort callback for the older holder.
func TestCertifyConflictFiresBFAbort(t *testing.T) {
	p := newSingleNodeProvider(t)

	var mu sync.Mutex
	var victim wsrep.TransactionID
	done := make(chan struct{})
	p.OnBFAbort(func(v wsrep.TransactionID, _ wsrep.Seqno) {
		mu.Lock()
		victim = v
		mu.Unlock()
		close(done)
	})

	var h1 wsrep.WriteSetHandle
	h1.Transaction = 10
	require.Equal(t, wsrep.StatusSuccess, p.StartTransaction(&h1))
	k := wsrep.NewKey(wsrep.KeyExclusive)
	k.AppendKeyPart([]byte("contested-row"))
	require.Equal(t, wsrep.StatusSuccess, p.AppendKey(&h1, k))
	// h1 never certifies: it represents a transaction still accumulating
	// locally when a conflicting write-set from elsewhere lands.

	var h2 wsrep.WriteSetHandle
	h2.Transaction = 11
	require.Equal(t, wsrep.StatusSuccess, p.StartTransaction(&h2))
	k2 := wsrep.NewKey(wsrep.KeyExclusive)
	k2.AppendKeyPart([]byte("contested-row"))
	require.Equal(t, wsrep.StatusSuccess, p.AppendKey(&h2, k2))
	require.Equal(t, wsrep.StatusSuccess, p.AppendData(&h2, []byte("winner")))

	var m2 wsrep.WriteSetMeta
	require.Equal(t, wsrep.StatusSuccess, p.Certify(2, &h2, wsrep.FlagStartTransaction|wsrep.FlagCommit, &m2))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("BF-abort callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, wsrep.TransactionID(10), victim)
}

func TestEnterTOIAssignsPositionAndLeaves(t *testing.T) {
	p := newSingleNodeProvider(t)

	var meta wsrep.WriteSetMeta
	status := p.EnterTOI(1, nil, []byte("ddl"), &meta, wsrep.FlagStartTransaction|wsrep.FlagCommit)
	require.Equal(t, wsrep.StatusSuccess, status)
	assert.False(t, meta.GTID.Undefined())
	assert.Equal(t, wsrep.StatusSuccess, p.LeaveTOI(1, nil))
}

func TestReplayFetchesFromHistory(t *testing.T) {
	p := newSingleNodeProvider(t)

	var h wsrep.WriteSetHandle
	h.Transaction = 21
	require.Equal(t, wsrep.StatusSuccess, p.StartTransaction(&h))
	require.Equal(t, wsrep.StatusSuccess, p.AppendData(&h, []byte("replay-me")))

	var meta wsrep.WriteSetMeta
	require.Equal(t, wsrep.StatusSuccess, p.Certify(3, &h, wsrep.FlagStartTransaction|wsrep.FlagCommit, &meta))

	hps := &recordingHPS{}
	status := p.Replay(h, hps)
	require.Equal(t, wsrep.StatusSuccess, status)
	require.Len(t, hps.applied, 1)
	assert.Equal(t, []byte("replay-me"), []byte(hps.applied[0]))
}

type recordingHPS struct {
	applied []wsrep.ConstBuffer
}

func (r *recordingHPS) StartTransaction(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) NextFragment(wsrep.WriteSetMeta) wsrep.Status { return wsrep.StatusSuccess }
func (r *recordingHPS) AdoptTransaction(*wsrep.Transaction)         {}
func (r *recordingHPS) ApplyWriteSet(_ wsrep.WriteSetMeta, data wsrep.ConstBuffer, _ *wsrep.MutableBuffer) wsrep.Status {
	r.applied = append(r.applied, data)
	return wsrep.StatusSuccess
}
func (r *recordingHPS) AppendFragmentAndCommit(wsrep.WriteSetHandle, wsrep.WriteSetMeta, wsrep.ConstBuffer, wsrep.XID) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) RemoveFragments(*wsrep.Transaction) wsrep.Status { return wsrep.StatusSuccess }
func (r *recordingHPS) Commit(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) Rollback(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) ApplyTOI(wsrep.WriteSetMeta, wsrep.ConstBuffer, *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) ApplyNBOBegin(wsrep.WriteSetMeta, wsrep.ConstBuffer, *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}
func (r *recordingHPS) LogDummyWriteSet(wsrep.WriteSetMeta)                {}
func (r *recordingHPS) AdoptApplyError(wsrep.MutableBuffer)                {}
func (r *recordingHPS) AfterApply()                                       {}
func (r *recordingHPS) SwitchExecutionContext(wsrep.HighPriorityService)   {}
func (r *recordingHPS) IsReplaying() bool                                 { return false }

var _ wsrep.HighPriorityService = (*recordingHPS)(nil)
