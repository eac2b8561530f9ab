package fragstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codership/wsrep-go/pkg/fragstore"
	"github.com/codership/wsrep-go/pkg/wsrep"
)

func openStore(t *testing.T) *fragstore.Store {
	t.Helper()
	s, err := fragstore.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPositionRoundTrip(t *testing.T) {
	s := openStore(t)

	_, found := s.LoadPosition()
	assert.False(t, found)

	gtid := wsrep.GTID{ID: wsrep.ID{1}, Seqno: 42}
	require.NoError(t, s.SavePosition(gtid))

	loaded, found := s.LoadPosition()
	require.True(t, found)
	assert.Equal(t, gtid, loaded)
}

func TestViewRoundTrip(t *testing.T) {
	s := openStore(t)

	view := wsrep.ClusterView{ViewSeqno: 3, Members: []wsrep.ID{{1}, {2}}}
	require.NoError(t, s.SaveView(view))

	loaded, found := s.LoadView()
	require.True(t, found)
	assert.Equal(t, view, loaded)
}

// A session's fragments are removed both by an explicit rollback and, on
// commit, as part of finalizing the transaction — and never bleed into a
// different transaction's session sharing the same store.
func TestSessionFragmentLifecycle(t *testing.T) {
	s := openStore(t)

	sess1 := s.NewSession()
	require.Equal(t, wsrep.StatusSuccess, sess1.StartTransaction(wsrep.WriteSetHandle{Transaction: 1}))
	require.Equal(t, wsrep.StatusSuccess, sess1.AppendFragment(wsrep.ID{}, 0, wsrep.FlagStartTransaction, []byte("frag-a"), wsrep.NullXID()))
	require.Equal(t, wsrep.StatusSuccess, sess1.AppendFragment(wsrep.ID{}, 0, 0, []byte("frag-b"), wsrep.NullXID()))

	sess2 := s.NewSession()
	require.Equal(t, wsrep.StatusSuccess, sess2.StartTransaction(wsrep.WriteSetHandle{Transaction: 2}))
	require.Equal(t, wsrep.StatusSuccess, sess2.AppendFragment(wsrep.ID{}, 0, wsrep.FlagStartTransaction, []byte("other-txn"), wsrep.NullXID()))

	require.Equal(t, wsrep.StatusSuccess, sess1.Rollback(wsrep.WriteSetHandle{Transaction: 1}, wsrep.WriteSetMeta{}))

	// Rollback is idempotent: a second call over an already-empty
	// fragment set still succeeds.
	require.Equal(t, wsrep.StatusSuccess, sess1.RemoveFragments())

	meta := wsrep.WriteSetMeta{GTID: wsrep.GTID{ID: wsrep.ID{1}, Seqno: 7}}
	require.Equal(t, wsrep.StatusSuccess, sess2.Commit(wsrep.WriteSetHandle{Transaction: 2}, meta))

	loaded, found := s.LoadPosition()
	require.True(t, found)
	assert.Equal(t, meta.GTID, loaded)
}
