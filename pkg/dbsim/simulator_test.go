package dbsim_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codership/wsrep-go/pkg/dbsim"
	"github.com/codership/wsrep-go/pkg/fragstore"
	"github.com/codership/wsrep-go/pkg/wsrep"
	"github.com/codership/wsrep-go/pkg/wsreptest"
)

func newTestServer(t *testing.T, params dbsim.Params) *dbsim.Server {
	t.Helper()
	store, err := fragstore.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	provider := wsreptest.NewMockProvider()
	server := dbsim.NewServer("s1", wsrep.ID{1}, provider, params, store)
	return server
}

func TestSessionRunOneTransactionCommits(t *testing.T) {
	params := dbsim.DefaultParams()
	params.NClients = 1
	params.NRows = 10
	params.MaxDataSize = 4

	server := newTestServer(t, params)
	session := server.Sessions()[0]
	session.ClientState().Open(session.ID)
	t.Cleanup(session.ClientState().Close)

	for i := 0; i < 5; i++ {
		err := session.RunOneTransaction(params, wsrep.TransactionID(i+1))
		require.NoError(t, err)
	}

	require.Equal(t, int64(5), session.Stats().Commits)
	require.Equal(t, int64(0), session.Stats().Rollbacks)
}

// encodeRowKeyForTest mirrors the package-private encodeRowKey: an 8-byte
// big-endian row key prefixed onto the write-set payload.
func encodeRowKeyForTest(key uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[:8], key)
	copy(buf[8:], payload)
	return buf
}

func TestApplyWriteSetWritesRowAndPosition(t *testing.T) {
	params := dbsim.DefaultParams()
	params.NClients = 1
	server := newTestServer(t, params)
	hps := server.Applier()

	data := encodeRowKeyForTest(7, []byte("hello"))
	meta := wsrep.WriteSetMeta{GTID: wsrep.GTID{ID: wsrep.ID{1}, Seqno: 1}}
	var errBuf wsrep.MutableBuffer
	status := hps.ApplyWriteSet(meta, wsrep.ConstBuffer(data), &errBuf)
	require.Equal(t, wsrep.StatusSuccess, status)

	row, ok := server.Engine().Row(7)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), row)
	require.Equal(t, wsrep.Seqno(1), server.Engine().Position().Seqno)
}
