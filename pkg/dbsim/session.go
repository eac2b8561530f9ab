package dbsim

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

// Stats mirrors db::client::stats: the handful of counters the simulator
// reports per session once a scenario finishes.
type Stats struct {
	Commits   int64
	Rollbacks int64
	Replays   int64
}

// Session is one simulated client: the engine-facing ClientState plus the
// service implementations it was constructed with, and the counters the
// original's db::client accumulates across run_one_transaction calls.
// It implements abortable so the StorageEngine's chaos mechanism can name
// it as a BF-abort victim.
type Session struct {
	ID     wsrep.ClientID
	cs     *wsrep.ClientState
	engine *StorageEngine
	srvSvc *ServerService
	hps    *HighPriorityService

	// localTx is the storage-engine transaction currently open for this
	// session's own (local/client-driven) write-set, from Start through
	// Commit or Rollback/BFRollback. db::client keeps the equivalent
	// se_trx_ member alive across the same span so bf_rollback() can
	// always find it.
	localTx *Transaction

	stats Stats
}

// NewSession wires a fresh ClientState for id against the shared engine
// and server service, installing this package's ClientService and
// HighPriorityService implementations (db::client's constructor,
// which builds client_state_ from client_service and high_priority_service
// members declared alongside it).
func NewSession(id wsrep.ClientID, serverID wsrep.ID, provider wsrep.Provider, engine *StorageEngine, srvSvc *ServerService) *Session {
	session := &Session{ID: id, engine: engine, srvSvc: srvSvc}
	cliSvc := newClientService(session)
	hps := newHighPriorityService(session)
	session.hps = hps
	session.cs = wsrep.NewClientState(id, serverID, provider, cliSvc, hps, srvSvc)
	return session
}

// ClientState returns the session's engine-facing state handle.
func (s *Session) ClientState() *wsrep.ClientState { return s.cs }

// HighPriorityService returns the session's applier-side service, the
// entry point a provider's RunApplier loop is driven through.
func (s *Session) HighPriorityService() wsrep.HighPriorityService { return s.hps }

// Stats returns a snapshot of this session's counters.
func (s *Session) Stats() Stats {
	return Stats{
		Commits:   atomic.LoadInt64(&s.stats.Commits),
		Rollbacks: atomic.LoadInt64(&s.stats.Rollbacks),
		Replays:   atomic.LoadInt64(&s.stats.Replays),
	}
}

// Mode satisfies abortable by reading the session's current mode.
func (s *Session) Mode() wsrep.Mode { return s.cs.Mode() }

// BFAbort satisfies abortable: it drives the owned transaction's
// BF-abort entry point the way storage_engine::bf_abort_some() drives
// db::client through client::bf_abort(), reporting whether the victim
// was actually preempted (its state changed, to must_abort or beyond) rather than
// ignored as already out of an abortable state.
func (s *Session) BFAbort(bySeqno wsrep.Seqno) bool {
	s.cs.Lock()
	defer s.cs.Unlock()
	tx := s.cs.Transaction()
	before := tx.State()
	if err := tx.BFAbort(s.cs, bySeqno); err != nil {
		return false
	}
	return tx.State() != before
}

// rowKeySize is the fixed-width encoding used for the toy row key a
// client write-set carries ahead of its random payload, so the applier
// side can recover which row to write (the original passes the row id
// through storage_engine::transaction::apply() directly since client and
// applier share process memory; across the wire here it has to ride in
// the write-set payload instead).
const rowKeySize = 8

// encodeRowKey prefixes payload with key encoded as a fixed 8-byte
// big-endian integer, producing the write-set payload a client appends.
func encodeRowKey(key uint64, payload []byte) []byte {
	buf := make([]byte, rowKeySize+len(payload))
	binary.BigEndian.PutUint64(buf[:rowKeySize], key)
	copy(buf[rowKeySize:], payload)
	return buf
}

// decodeRowKey recovers the row key a client write-set's data was
// prefixed with via encodeRowKey.
func decodeRowKey(data []byte) uint64 {
	if len(data) < rowKeySize {
		return 0
	}
	return binary.BigEndian.Uint64(data[:rowKeySize])
}

// decodeRowPayload strips the row-key prefix encodeRowKey added, returning
// the original payload a client wrote.
func decodeRowPayload(data []byte) []byte {
	if len(data) < rowKeySize {
		return nil
	}
	return data[rowKeySize:]
}
