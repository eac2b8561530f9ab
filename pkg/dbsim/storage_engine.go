package dbsim

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/codership/wsrep-go/pkg/fragstore"
	"github.com/codership/wsrep-go/pkg/wsrep"
)

// abortable is the subset of Session the storage engine's chaos-abort
// mechanism needs: enough to find a locally-executing victim and
// preempt it, without the engine importing the simulator's session type
// directly (db_storage_engine.hpp's transactions_ set holds db::client*,
// calling back into client_state().mode()/bf_abort()).
type abortable interface {
	Mode() wsrep.Mode
	BFAbort(bySeqno wsrep.Seqno) bool
}

// StorageEngine is a toy row store: an in-memory key/value table, a set
// of locally-pending (started but not yet committed) transactions used
// by the chaos BF-abort mechanism, and the durable cluster position and
// membership view every server recovers across a restart
// (db_storage_engine.hpp/.cpp).
type StorageEngine struct {
	mu      sync.Mutex
	rows    map[uint64][]byte
	pending map[abortable]struct{}

	algFreq  int
	bfAborts int64
	rng      *rand.Rand

	store *fragstore.Store
}

// NewStorageEngine constructs an engine backed by store for position/view
// durability. algFreq is the chaos-abort frequency: on every Apply there
// is roughly a 1-in-(algFreq+1) chance of preempting another locally
// pending transaction; zero disables the mechanism entirely.
func NewStorageEngine(store *fragstore.Store, algFreq int) *StorageEngine {
	return &StorageEngine{
		rows:    make(map[uint64][]byte),
		pending: make(map[abortable]struct{}),
		algFreq: algFreq,
		rng:     rand.New(rand.NewSource(1)),
		store:   store,
	}
}

// BFAborts returns the number of victims this engine's chaos mechanism
// has successfully preempted so far.
func (se *StorageEngine) BFAborts() int64 { return atomic.LoadInt64(&se.bfAborts) }

// Row returns the current value stored at key, if any.
func (se *StorageEngine) Row(key uint64) ([]byte, bool) {
	se.mu.Lock()
	defer se.mu.Unlock()
	v, ok := se.rows[key]
	return v, ok
}

// Transaction is the RAII-style handle a session acquires for the
// duration of one local write: Start registers it in the engine's
// pending set so it becomes a candidate BF-abort victim, Apply commits a
// row write after running the chaos check, and Commit/Rollback release
// it (db_storage_engine.hpp's nested transaction class; Go has no
// destructors, so callers must Commit or Rollback on every path, unlike
// the original's ~transaction() safety net).
type Transaction struct {
	engine  *StorageEngine
	session abortable
	active  bool
}

// NewTransaction returns an unstarted transaction bound to this engine.
func (se *StorageEngine) NewTransaction() *Transaction { return &Transaction{engine: se} }

// Active reports whether the transaction is between Start and
// Commit/Rollback.
func (tx *Transaction) Active() bool { return tx.active }

// Start registers session as owning this transaction.
func (tx *Transaction) Start(session abortable) {
	tx.engine.mu.Lock()
	tx.engine.pending[session] = struct{}{}
	tx.engine.mu.Unlock()
	tx.session = session
	tx.active = true
}

// Apply runs the chaos BF-abort check against one other locally pending
// transaction using bySeqno (the seqno this write-set was certified or
// will commit at), then writes key/data into the row store
// (storage_engine::transaction::apply()).
func (tx *Transaction) Apply(bySeqno wsrep.Seqno, key uint64, data []byte) {
	tx.engine.bfAbortSome(tx.session, bySeqno)
	tx.engine.mu.Lock()
	tx.engine.rows[key] = append([]byte(nil), data...)
	tx.engine.mu.Unlock()
}

// Commit releases the transaction and durably records gtid as the
// engine's new cluster position.
func (tx *Transaction) Commit(gtid wsrep.GTID) error {
	if tx.session == nil {
		tx.active = false
		return nil
	}
	tx.engine.mu.Lock()
	delete(tx.engine.pending, tx.session)
	tx.engine.mu.Unlock()
	tx.session = nil
	tx.active = false
	return tx.engine.storePosition(gtid)
}

// Rollback releases the transaction without recording a new position.
func (tx *Transaction) Rollback() {
	if tx.session != nil {
		tx.engine.mu.Lock()
		delete(tx.engine.pending, tx.session)
		tx.engine.mu.Unlock()
	}
	tx.session = nil
	tx.active = false
}

// bfAbortSome draws one 1-in-(algFreq+1) roll and, on a hit, preempts the
// first other locally-executing pending transaction it finds
// (storage_engine::bf_abort_some()).
func (se *StorageEngine) bfAbortSome(current abortable, bySeqno wsrep.Seqno) {
	if se.algFreq <= 0 {
		return
	}

	se.mu.Lock()
	roll := se.rng.Intn(se.algFreq + 1)
	if roll != 0 {
		se.mu.Unlock()
		return
	}
	var victim abortable
	for s := range se.pending {
		if s == current {
			continue
		}
		if s.Mode() == wsrep.ModeLocal {
			victim = s
			break
		}
	}
	se.mu.Unlock()

	if victim == nil {
		return
	}
	if victim.BFAbort(bySeqno) {
		atomic.AddInt64(&se.bfAborts, 1)
	}
}

// storePosition durably records gtid, rejecting a non-monotonic seqno
// for the same cluster id the way the original's validate_position()
// throws (storage_engine::store_position()).
func (se *StorageEngine) storePosition(gtid wsrep.GTID) error {
	if se.store == nil {
		return nil
	}
	if prev, ok := se.store.LoadPosition(); ok {
		if prev.ID == gtid.ID && gtid.Seqno <= prev.Seqno {
			return fmt.Errorf("dbsim: invalid position: seqno %d is not greater than stored seqno %d", gtid.Seqno, prev.Seqno)
		}
	}
	return se.store.SavePosition(gtid)
}

// Position returns the last durably recorded cluster position.
func (se *StorageEngine) Position() wsrep.GTID {
	if se.store == nil {
		return wsrep.UndefinedGTID()
	}
	gtid, ok := se.store.LoadPosition()
	if !ok {
		return wsrep.UndefinedGTID()
	}
	return gtid
}

// SetPosition forcibly overwrites the durable position, bypassing
// monotonicity validation — used for SST recovery, which legitimately
// moves the position backward or sideways onto a donor's state.
func (se *StorageEngine) SetPosition(gtid wsrep.GTID) error {
	if se.store == nil {
		return nil
	}
	return se.store.SavePosition(gtid)
}

// StoreView durably records the latest membership view.
func (se *StorageEngine) StoreView(view wsrep.ClusterView) error {
	if se.store == nil {
		return nil
	}
	return se.store.SaveView(view)
}

// View returns the last durably recorded membership view.
func (se *StorageEngine) View() (wsrep.ClusterView, bool) {
	if se.store == nil {
		return wsrep.ClusterView{}, false
	}
	return se.store.LoadView()
}
