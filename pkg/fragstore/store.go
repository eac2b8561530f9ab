// Package fragstore persists streaming-replication fragments and the
// server-wide cluster position/view across restarts, the durable half of
// wsrep.StorageService and wsrep.ServerService's bookkeeping.
package fragstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

var (
	bucketFragments = []byte("fragments")
	bucketPosition  = []byte("position")
	bucketView      = []byte("view")
)

const (
	positionKey = "position"
	viewKey     = "view"
)

// Store is a BoltDB-backed, process-wide fragment and cluster-state
// store. A single Store is shared across sessions; per-transaction
// fragment accumulation happens through a Session bound to one
// transaction id at a time.
type Store struct {
	db *bolt.DB
}

// NewStore opens (creating if absent) the fragment database under
// dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "fragments.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("fragstore: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFragments, bucketPosition, bucketView} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("fragstore: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// SavePosition durably records the cluster position reached after a
// commit, per spec "Persisted state".
func (s *Store) SavePosition(gtid wsrep.GTID) error {
	data, err := json.Marshal(gtid)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPosition).Put([]byte(positionKey), data)
	})
}

// LoadPosition returns the last persisted cluster position, or false if
// none has been recorded yet (a fresh node).
func (s *Store) LoadPosition() (wsrep.GTID, bool) {
	var gtid wsrep.GTID
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPosition).Get([]byte(positionKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &gtid); err != nil {
			return err
		}
		found = true
		return nil
	})
	return gtid, found
}

// SaveView durably records the latest membership view.
func (s *Store) SaveView(view wsrep.ClusterView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketView).Put([]byte(viewKey), data)
	})
}

// LoadView returns the last persisted membership view, or false if none
// has been recorded yet.
func (s *Store) LoadView() (wsrep.ClusterView, bool) {
	var view wsrep.ClusterView
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketView).Get([]byte(viewKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &view); err != nil {
			return err
		}
		found = true
		return nil
	})
	return view, found
}

// NewSession returns a fresh wsrep.StorageService bound to this store.
// Each scoped start/defer-stop block around a streaming operation
// (per wsrep.StorageService's doc comment) should get its own Session.
func (s *Store) NewSession() *Session { return &Session{store: s} }

// fragmentRecord is the persisted form of one streaming fragment.
type fragmentRecord struct {
	ServerID wsrep.ID
	Flags    wsrep.Flags
	Data     []byte
	XID      wsrep.XID
}

func fragmentKeyPrefix(txn wsrep.TransactionID) []byte {
	return []byte(fmt.Sprintf("%020d:", uint64(txn)))
}

func fragmentKey(txn wsrep.TransactionID, seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d:%020d", uint64(txn), seq))
}

// Session implements wsrep.StorageService for one transaction's fragment
// lifecycle: StartTransaction binds it, AppendFragment accumulates,
// Commit/Rollback finalize and clear, mirroring storage_service.hpp's
// RAII scoping.
type Session struct {
	store *Store
	txn   wsrep.TransactionID
	seq   uint64
}

func (sess *Session) StartTransaction(handle wsrep.WriteSetHandle) wsrep.Status {
	sess.txn = handle.Transaction
	sess.seq = 0
	return wsrep.StatusSuccess
}

func (sess *Session) AdoptTransaction(*wsrep.Transaction) {}

func (sess *Session) AppendFragment(server wsrep.ID, _ wsrep.ClientID, flags wsrep.Flags, data wsrep.ConstBuffer, xid wsrep.XID) wsrep.Status {
	rec := fragmentRecord{ServerID: server, Flags: flags, Data: append([]byte(nil), data...), XID: xid}
	raw, err := json.Marshal(rec)
	if err != nil {
		return wsrep.StatusProviderFailed
	}

	key := fragmentKey(sess.txn, sess.seq)
	sess.seq++

	err = sess.store.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFragments).Put(key, raw)
	})
	if err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

func (sess *Session) UpdateFragmentMeta(wsrep.WriteSetMeta) wsrep.Status {
	// The fragment records already carry everything meta would update
	// (flags, xid); nothing further to persist per fragment here.
	return wsrep.StatusSuccess
}

// RemoveFragments deletes every fragment recorded for this session's
// transaction, idempotently (spec's streaming_rollback invariant).
func (sess *Session) RemoveFragments() wsrep.Status {
	prefix := fragmentKeyPrefix(sess.txn)
	err := sess.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFragments)
		c := b.Cursor()
		var doomed [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

func (sess *Session) Commit(_ wsrep.WriteSetHandle, meta wsrep.WriteSetMeta) wsrep.Status {
	if status := sess.RemoveFragments(); status != wsrep.StatusSuccess {
		return status
	}
	if err := sess.store.SavePosition(meta.GTID); err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

func (sess *Session) Rollback(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return sess.RemoveFragments()
}

func (sess *Session) StoreGlobals() error { return nil }
func (sess *Session) ResetGlobals() error { return nil }

var _ wsrep.StorageService = (*Session)(nil)
