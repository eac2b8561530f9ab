package wsrep

import (
	"strconv"
	"strings"
	"time"

	"github.com/codership/wsrep-go/pkg/wsrepmetrics"
)

// Transaction is the per-transaction lifecycle entity (spec §3/§4.1). It
// is owned inline by exactly one ClientState and holds no owning
// reference back to the provider or service objects — all such calls are
// reached through the ClientState passed into each operation.
type Transaction struct {
	sm stateMachine

	serverID ID
	id       TransactionID
	clientID ClientID
	xid      XID

	handle WriteSetHandle
	meta   WriteSetMeta

	preAbortState       TransactionState
	sessionStateAtAbort SessionState
	bfAbortState        Seqno

	flags        Flags
	paUnsafe     bool
	implicitDeps bool
	certified    bool

	fragmentsThisStatement int

	streaming StreamingContext

	appendedKeys []Key
	keySet       map[string]struct{}

	applyError MutableBuffer

	bfAbortedInTotalOrder bool

	active bool

	commitStartedAt time.Time
}

// State returns the transaction's current lifecycle state.
func (t *Transaction) State() TransactionState { return t.sm.state }

// History returns the bounded state-transition history.
func (t *Transaction) History() []TransactionState { return t.sm.History() }

// Active reports whether the transaction is currently in use by its
// session (between start_transaction and cleanup).
func (t *Transaction) Active() bool { return t.active }

// IsXA reports whether this transaction is bound to an external (XA)
// identifier.
func (t *Transaction) IsXA() bool { return !t.xid.IsNull() }

// IsStreaming reports whether fragment-based replication is in effect.
func (t *Transaction) IsStreaming() bool { return t.streaming.Enabled() }

// ID returns the transaction id.
func (t *Transaction) ID() TransactionID { return t.id }

// Meta returns the write-set meta assigned by the provider (undefined
// until certification succeeds).
func (t *Transaction) Meta() WriteSetMeta { return t.meta }

// Handle returns the write-set handle the provider correlates calls
// about this transaction by, needed by a ClientService.Replay
// implementation to re-drive provider.Replay.
func (t *Transaction) Handle() WriteSetHandle { return t.handle }

// BFAbortedInTotalOrder reports whether this transaction was preempted
// via a total-order abort, which suppresses rollback-fragment emission.
func (t *Transaction) BFAbortedInTotalOrder() bool { return t.bfAbortedInTotalOrder }

// AssignXID binds an external (XA) transaction identifier, making IsXA
// true from here on (transaction.cpp assign_xid()). Must be called before
// BeforePrepare; a null xid clears the binding.
func (t *Transaction) AssignXID(xid XID) { t.xid = xid }

// StartTransaction binds a fresh identity to the session's transaction
// slot and, in local mode, starts it with the provider
// (transaction.cpp start_transaction()).
func (t *Transaction) StartTransaction(cs *ClientState, id TransactionID) error {
	if t.active {
		panic("wsrep: start_transaction called on an active transaction")
	}
	*t = Transaction{
		serverID: cs.ServerID,
		id:       id,
		clientID: cs.ID,
		xid:      NullXID(),
		active:   true,
	}
	t.sm.reset(StateExecuting)
	t.flags |= FlagStartTransaction
	t.streaming = NewStreamingContext(cs.streamingUnit, cs.streamingSize)
	t.handle = WriteSetHandle{Transaction: id}
	if t.streaming.Enabled() {
		wsrepmetrics.StreamingInFlight.Inc()
	}

	if cs.mode == ModeLocal {
		cs.mu.Unlock()
		status := cs.provider.StartTransaction(&t.handle)
		cs.mu.Lock()
		if status != StatusSuccess {
			return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
		}
	}
	return nil
}

// keyFingerprint returns a collision-safe string identity for key, used to
// dedupe insertion into the certification set the way sr_keys_ (a
// std::set<key>) does in the original.
func keyFingerprint(key Key) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(int(key.Type)))
	for _, part := range key.Parts() {
		b.WriteByte(0)
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(0)
		b.Write(part)
	}
	return b.String()
}

// AppendKey idempotently records key in the certification set and
// forwards it to the provider (transaction.cpp's sr_keys_.insert(key), a
// std::set, deduping by key identity rather than accumulating duplicates).
func (t *Transaction) AppendKey(cs *ClientState, key Key) error {
	fp := keyFingerprint(key)
	if _, seen := t.keySet[fp]; !seen {
		if t.keySet == nil {
			t.keySet = make(map[string]struct{})
		}
		t.keySet[fp] = struct{}{}
		t.appendedKeys = append(t.appendedKeys, key)
	}
	cs.mu.Unlock()
	status := cs.provider.AppendKey(&t.handle, key)
	cs.mu.Lock()
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
	return nil
}

// AppendData forwards an opaque payload to the provider.
func (t *Transaction) AppendData(cs *ClientState, data ConstBuffer) error {
	cs.mu.Unlock()
	status := cs.provider.AppendData(&t.handle, data)
	cs.mu.Lock()
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
	return nil
}

// AfterRow accounts for one more replicated row, possibly triggering a
// streaming step when the session streams by bytes or rows.
func (t *Transaction) AfterRow(cs *ClientState) error {
	if !t.IsStreaming() || t.streaming.Unit == FragmentUnitStatements {
		return nil
	}
	return t.streamingStep(cs, false)
}

// BeforePrepare is the pre-commit gate. In local mode on a streaming
// transaction it must remove any already-replicated fragments before any
// certification step is taken; for XA it instead forces a prepare
// fragment (transaction.cpp before_prepare()).
func (t *Transaction) BeforePrepare(cs *ClientState) error {
	if t.IsXA() {
		t.flags |= FlagPrepare | FlagPAUnsafe
		t.appendStoredKeysForCommit(cs)
		if err := t.streamingStep(cs, true); err != nil {
			t.sm.transition(StateMustAbort)
			return err
		}
		t.sm.transition(StatePreparing)
		return nil
	}

	if t.IsStreaming() && cs.mode == ModeLocal {
		if err := cs.cliSvc.RemoveFragments(t); err != nil {
			t.sm.transition(StateMustAbort)
			return &ClientError{Kind: ErrAppendFragment, ProviderStatus: StatusUnknown}
		}
	}

	// certifyForCommit already advances the state machine on every
	// outcome (preparing on success, must_replay on a BF abort,
	// cert_failed/must_abort otherwise);
	// nothing further to do here.
	_, err := t.certifyForCommit(cs)
	return err
}

// AfterPrepare transitions preparing->prepared (XA) or preparing->
// committing (non-XA) on success.
func (t *Transaction) AfterPrepare(cs *ClientState) error {
	if t.sm.state == StateMustAbort {
		if t.certified {
			t.sm.transition(StateMustReplay)
			return &ClientError{Kind: ErrDeadlock, ProviderStatus: StatusBFAbort}
		}
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: StatusBFAbort}
	}
	if t.IsXA() {
		t.sm.transition(StatePrepared)
	} else {
		t.sm.transition(StateCommitting)
	}
	return nil
}

// BeforeCommit orchestrates prepare -> certify -> enter commit order
// (transaction.cpp before_commit()). Non-XA transactions that have not
// yet been prepared run BeforePrepare/AfterPrepare inline first.
func (t *Transaction) BeforeCommit(cs *ClientState) error {
	t.commitStartedAt = time.Now()
	if t.sm.state == StateExecuting {
		if err := t.BeforePrepare(cs); err != nil {
			return err
		}
		if err := t.AfterPrepare(cs); err != nil {
			return err
		}
	} else if t.sm.state == StatePrepared {
		// certifyForCommit already lands on committing for a
		// successfully-certified XA transaction; a non-success status
		// has already moved it to cert_failed, must_abort or
		// must_replay, or back to prepared.
		if _, err := t.certifyForCommit(cs); err != nil {
			return err
		}
		if t.sm.state != StateCommitting {
			return nil
		}
	}

	if t.sm.state != StateCommitting {
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: StatusBFAbort}
	}

	cs.mu.Unlock()
	status := cs.provider.CommitOrderEnter(t.handle, t.meta)
	cs.mu.Lock()

	if t.sm.state == StateMustAbort {
		t.sm.transition(StateMustReplay)
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: StatusBFAbort}
	}
	if status != StatusSuccess {
		t.sm.transition(StateMustAbort)
		return &ClientError{Kind: ErrDuringCommit, ProviderStatus: status}
	}
	return nil
}

// OrderedCommit leaves the commit-order critical section. Success moves
// to StateOrderedCommit; failure is tolerated only for high-priority
// streaming-storage writes and moves to StateAborting (an explicit,
// documented exception to "commit order always succeeds" — spec §9 open
// question 3, preserved here rather than treated as fatal).
func (t *Transaction) OrderedCommit(cs *ClientState) error {
	cs.mu.Unlock()
	status := cs.provider.CommitOrderLeave(t.handle, t.meta, t.applyError)
	cs.mu.Lock()

	if status == StatusSuccess {
		t.sm.transition(StateOrderedCommit)
		cs.lastWrittenGTID = t.meta.GTID
		if !t.commitStartedAt.IsZero() {
			wsrepmetrics.CommitDuration.Observe(time.Since(t.commitStartedAt).Seconds())
		}
		wsrepmetrics.CommitTotal.WithLabelValues(status.String()).Inc()
		return nil
	}
	wsrepmetrics.CommitTotal.WithLabelValues(status.String()).Inc()
	if cs.mode == ModeHighPriority && t.IsStreaming() {
		t.sm.transition(StateAborting)
		return &ClientError{Kind: ErrDuringCommit, ProviderStatus: status}
	}
	// Any other failure here is a provider contract violation.
	return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
}

// AfterCommit finalizes a committed transaction: it transitions to
// committed, for streaming XA retires the durable fragment set out of
// band via a scoped storage service, then (local mode) releases the
// write-set handle and clears the streaming bookkeeping
// (transaction.cpp after_commit()). It makes no server-side call to stop
// treating the session as a streaming client.
func (t *Transaction) AfterCommit(cs *ClientState) error {
	if t.sm.state == StateOrderedCommit {
		t.sm.transition(StateCommitted)
	}

	if t.IsXA() && t.IsStreaming() {
		if ss := cs.srvSvc.SharedStorageService(); ss != nil {
			func() {
				defer cs.srvSvc.ReleaseStorageService(ss)
				if err := ss.StoreGlobals(); err == nil {
					defer ss.ResetGlobals()
					ss.AdoptTransaction(t)
					ss.RemoveFragments()
					ss.Commit(t.handle, t.meta)
				}
			}()
		}
	}

	if cs.mode == ModeLocal {
		cs.mu.Unlock()
		cs.provider.Release(&t.handle)
		cs.mu.Lock()
	}

	t.streaming.ClearFragments()
	return nil
}

// BeforeRollback is reachable from many states. If the transaction is
// streaming and has not already been rolled back it initiates a streaming
// rollback; a certified transaction instead routes to must_replay rather
// than aborting (transaction.cpp before_rollback()).
func (t *Transaction) BeforeRollback(cs *ClientState) error {
	if t.IsStreaming() && !t.streaming.RolledBack(t.id) {
		if err := t.streamingRollback(cs); err != nil {
			return err
		}
	}

	// cert_failed can only reach aborting directly (its row in the
	// transition matrix admits no other target); every other
	// pre-commit state first funnels through must_abort, since
	// must_abort is the only state the matrix allows a direct
	// transition to must_replay from.
	switch t.sm.state {
	case StateCertFailed:
		t.sm.transition(StateAborting)
		return nil
	case StateMustAbort:
		// already there
	default:
		t.sm.transition(StateMustAbort)
	}

	if t.certified {
		t.sm.transition(StateMustReplay)
	} else {
		t.sm.transition(StateAborting)
	}
	return nil
}

// AfterRollback finishes an aborted transaction: if it was BF-aborted in
// total order it performs the same scoped adopt+remove+commit as
// AfterCommit against storage. It does not release the write-set handle
// here; that is postponed to AfterStatement so ordering criticals are
// released in order (transaction.cpp after_rollback()).
func (t *Transaction) AfterRollback(cs *ClientState) error {
	if t.bfAbortedInTotalOrder {
		if ss := cs.srvSvc.SharedStorageService(); ss != nil {
			func() {
				defer cs.srvSvc.ReleaseStorageService(ss)
				if err := ss.StoreGlobals(); err == nil {
					defer ss.ResetGlobals()
					ss.AdoptTransaction(t)
					ss.RemoveFragments()
					ss.Commit(t.handle, t.meta)
				}
			}()
		}
	}

	t.streaming.ClearFragments()
	if t.sm.state == StateAborting {
		t.sm.transition(StateAborted)
	}
	return nil
}

// afterStatement is the cleanup point reached at the end of every
// statement/command: it may drive a replay, releases the commit-order
// slot exactly once more on the aborted path, and finally calls cleanup
// once the transaction has reached a terminal state
// (transaction.cpp after_statement()).
func (t *Transaction) afterStatement(cs *ClientState) error {
	switch t.sm.state {
	case StateMustAbort, StateCertFailed:
		_ = cs.cliSvc.BFRollback(t)
		if err := t.BeforeRollback(cs); err != nil {
			return err
		}
		if err := t.AfterRollback(cs); err != nil {
			return err
		}
		if t.sm.state == StateMustReplay {
			if t.IsXA() {
				if err := t.xaReplay(cs); err != nil {
					return err
				}
			} else if err := t.replayLocked(cs); err != nil {
				return err
			}
		}
	case StateMustReplay:
		if t.IsXA() {
			if err := t.xaReplay(cs); err != nil {
				return err
			}
		} else if err := t.replayLocked(cs); err != nil {
			return err
		}
	}

	if t.sm.state == StateAborted {
		if !t.meta.Undefined() {
			cs.mu.Unlock()
			cs.provider.CommitOrderEnter(t.handle, t.meta)
			cs.provider.CommitOrderLeave(t.handle, t.meta, t.applyError)
			cs.mu.Lock()
		}
		cs.mu.Unlock()
		cs.provider.Release(&t.handle)
		cs.mu.Lock()
	}

	if t.sm.state.Terminal() {
		t.cleanup()
	}
	t.fragmentsThisStatement = 0
	return nil
}

func (t *Transaction) cleanup() {
	if t.active && t.streaming.Enabled() {
		wsrepmetrics.StreamingInFlight.Dec()
	}
	t.active = false
	t.appendedKeys = nil
	t.keySet = nil
	t.applyError = nil
	t.streaming.ClearFragments()
}

// appendStoredKeysForCommit re-seeds the provider's certification set
// from the keys accumulated over the whole transaction, exclusive-locked,
// used by streaming transactions at final commit.
func (t *Transaction) appendStoredKeysForCommit(cs *ClientState) {
	for _, k := range t.appendedKeys {
		excl := NewKey(KeyExclusive)
		for _, p := range k.Parts() {
			excl.AppendKeyPart(p)
		}
		cs.mu.Unlock()
		cs.provider.AppendKey(&t.handle, excl)
		cs.mu.Lock()
	}
	t.paUnsafe = true
	t.flags |= FlagPAUnsafe
}
