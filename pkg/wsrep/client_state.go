package wsrep

import (
	"sync"
	"time"

	"github.com/codership/wsrep-go/pkg/wsreplog"
)

// OwnerToken identifies the thread/goroutine currently permitted to drive
// a session through its command/statement hooks. Go has no portable
// thread-id primitive, so unlike the original C++ the host supplies its
// own opaque token (e.g. a per-goroutine counter) and passes it to
// BeforeCommand / WaitRollbackCompleteAndAcquireOwnership; the engine only
// ever compares tokens for equality.
type OwnerToken uint64

// NoOwner is the sentinel for "nobody currently owns this session".
const NoOwner OwnerToken = 0

// ClientState is the client-session entity (spec §3/§4.2): it owns a
// single Transaction inline, switches between local/high-priority/TOI/
// RSU/NBO modes, and serializes all mutation of (session state, session
// mode, transaction state, streaming context, current error) behind its
// mutex and condition variable.
type ClientState struct {
	mu   sync.Mutex
	cond *sync.Cond

	ID       ClientID
	ServerID ID

	state     SessionState
	mode      Mode
	savedMode Mode

	err              ClientError
	keepCommandError bool

	owner            OwnerToken
	rollbackerActive bool

	lastWrittenGTID GTID
	syncWaitGTID    GTID

	toiMeta WriteSetMeta
	nboMeta WriteSetMeta

	streamingUnit FragmentUnit
	streamingSize int64

	tx Transaction

	provider Provider
	cliSvc   ClientService
	hps      HighPriorityService
	srvSvc   ServerService
}

// NewClientState constructs a session in state None, mode Undefined, with
// no owned transaction yet.
func NewClientState(id ClientID, serverID ID, provider Provider, cliSvc ClientService, hps HighPriorityService, srvSvc ServerService) *ClientState {
	cs := &ClientState{
		ID:       id,
		ServerID: serverID,
		state:    SessionNone,
		mode:     ModeUndefined,
		provider: provider,
		cliSvc:   cliSvc,
		hps:      hps,
		srvSvc:   srvSvc,
	}
	cs.cond = sync.NewCond(&cs.mu)
	return cs
}

// Lock/Unlock expose the session mutex to callers that need to hold it
// across a blocking hook (e.g. ClientService.Interrupted).
func (cs *ClientState) Lock()   { cs.mu.Lock() }
func (cs *ClientState) Unlock() { cs.mu.Unlock() }

// State returns the current session state.
func (cs *ClientState) State() SessionState { return cs.state }

// Mode returns the current session mode.
func (cs *ClientState) Mode() Mode { return cs.mode }

// Error returns the sticky per-command error, if any.
func (cs *ClientState) Error() ClientError { return cs.err }

// Transaction returns the session's inline-owned transaction.
func (cs *ClientState) Transaction() *Transaction { return &cs.tx }

// Provider returns the replication provider this session was constructed
// with, needed by a ClientService.Replay implementation to re-drive
// provider.Replay directly.
func (cs *ClientState) Provider() Provider { return cs.provider }

// LastWrittenGTID returns the GTID of the most recent successful
// ordered_commit (invariant 9).
func (cs *ClientState) LastWrittenGTID() GTID { return cs.lastWrittenGTID }

// WithLock runs fn with the session mutex held, the convention every
// Transaction lifecycle hook (StartTransaction, BeforeCommit, ...)
// assumes its caller already holds (spec §5: the session mutex serializes
// all mutation of session/transaction state).
func (cs *ClientState) WithLock(fn func() error) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return fn()
}

// Open transitions none -> idle, resetting per-session ownership and
// abort-coordination state (client_state.cpp open()).
func (cs *ClientState) Open(id ClientID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ID = id
	cs.transitionSession(SessionIdle)
	cs.owner = NoOwner
	cs.rollbackerActive = false
	cs.syncWaitGTID = UndefinedGTID()
	cs.lastWrittenGTID = UndefinedGTID()
	cs.mode = ModeLocal
	wsreplog.Logger.Debug().Uint64("client_id", uint64(id)).Msg("client session opened")
}

// Close transitions the session to quitting then none, finishing any
// in-flight transaction first (client_state.cpp close()).
func (cs *ClientState) Close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.transitionSession(SessionQuitting)
	if cs.tx.Active() {
		_ = cs.cliSvc.BFRollback(&cs.tx)
		cs.afterStatementLocked()
	}
	cs.disableStreamingLocked()
	cs.cleanupLocked()
	cs.transitionSession(SessionNone)
	wsreplog.Logger.Debug().Uint64("client_id", uint64(cs.ID)).Msg("client session closed")
}

func (cs *ClientState) cleanupLocked() {
	cs.mode = ModeUndefined
}

// OverrideError attaches a sticky error to the session. Only the owning
// thread, or the engine itself reacting to a BF abort, may call this.
func (cs *ClientState) OverrideError(kind ErrorKind, status Status) {
	cs.err = ClientError{Kind: kind, ProviderStatus: status}
}

// BeforeCommand acquires ownership (waiting out any active background
// rollback), transitions idle -> exec, and returns an error when the
// owned transaction is already aborted or must-abort, closing the
// command round trip early (client_state.cpp before_command()).
func (cs *ClientState) BeforeCommand(owner OwnerToken, keepCommandError bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.state != SessionExec {
		cs.waitRollbackCompleteAndAcquireOwnershipLocked(owner)
	}
	cs.keepCommandError = keepCommandError
	cs.transitionSession(SessionExec)

	if !cs.err.IsSet() {
		cs.err = NoError
	}

	switch cs.tx.State() {
	case StateMustAbort, StateAborted:
		if cs.tx.IsXA() && cs.tx.State() == StateMustAbort {
			cs.OverrideError(ErrDeadlock, StatusBFAbort)
			return &cs.err
		}
		cs.OverrideError(ErrDeadlock, StatusBFAbort)
		_ = cs.cliSvc.BFRollback(&cs.tx)
		if !keepCommandError {
			cs.afterStatementLocked()
		}
		return &cs.err
	}
	return nil
}

// waitRollbackCompleteAndAcquireOwnershipLocked blocks until no
// background rollback is active for this session, then records owner as
// the new owning token. Must be called with cs.mu held.
func (cs *ClientState) waitRollbackCompleteAndAcquireOwnershipLocked(owner OwnerToken) {
	for cs.rollbackerActive {
		cs.cond.Wait()
	}
	cs.owner = owner
}

// WaitRollbackCompleteAndAcquireOwnership is the exported form used by
// hosts that need to re-enter outside BeforeCommand (e.g. after
// dispatching a background rollback from a different code path).
func (cs *ClientState) WaitRollbackCompleteAndAcquireOwnership(owner OwnerToken) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.waitRollbackCompleteAndAcquireOwnershipLocked(owner)
}

// SyncRollbackComplete is called by the background rollbacker once it has
// finished aborting the session; it clears rollbackerActive and wakes
// exactly the waiters that proved themselves via Wait (never a lost
// wakeup, per spec §9's condition-variable contract).
func (cs *ClientState) SyncRollbackComplete() {
	cs.mu.Lock()
	cs.rollbackerActive = false
	cs.mu.Unlock()
	cs.cond.Broadcast()
}

// FinishBackgroundRollback is the entry point a host's background
// rollbacker worker calls once it has performed the storage-engine-level
// rollback for a transaction handed off via ServerService.BackgroundRollback
// (bf_abort() having already moved it synchronously to aborting, or to
// must_replay for a prepared XA victim). It drives the transaction the rest
// of the way to a terminal or replaying state and clears rollbackerActive,
// mirroring how the original's rollbacker thread runs bf_rollback() /
// after_rollback() independently of the owning thread's after_statement()
// (transaction.cpp after_rollback(), client_state.cpp sync_rollback_complete()).
func (cs *ClientState) FinishBackgroundRollback() error {
	cs.mu.Lock()
	tx := &cs.tx
	var err error
	switch tx.sm.state {
	case StateAborting:
		err = tx.AfterRollback(cs)
	case StateMustReplay:
		if tx.IsXA() {
			err = tx.xaReplay(cs)
		} else {
			err = tx.replayLocked(cs)
		}
	}
	if tx.sm.state.Terminal() {
		tx.cleanup()
	}
	cs.mu.Unlock()

	cs.SyncRollbackComplete()
	return err
}

// AfterCommandBeforeResult transitions exec -> result, finishing any
// BF-abort that raced in during the command.
func (cs *ClientState) AfterCommandBeforeResult() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.tx.Active() && cs.tx.State() == StateMustAbort {
		_ = cs.afterStatementLocked()
		cs.OverrideError(ErrDeadlock, StatusBFAbort)
	}
	cs.transitionSession(SessionResult)
}

// AfterCommandAfterResult transitions result -> idle, clearing the
// per-command error unless KeepCommandError was requested.
func (cs *ClientState) AfterCommandAfterResult() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.transitionSession(SessionIdle)
	if !cs.keepCommandError {
		cs.err = NoError
	}
}

// BeforeStatement is a no-op hook point preserved for symmetry with
// AfterStatement and the DBMS call sequence in spec §2.
func (cs *ClientState) BeforeStatement() error { return nil }

// AfterStatement delegates to the owned transaction's cleanup/replay
// dispatch (client_state.cpp after_statement()).
func (cs *ClientState) AfterStatement() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.afterStatementLocked()
}

func (cs *ClientState) afterStatementLocked() error {
	return cs.tx.afterStatement(cs)
}

// EnableStreaming configures fragment-based replication for transactions
// started on this session from now on.
func (cs *ClientState) EnableStreaming(unit FragmentUnit, size int64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.streamingUnit = unit
	cs.streamingSize = size
}

// DisableStreaming turns off fragment-based replication for future
// transactions on this session.
func (cs *ClientState) DisableStreaming() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.disableStreamingLocked()
}

func (cs *ClientState) disableStreamingLocked() {
	cs.streamingSize = 0
}

// sleepCertRetry is the fixed backoff the TOI poller sleeps between
// transient-failure retries (spec §4.2/§5: "the engine sleeps 300 ms").
const sleepCertRetry = 300 * time.Millisecond
