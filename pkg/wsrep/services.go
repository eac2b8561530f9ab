package wsrep

import "sync"

// ClientService is the capability pack the host exposes to the engine for
// the local (SQL/statement-executing) side of a client session.
type ClientService interface {
	// Interrupted reports whether the DBMS connection backing this
	// session has been torn down. Called with the session lock held.
	Interrupted(lock *sync.Mutex) bool

	StoreGlobals() error
	ResetGlobals() error

	// PrepareDataForReplication flushes accumulated statement payload
	// into the write-set. A non-nil error is reported as size-exceeded.
	PrepareDataForReplication(tx *Transaction) error

	CleanupTransaction(tx *Transaction)

	// BytesGenerated returns the monotonic count of replication payload
	// bytes produced so far by the current transaction.
	BytesGenerated() int64

	StatementAllowedForStreaming() bool

	// PrepareFragmentForReplication serializes the next fragment and
	// reports the DBMS-side log position it corresponds to.
	PrepareFragmentForReplication(tx *Transaction) (data ConstBuffer, logPosition int64, err error)

	RemoveFragments(tx *Transaction) error

	// BFRollback performs the local (SQL engine) rollback of the
	// current statement/transaction, ahead of engine-level cleanup.
	BFRollback(tx *Transaction) error

	WillReplay(tx *Transaction)
	SignalReplayed(tx *Transaction)

	// WaitForReplayers blocks until no other transaction is mid-replay.
	// Called with the session lock held; must release and reacquire it.
	WaitForReplayers(lock *sync.Mutex)

	Replay(tx *Transaction) Status
	ReplayUnordered(tx *Transaction) Status

	EmergencyShutdown()

	CommitByXID(xid XID) Status

	IsExplicitXA() bool
	IsXARollback() bool

	DebugSync(point string)
	DebugCrash(point string)
}

// HighPriorityService is the capability pack the host exposes to the
// engine for applying a remotely-certified write-set (the applier/replay
// side of a client session).
type HighPriorityService interface {
	StartTransaction(handle WriteSetHandle, meta WriteSetMeta) Status
	NextFragment(meta WriteSetMeta) Status

	AdoptTransaction(tx *Transaction)

	// ApplyWriteSet applies the write-set payload. A non-nil err buffer
	// on return is forwarded to commit_order_leave.
	ApplyWriteSet(meta WriteSetMeta, data ConstBuffer, err *MutableBuffer) Status

	AppendFragmentAndCommit(handle WriteSetHandle, meta WriteSetMeta, data ConstBuffer, xid XID) Status
	RemoveFragments(tx *Transaction) Status

	Commit(handle WriteSetHandle, meta WriteSetMeta) Status
	Rollback(handle WriteSetHandle, meta WriteSetMeta) Status

	ApplyTOI(meta WriteSetMeta, data ConstBuffer, err *MutableBuffer) Status
	ApplyNBOBegin(meta WriteSetMeta, data ConstBuffer, err *MutableBuffer) Status

	LogDummyWriteSet(meta WriteSetMeta)
	AdoptApplyError(err MutableBuffer)
	AfterApply()

	SwitchExecutionContext(other HighPriorityService)

	IsReplaying() bool
}

// StorageService is the durable fragment/cluster-position persistence the
// host supplies, used exclusively through a scoped (start/defer-stop)
// block around streaming operations.
type StorageService interface {
	StartTransaction(handle WriteSetHandle) Status
	AdoptTransaction(tx *Transaction)
	AppendFragment(server ID, client ClientID, flags Flags, data ConstBuffer, xid XID) Status
	UpdateFragmentMeta(meta WriteSetMeta) Status
	RemoveFragments() Status
	Commit(handle WriteSetHandle, meta WriteSetMeta) Status
	Rollback(handle WriteSetHandle, meta WriteSetMeta) Status

	// StoreGlobals/ResetGlobals swap the thread-local "current
	// transaction context" used by the underlying storage engine; the
	// caller must call StoreGlobals on entry and ResetGlobals on every
	// exit path of the scoped block.
	StoreGlobals() error
	ResetGlobals() error
}

// ServerService is the factory/host-wide capability pack: it produces the
// per-operation service seams above and owns cluster-wide bookkeeping
// (SST, view storage, position, background rollback dispatch).
type ServerService interface {
	SharedStorageService() StorageService
	StorageService(orig ClientService) StorageService
	ReleaseStorageService(ss StorageService)

	SSTDonate(requestCtx interface{}, gtid GTID, bypass bool) Status
	SSTRequest(req []byte) Status

	LogMessage(level string, msg string)
	LogState(from, to string)

	StoreView(view ClusterView)
	RecoverView() (ClusterView, bool)

	// Position reports and updates the durably persisted cluster
	// position (a single GTID, per spec "Persisted state").
	Position() GTID
	SetPosition(gtid GTID)

	// BackgroundRollback hands an aborting session to the host's
	// rollbacker worker pool. The session is already marked
	// rollbacker-active by the caller.
	BackgroundRollback(cs *ClientState)

	// RollbackMode selects what a BF abort does with a victim whose
	// session is idle: RollbackModeSync hands it to BackgroundRollback
	// at once; under RollbackModeAsync it stays in must_abort until the
	// owning thread's next command.
	RollbackMode() RollbackMode
}

// RollbackMode selects how the background rollbacker is driven.
type RollbackMode int

const (
	RollbackModeSync RollbackMode = iota
	RollbackModeAsync
)

// ClusterView is the latest membership view the server service persists
// and recovers, per spec "Persisted state".
type ClusterView struct {
	ViewSeqno Seqno
	Members   []ID
}
