package dbsim

import "github.com/codership/wsrep-go/pkg/wsrep"

// HighPriorityService is the default wsrep.HighPriorityService
// implementation: the applier side of a session, applying remotely
// certified write-sets against the shared StorageEngine
// (db_high_priority_service.hpp/.cpp). ApplyWriteSet is the path
// actually exercised end to end — it is what raftprovider.RunApplier
// calls for every entry the FSM commits; the remaining methods round out
// the interface in the original's idiom for hosts that drive the
// fragment-by-fragment / 2PC entry points directly.
type HighPriorityService struct {
	session   *Session
	replaying bool
}

func newHighPriorityService(session *Session) *HighPriorityService {
	return &HighPriorityService{session: session}
}

// newReplayerService returns the replaying variant used by
// ClientService.Replay: after_apply is suppressed so the transaction
// context stays alive for the owning session once the replay finishes
// (db_high_priority_service.hpp's replayer_service).
func newReplayerService(session *Session) *HighPriorityService {
	return &HighPriorityService{session: session, replaying: true}
}

func (svc *HighPriorityService) StartTransaction(handle wsrep.WriteSetHandle, meta wsrep.WriteSetMeta) wsrep.Status {
	cs := svc.session.cs
	if err := cs.Transaction().StartTransaction(cs, handle.Transaction); err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

// NextFragment is a no-op: this provider applies each write-set as a
// single complete entry rather than fragment by fragment, so there is no
// intermediate boundary to react to.
func (svc *HighPriorityService) NextFragment(meta wsrep.WriteSetMeta) wsrep.Status {
	return wsrep.StatusSuccess
}

func (svc *HighPriorityService) AdoptTransaction(tx *wsrep.Transaction) {}

// ApplyWriteSet decodes the row key the client encoded and writes it
// into the shared storage engine, running the chaos BF-abort check
// against other locally-pending sessions exactly as the original's
// apply_write_set -> storage_engine::transaction::apply() does.
func (svc *HighPriorityService) ApplyWriteSet(meta wsrep.WriteSetMeta, data wsrep.ConstBuffer, err *wsrep.MutableBuffer) wsrep.Status {
	key := decodeRowKey(data)
	row := decodeRowPayload(data)

	se := svc.session.engine
	tx := se.NewTransaction()
	tx.Start(svc.session)
	tx.Apply(meta.GTID.Seqno, key, row)
	if commitErr := tx.Commit(meta.GTID); commitErr != nil {
		tx.Rollback()
		*err = wsrep.MutableBuffer(commitErr.Error())
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

func (svc *HighPriorityService) AppendFragmentAndCommit(handle wsrep.WriteSetHandle, meta wsrep.WriteSetMeta, data wsrep.ConstBuffer, xid wsrep.XID) wsrep.Status {
	return wsrep.StatusSuccess
}

func (svc *HighPriorityService) RemoveFragments(tx *wsrep.Transaction) wsrep.Status {
	return wsrep.StatusSuccess
}

// Commit drives the full before/ordered/after commit sequence against
// the session's own transaction, for hosts that call the high-priority
// service's 2PC-style entry points rather than the single-shot
// ApplyWriteSet (db_high_priority_service.cpp commit()).
func (svc *HighPriorityService) Commit(handle wsrep.WriteSetHandle, meta wsrep.WriteSetMeta) wsrep.Status {
	cs := svc.session.cs
	tx := cs.Transaction()
	if err := tx.BeforeCommit(cs); err != nil {
		return wsrep.StatusProviderFailed
	}
	se := svc.session.engine.NewTransaction()
	se.Start(svc.session)
	if err := se.Commit(meta.GTID); err != nil {
		se.Rollback()
		return wsrep.StatusProviderFailed
	}
	if err := tx.OrderedCommit(cs); err != nil {
		return wsrep.StatusProviderFailed
	}
	if err := tx.AfterCommit(cs); err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

func (svc *HighPriorityService) Rollback(handle wsrep.WriteSetHandle, meta wsrep.WriteSetMeta) wsrep.Status {
	cs := svc.session.cs
	tx := cs.Transaction()
	if err := tx.BeforeRollback(cs); err != nil {
		return wsrep.StatusProviderFailed
	}
	if err := tx.AfterRollback(cs); err != nil {
		return wsrep.StatusProviderFailed
	}
	return wsrep.StatusSuccess
}

// ApplyTOI and ApplyNBOBegin are not exercised by this harness: the
// simulator only drives ordinary replicated transactions, never a
// cluster-wide DDL/NBO write-set (original's apply_toi()/
// apply_nbo_begin() both throw not_implemented_error).
func (svc *HighPriorityService) ApplyTOI(meta wsrep.WriteSetMeta, data wsrep.ConstBuffer, err *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusNotImplemented
}

func (svc *HighPriorityService) ApplyNBOBegin(meta wsrep.WriteSetMeta, data wsrep.ConstBuffer, err *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusNotImplemented
}

func (svc *HighPriorityService) LogDummyWriteSet(meta wsrep.WriteSetMeta) {
	svc.session.srvSvc.LogMessage("info", "dummy write-set logged")
}

func (svc *HighPriorityService) AdoptApplyError(err wsrep.MutableBuffer) {
	if len(err) > 0 {
		svc.session.srvSvc.LogMessage("warn", "apply error: "+string(err))
	}
}

// AfterApply is a no-op for the replaying variant so the transaction
// context stays alive for the owning session to finish statement
// cleanup; the ordinary applier variant has nothing further to release
// either, since ApplyWriteSet already committed the storage transaction.
func (svc *HighPriorityService) AfterApply() {}

func (svc *HighPriorityService) SwitchExecutionContext(other wsrep.HighPriorityService) {}

// IsReplaying reports true only for the replayer_service variant
// ClientService.Replay constructs.
func (svc *HighPriorityService) IsReplaying() bool { return svc.replaying }

var _ wsrep.HighPriorityService = (*HighPriorityService)(nil)
