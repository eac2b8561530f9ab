// Package wsreptest provides an in-memory wsrep.Provider test double,
// ported from wsrep-lib's test/mock_provider.hpp: a simple field-based
// double that lets a test inject BF-abort events and certification
// failures and that counts fragment/TOI calls for assertions.
package wsreptest

import (
	"sync"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

// MockProvider is a wsrep.Provider test double. Zero value is ready to
// use with all calls succeeding; set the *Result fields to make specific
// calls fail, and use InjectBFAbort to simulate an external BF-abort.
type MockProvider struct {
	mu sync.Mutex

	GroupID  wsrep.ID
	ServerID wsrep.ID
	groupSeqno int64

	CertifyResult           wsrep.Status
	CommitOrderEnterResult  wsrep.Status
	CommitOrderLeaveResult  wsrep.Status
	ReleaseResult           wsrep.Status
	ReplayResult            wsrep.Status

	// bfAbortMap mirrors mock_provider.hpp's bf_abort_map: a pending
	// injected abort per transaction id. An undefined seqno entry means
	// "fail certification"; a defined seqno means "BF-abort this
	// transaction with this aborter seqno".
	bfAbortMap map[wsrep.TransactionID]wsrep.Seqno

	StartFragments    int
	Fragments         int
	CommitFragments   int
	RollbackFragments int
	TOIWriteSets      int
	TOIStartTransaction int
	TOICommit         int
}

// NewMockProvider returns a provider double with all calls defaulting to
// success.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		bfAbortMap: make(map[wsrep.TransactionID]wsrep.Seqno),
	}
}

// InjectBFAbort arranges for the next Certify (or EnterTOI) call
// referencing trxID to observe a BF abort. If bfSeqno is
// wsrep.UndefinedSeqno the call instead fails with
// error_certification_failed (matching mock_provider.hpp's certify()
// logic for an undefined map entry).
func (m *MockProvider) InjectBFAbort(trxID wsrep.TransactionID, bfSeqno wsrep.Seqno) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bfAbortMap[trxID] = bfSeqno
	if !bfSeqno.Undefined() {
		m.groupSeqno = int64(bfSeqno)
	}
}

func (m *MockProvider) Connect(string, string, string, bool) error { return nil }
func (m *MockProvider) Disconnect() error                          { return nil }

func (m *MockProvider) Capabilities() wsrep.Capability {
	return wsrep.CapabilityTransactionWriteset | wsrep.CapabilityCertification | wsrep.CapabilityStreaming
}

func (m *MockProvider) Desync() wsrep.Status { return wsrep.StatusSuccess }
func (m *MockProvider) Resync() wsrep.Status { return wsrep.StatusSuccess }

func (m *MockProvider) Pause() (wsrep.Seqno, wsrep.Status)  { return wsrep.UndefinedSeqno, wsrep.StatusSuccess }
func (m *MockProvider) Resume() wsrep.Status                { return wsrep.StatusSuccess }

func (m *MockProvider) RunApplier(wsrep.HighPriorityService) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockProvider) StartTransaction(handle *wsrep.WriteSetHandle) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartFragments++
	handle.Opaque = new(int)
	return wsrep.StatusSuccess
}

func (m *MockProvider) AssignReadView(*wsrep.WriteSetHandle, *wsrep.GTID) wsrep.Status {
	return wsrep.StatusSuccess
}

func (m *MockProvider) AppendKey(*wsrep.WriteSetHandle, wsrep.Key) wsrep.Status {
	return wsrep.StatusSuccess
}

func (m *MockProvider) AppendData(*wsrep.WriteSetHandle, wsrep.ConstBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}

// Certify mirrors mock_provider.hpp's certify(): if the transaction has
// no pending injected abort it succeeds with a freshly assigned seqno; if
// the pending entry has an undefined seqno it fails certification; if it
// has a defined seqno it returns error_bf_abort after assigning a new
// gtid. Either way the pending entry is consumed.
func (m *MockProvider) Certify(client wsrep.ClientID, handle *wsrep.WriteSetHandle, flags wsrep.Flags, meta *wsrep.WriteSetMeta) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Fragments++
	if flags.Has(wsrep.FlagStartTransaction) {
		// counted above via StartTransaction in the common path
	}
	if flags.Has(wsrep.FlagCommit) {
		m.CommitFragments++
	}
	if flags.Has(wsrep.FlagRollback) {
		m.RollbackFragments++
	}

	if m.CertifyResult != wsrep.StatusSuccess {
		return m.CertifyResult
	}

	bfSeqno, pending := m.bfAbortMap[handle.Transaction]
	delete(m.bfAbortMap, handle.Transaction)

	if !pending {
		m.groupSeqno++
		*meta = wsrep.WriteSetMeta{
			GTID:      wsrep.GTID{ID: m.GroupID, Seqno: wsrep.Seqno(m.groupSeqno)},
			STID:      wsrep.STID{Server: m.ServerID, Transaction: handle.Transaction, Client: client},
			DependsOn: wsrep.Seqno(m.groupSeqno - 1),
			Flags:     flags,
		}
		return wsrep.StatusSuccess
	}

	if bfSeqno.Undefined() {
		return wsrep.StatusCertificationFailed
	}

	m.groupSeqno++
	*meta = wsrep.WriteSetMeta{
		GTID:      wsrep.GTID{ID: m.GroupID, Seqno: wsrep.Seqno(m.groupSeqno)},
		STID:      wsrep.STID{Server: m.ServerID, Transaction: handle.Transaction, Client: client},
		DependsOn: wsrep.Seqno(m.groupSeqno - 1),
		Flags:     flags,
	}
	return wsrep.StatusBFAbort
}

func (m *MockProvider) BFAbort(bfSeqno wsrep.Seqno, trxID wsrep.TransactionID, victimSeqno *wsrep.Seqno) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bfAbortMap[trxID] = bfSeqno
	if !bfSeqno.Undefined() {
		m.groupSeqno = int64(bfSeqno)
	}
	*victimSeqno = wsrep.UndefinedSeqno
	return wsrep.StatusSuccess
}

func (m *MockProvider) Rollback(wsrep.TransactionID) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fragments++
	m.RollbackFragments++
	return wsrep.StatusSuccess
}

func (m *MockProvider) CommitOrderEnter(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return m.CommitOrderEnterResult
}

func (m *MockProvider) CommitOrderLeave(_ wsrep.WriteSetHandle, _ wsrep.WriteSetMeta, err wsrep.MutableBuffer) wsrep.Status {
	if len(err) > 0 {
		return wsrep.StatusFatal
	}
	return m.CommitOrderLeaveResult
}

func (m *MockProvider) Release(*wsrep.WriteSetHandle) wsrep.Status { return m.ReleaseResult }

func (m *MockProvider) Replay(handle wsrep.WriteSetHandle, hps wsrep.HighPriorityService) wsrep.Status {
	if m.ReplayResult != wsrep.StatusSuccess {
		return m.ReplayResult
	}
	var meta wsrep.WriteSetMeta
	m.mu.Lock()
	m.groupSeqno++
	meta = wsrep.WriteSetMeta{
		GTID:      wsrep.GTID{ID: m.GroupID, Seqno: wsrep.Seqno(m.groupSeqno)},
		STID:      wsrep.STID{Server: m.ServerID, Transaction: handle.Transaction},
		DependsOn: wsrep.Seqno(m.groupSeqno - 1),
		Flags:     wsrep.FlagStartTransaction | wsrep.FlagCommit,
	}
	m.mu.Unlock()

	var errBuf wsrep.MutableBuffer
	if status := hps.ApplyWriteSet(meta, nil, &errBuf); status != wsrep.StatusSuccess {
		return wsrep.StatusFatal
	}
	return wsrep.StatusSuccess
}

func (m *MockProvider) EnterTOI(client wsrep.ClientID, _ wsrep.KeyArray, _ wsrep.ConstBuffer, toiMeta *wsrep.WriteSetMeta, flags wsrep.Flags) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.groupSeqno++
	*toiMeta = wsrep.WriteSetMeta{
		GTID:      wsrep.GTID{ID: m.GroupID, Seqno: wsrep.Seqno(m.groupSeqno)},
		STID:      wsrep.STID{Server: m.ServerID, Transaction: wsrep.UndefinedTransactionID, Client: client},
		DependsOn: wsrep.Seqno(m.groupSeqno - 1),
		Flags:     flags,
	}
	m.TOIWriteSets++
	if flags.Has(wsrep.FlagStartTransaction) {
		m.TOIStartTransaction++
	}
	if flags.Has(wsrep.FlagCommit) {
		m.TOICommit++
	}
	return m.CertifyResult
}

func (m *MockProvider) LeaveTOI(wsrep.ClientID, wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}

func (m *MockProvider) CausalRead(int) (wsrep.GTID, wsrep.Status) {
	return wsrep.UndefinedGTID(), wsrep.StatusNotImplemented
}

func (m *MockProvider) WaitForGTID(wsrep.GTID, int) wsrep.Status { return wsrep.StatusSuccess }
func (m *MockProvider) LastCommittedGTID() wsrep.GTID            { return wsrep.UndefinedGTID() }

func (m *MockProvider) SSTSent(wsrep.GTID, int) wsrep.Status     { return wsrep.StatusSuccess }
func (m *MockProvider) SSTReceived(wsrep.GTID, int) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockProvider) EncSetKey(wsrep.ConstBuffer) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockProvider) Options() string                  { return "" }
func (m *MockProvider) SetOptions(string) wsrep.Status    { return wsrep.StatusSuccess }

func (m *MockProvider) Name() string    { return "mock" }
func (m *MockProvider) Version() string { return "0.0" }
func (m *MockProvider) Vendor() string  { return "mock" }

var _ wsrep.Provider = (*MockProvider)(nil)
