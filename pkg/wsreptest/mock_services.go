package wsreptest

import (
	"sync"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

// MockClientService is a minimal wsrep.ClientService double, the Go
// counterpart of wsrep-lib's mock_client_service.hpp: every hook is a
// cheap in-memory stand-in so engine tests can drive the state machine
// without a real SQL engine underneath.
type MockClientService struct {
	mu sync.Mutex

	BytesGeneratedValue int64
	FragmentPayload     wsrep.ConstBuffer
	ReplayStatus        wsrep.Status
	ReplayUnorderedStatus wsrep.Status
	CommitByXIDStatus     wsrep.Status

	RemovedFragments int
	BFRollbacks      int
	Shutdowns        int
}

func NewMockClientService() *MockClientService {
	return &MockClientService{ReplayStatus: wsrep.StatusSuccess, ReplayUnorderedStatus: wsrep.StatusSuccess, CommitByXIDStatus: wsrep.StatusSuccess}
}

func (m *MockClientService) Interrupted(*sync.Mutex) bool { return false }
func (m *MockClientService) StoreGlobals() error          { return nil }
func (m *MockClientService) ResetGlobals() error          { return nil }

func (m *MockClientService) PrepareDataForReplication(*wsrep.Transaction) error { return nil }

func (m *MockClientService) CleanupTransaction(*wsrep.Transaction) {}

func (m *MockClientService) BytesGenerated() int64 { return m.BytesGeneratedValue }

func (m *MockClientService) StatementAllowedForStreaming() bool { return true }

func (m *MockClientService) PrepareFragmentForReplication(*wsrep.Transaction) (wsrep.ConstBuffer, int64, error) {
	return m.FragmentPayload, 0, nil
}

func (m *MockClientService) RemoveFragments(*wsrep.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemovedFragments++
	return nil
}

func (m *MockClientService) BFRollback(*wsrep.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BFRollbacks++
	return nil
}

func (m *MockClientService) WillReplay(*wsrep.Transaction)    {}
func (m *MockClientService) SignalReplayed(*wsrep.Transaction) {}

func (m *MockClientService) WaitForReplayers(lock *sync.Mutex) {}

func (m *MockClientService) Replay(*wsrep.Transaction) wsrep.Status          { return m.ReplayStatus }
func (m *MockClientService) ReplayUnordered(*wsrep.Transaction) wsrep.Status { return m.ReplayUnorderedStatus }

func (m *MockClientService) EmergencyShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Shutdowns++
}

func (m *MockClientService) CommitByXID(wsrep.XID) wsrep.Status { return m.CommitByXIDStatus }

func (m *MockClientService) IsExplicitXA() bool { return false }
func (m *MockClientService) IsXARollback() bool { return false }

func (m *MockClientService) DebugSync(string)  {}
func (m *MockClientService) DebugCrash(string) {}

var _ wsrep.ClientService = (*MockClientService)(nil)

// MockHighPriorityService is a minimal wsrep.HighPriorityService double
// used by the MockProvider's Replay path and by applier-mode tests.
type MockHighPriorityService struct {
	Applied int
}

func (m *MockHighPriorityService) StartTransaction(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	return wsrep.StatusSuccess
}
func (m *MockHighPriorityService) NextFragment(wsrep.WriteSetMeta) wsrep.Status { return wsrep.StatusSuccess }
func (m *MockHighPriorityService) AdoptTransaction(*wsrep.Transaction)          {}

func (m *MockHighPriorityService) ApplyWriteSet(wsrep.WriteSetMeta, wsrep.ConstBuffer, *wsrep.MutableBuffer) wsrep.Status {
	m.Applied++
	return wsrep.StatusSuccess
}

func (m *MockHighPriorityService) AppendFragmentAndCommit(wsrep.WriteSetHandle, wsrep.WriteSetMeta, wsrep.ConstBuffer, wsrep.XID) wsrep.Status {
	return wsrep.StatusSuccess
}
func (m *MockHighPriorityService) RemoveFragments(*wsrep.Transaction) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockHighPriorityService) Commit(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status   { return wsrep.StatusSuccess }
func (m *MockHighPriorityService) Rollback(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockHighPriorityService) ApplyTOI(wsrep.WriteSetMeta, wsrep.ConstBuffer, *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}
func (m *MockHighPriorityService) ApplyNBOBegin(wsrep.WriteSetMeta, wsrep.ConstBuffer, *wsrep.MutableBuffer) wsrep.Status {
	return wsrep.StatusSuccess
}

func (m *MockHighPriorityService) LogDummyWriteSet(wsrep.WriteSetMeta) {}
func (m *MockHighPriorityService) AdoptApplyError(wsrep.MutableBuffer) {}
func (m *MockHighPriorityService) AfterApply()                        {}

func (m *MockHighPriorityService) SwitchExecutionContext(wsrep.HighPriorityService) {}

func (m *MockHighPriorityService) IsReplaying() bool { return false }

var _ wsrep.HighPriorityService = (*MockHighPriorityService)(nil)

// MockStorageService is a minimal wsrep.StorageService double backed by an
// in-memory fragment slice, standing in for fragstore.Store in engine
// tests.
type MockStorageService struct {
	mu        sync.Mutex
	Fragments []wsrep.ConstBuffer
	Committed int
	RolledBack int
}

func (m *MockStorageService) StartTransaction(wsrep.WriteSetHandle) wsrep.Status { return wsrep.StatusSuccess }
func (m *MockStorageService) AdoptTransaction(*wsrep.Transaction)                {}

func (m *MockStorageService) AppendFragment(wsrep.ID, wsrep.ClientID, wsrep.Flags, wsrep.ConstBuffer, wsrep.XID) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fragments = append(m.Fragments, nil)
	return wsrep.StatusSuccess
}

func (m *MockStorageService) UpdateFragmentMeta(wsrep.WriteSetMeta) wsrep.Status { return wsrep.StatusSuccess }

func (m *MockStorageService) RemoveFragments() wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fragments = nil
	return wsrep.StatusSuccess
}

func (m *MockStorageService) Commit(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Committed++
	return wsrep.StatusSuccess
}

func (m *MockStorageService) Rollback(wsrep.WriteSetHandle, wsrep.WriteSetMeta) wsrep.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RolledBack++
	return wsrep.StatusSuccess
}

func (m *MockStorageService) StoreGlobals() error { return nil }
func (m *MockStorageService) ResetGlobals() error { return nil }

var _ wsrep.StorageService = (*MockStorageService)(nil)

// MockServerService is a minimal wsrep.ServerService double.
type MockServerService struct {
	mu       sync.Mutex
	Storage  *MockStorageService
	RollbackModeValue wsrep.RollbackMode

	BackgroundRollbacks int
}

func NewMockServerService() *MockServerService {
	return &MockServerService{Storage: &MockStorageService{}}
}

func (m *MockServerService) SharedStorageService() wsrep.StorageService { return m.Storage }
func (m *MockServerService) StorageService(wsrep.ClientService) wsrep.StorageService {
	return m.Storage
}
func (m *MockServerService) ReleaseStorageService(wsrep.StorageService) {}

func (m *MockServerService) SSTDonate(interface{}, wsrep.GTID, bool) wsrep.Status { return wsrep.StatusSuccess }
func (m *MockServerService) SSTRequest([]byte) wsrep.Status                      { return wsrep.StatusSuccess }

func (m *MockServerService) LogMessage(string, string)  {}
func (m *MockServerService) LogState(string, string)    {}

func (m *MockServerService) StoreView(wsrep.ClusterView)          {}
func (m *MockServerService) RecoverView() (wsrep.ClusterView, bool) { return wsrep.ClusterView{}, false }

func (m *MockServerService) Position() wsrep.GTID     { return wsrep.UndefinedGTID() }
func (m *MockServerService) SetPosition(wsrep.GTID) {}

// BackgroundRollback performs the handoff a real host would dispatch to a
// worker pool: it runs the storage-engine-level rollback/replay completion
// on a separate goroutine and then clears rollbacker_active, matching the
// real contract without needing an actual pool in tests.
func (m *MockServerService) BackgroundRollback(cs *wsrep.ClientState) {
	m.mu.Lock()
	m.BackgroundRollbacks++
	m.mu.Unlock()
	go func() {
		_ = cs.FinishBackgroundRollback()
	}()
}

func (m *MockServerService) RollbackMode() wsrep.RollbackMode { return m.RollbackModeValue }

var _ wsrep.ServerService = (*MockServerService)(nil)
