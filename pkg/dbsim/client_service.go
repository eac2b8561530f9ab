package dbsim

import (
	"sync"
	"sync/atomic"

	"github.com/codership/wsrep-go/pkg/wsrep"
)

// ClientService is the default wsrep.ClientService implementation: the
// local (statement-executing) side of a session. Nearly every hook is a
// trivial stub, matching db_client_service.hpp/.cpp almost line for
// line — the only non-trivial behavior is BFRollback, which drives the
// storage engine's rollback, and Replay, which re-drives the provider
// through a fresh replaying high-priority service.
type ClientService struct {
	session *Session
}

func newClientService(session *Session) *ClientService {
	return &ClientService{session: session}
}

func (c *ClientService) Interrupted(lock *sync.Mutex) bool { return false }

func (c *ClientService) StoreGlobals() error { return nil }
func (c *ClientService) ResetGlobals() error { return nil }

func (c *ClientService) PrepareDataForReplication(tx *wsrep.Transaction) error { return nil }

func (c *ClientService) CleanupTransaction(tx *wsrep.Transaction) {}

func (c *ClientService) BytesGenerated() int64 { return 0 }

func (c *ClientService) StatementAllowedForStreaming() bool { return true }

func (c *ClientService) PrepareFragmentForReplication(tx *wsrep.Transaction) (wsrep.ConstBuffer, int64, error) {
	return nil, 0, nil
}

func (c *ClientService) RemoveFragments(tx *wsrep.Transaction) error { return nil }

// BFRollback performs the local storage-engine rollback ahead of the
// engine's own after_rollback bookkeeping (db_client_service.cpp
// bf_rollback()).
func (c *ClientService) BFRollback(tx *wsrep.Transaction) error {
	if c.session.localTx != nil {
		c.session.localTx.Rollback()
		c.session.localTx = nil
	}
	atomic.AddInt64(&c.session.stats.Rollbacks, 1)
	return nil
}

func (c *ClientService) WillReplay(tx *wsrep.Transaction)     {}
func (c *ClientService) SignalReplayed(tx *wsrep.Transaction) {}

func (c *ClientService) WaitForReplayers(lock *sync.Mutex) {}

// Replay re-submits the session's certified write-set to the provider
// through a fresh replaying high-priority service, bumping the replay
// counter on success (db_client_service.cpp replay()).
func (c *ClientService) Replay(tx *wsrep.Transaction) wsrep.Status {
	replayer := newReplayerService(c.session)
	status := c.session.cs.Provider().Replay(tx.Handle(), replayer)
	if status == wsrep.StatusSuccess {
		atomic.AddInt64(&c.session.stats.Replays, 1)
	}
	return status
}

func (c *ClientService) ReplayUnordered(tx *wsrep.Transaction) wsrep.Status {
	return wsrep.StatusSuccess
}

// EmergencyShutdown is intentionally a no-op rather than the original's
// abort(): a harness process should report the failure and let its
// caller decide whether to exit, not take the process down itself.
func (c *ClientService) EmergencyShutdown() {
	c.session.srvSvc.LogMessage("error", "emergency shutdown requested")
}

func (c *ClientService) CommitByXID(xid wsrep.XID) wsrep.Status { return wsrep.StatusSuccess }

func (c *ClientService) IsExplicitXA() bool { return false }
func (c *ClientService) IsXARollback() bool { return false }

func (c *ClientService) DebugSync(point string)  {}
func (c *ClientService) DebugCrash(point string) {}

var _ wsrep.ClientService = (*ClientService)(nil)
