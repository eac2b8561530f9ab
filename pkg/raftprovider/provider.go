package raftprovider

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/codership/wsrep-go/pkg/wsrep"
	"github.com/codership/wsrep-go/pkg/wsrepmetrics"
)

// Config holds the construction-time parameters for a Provider. Mirrors
// the shape of a cluster manager's bootstrap config: a node identity, a
// bind address Raft listens on, and a data directory for its log/stable
// stores and snapshots.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	GroupID  wsrep.ID

	ApplyTimeout time.Duration
}

// accumulator holds the keys and data appended to a write-set between
// StartTransaction and Certify, matching the opaque per-handle state a
// real provider keeps behind WriteSetHandle.Opaque.
type accumulator struct {
	keys []wsrep.Key
	data []byte
}

// Provider implements wsrep.Provider on a single Raft group: Certify and
// EnterTOI submit commands through raft.Apply, certification conflicts
// are detected by the FSM's key index, and commit order is bounded by the
// FSM's applied index.
type Provider struct {
	cfg Config

	raft *raft.Raft
	fsm  *FSM

	mu      sync.Mutex
	pending map[wsrep.TransactionID]*accumulator

	onBFAbort func(victim wsrep.TransactionID, bfSeqno wsrep.Seqno)
}

// NewProvider constructs a Provider. It does not start Raft; call Connect
// to do that, mirroring wsrep::provider's construct-then-connect
// lifecycle.
func NewProvider(cfg Config) *Provider {
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}
	return &Provider{
		cfg:     cfg,
		fsm:     NewFSM(cfg.GroupID),
		pending: make(map[wsrep.TransactionID]*accumulator),
	}
}

// OnBFAbort registers the callback fired when certifying a write-set
// conflicts with one of this node's own in-flight transactions. The
// callback runs on its own goroutine per conflict, matching how a real
// provider's certification thread calls back into the engine
// asynchronously rather than from inside the caller's Certify stack.
func (p *Provider) OnBFAbort(cb func(victim wsrep.TransactionID, bfSeqno wsrep.Seqno)) {
	p.onBFAbort = cb
}

// Connect starts (bootstrap=true) or joins (bootstrap=false) the Raft
// group. clusterURL is unused when bootstrapping; when joining, it names
// nothing this provider can act on directly — an existing member must
// call AddVoter with this node's id and bind address, the same
// leader-side step a manager's Join RPC would trigger out of band.
func (p *Provider) Connect(clusterName, clusterURL, statusPath string, bootstrap bool) error {
	if err := os.MkdirAll(p.cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("raftprovider: create data dir: %w", err)
	}

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(p.cfg.NodeID)

	// Tuned for LAN failover rather than Raft's WAN-conservative
	// defaults: heartbeat/election well under a second so a BF-abort
	// decision doesn't stall behind a slow leader check.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", p.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("raftprovider: resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(p.cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("raftprovider: create transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(p.cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return fmt.Errorf("raftprovider: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(p.cfg.DataDir, "raft-log.db"))
	if err != nil {
		return fmt.Errorf("raftprovider: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(p.cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return fmt.Errorf("raftprovider: create stable store: %w", err)
	}

	r, err := raft.NewRaft(config, p.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return fmt.Errorf("raftprovider: create raft: %w", err)
	}
	p.raft = r

	if bootstrap {
		future := r.BootstrapCluster(raft.Configuration{
			Servers: []raft.Server{{ID: config.LocalID, Address: transport.LocalAddr()}},
		})
		if err := future.Error(); err != nil {
			return fmt.Errorf("raftprovider: bootstrap cluster: %w", err)
		}
	}

	wsrepmetrics.ProviderConnected.Set(1)
	return nil
}

// Disconnect shuts Raft down.
func (p *Provider) Disconnect() error {
	if p.raft == nil {
		return nil
	}
	if err := p.raft.Shutdown().Error(); err != nil {
		return fmt.Errorf("raftprovider: shutdown: %w", err)
	}
	wsrepmetrics.ProviderConnected.Set(0)
	return nil
}

// AddVoter is the leader-side half of a join: an existing member calls
// this with the joining node's id and bind address once it has accepted
// the join out of band (token exchange, operator action, ...).
func (p *Provider) AddVoter(nodeID, bindAddr string) error {
	if p.raft == nil {
		return fmt.Errorf("raftprovider: not connected")
	}
	future := p.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(bindAddr), 0, 10*time.Second)
	return future.Error()
}

func (p *Provider) IsLeader() bool { return p.raft != nil && p.raft.State() == raft.Leader }

func (p *Provider) Capabilities() wsrep.Capability {
	return wsrep.CapabilityTransactionWriteset | wsrep.CapabilityCertification |
		wsrep.CapabilityTransactionReplay | wsrep.CapabilityStreaming | wsrep.CapabilityPreordered
}

func (p *Provider) Desync() wsrep.Status { return wsrep.StatusSuccess }
func (p *Provider) Resync() wsrep.Status { return wsrep.StatusSuccess }

func (p *Provider) Pause() (wsrep.Seqno, wsrep.Status) {
	return wsrep.Seqno(p.raft.AppliedIndex()), wsrep.StatusSuccess
}
func (p *Provider) Resume() wsrep.Status { return wsrep.StatusSuccess }

// RunApplier drives the high-priority service from the FSM's applied
// channel, one entry at a time. Nothing closes that channel, so the loop
// returns only when ApplyWriteSet reports a non-success status.
func (p *Provider) RunApplier(hps wsrep.HighPriorityService) wsrep.Status {
	for entry := range p.fsm.Applied() {
		var errBuf wsrep.MutableBuffer
		if status := hps.ApplyWriteSet(entry.Meta, entry.Cmd.Data, &errBuf); status != wsrep.StatusSuccess {
			return status
		}
	}
	return wsrep.StatusSuccess
}

func (p *Provider) StartTransaction(handle *wsrep.WriteSetHandle) wsrep.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := &accumulator{}
	handle.Opaque = acc
	p.pending[handle.Transaction] = acc
	return wsrep.StatusSuccess
}

func (p *Provider) AssignReadView(*wsrep.WriteSetHandle, *wsrep.GTID) wsrep.Status {
	return wsrep.StatusSuccess
}

func (p *Provider) AppendKey(handle *wsrep.WriteSetHandle, key wsrep.Key) wsrep.Status {
	acc, ok := handle.Opaque.(*accumulator)
	if !ok {
		return wsrep.StatusProviderFailed
	}
	acc.keys = append(acc.keys, key)
	return wsrep.StatusSuccess
}

func (p *Provider) AppendData(handle *wsrep.WriteSetHandle, data wsrep.ConstBuffer) wsrep.Status {
	acc, ok := handle.Opaque.(*accumulator)
	if !ok {
		return wsrep.StatusProviderFailed
	}
	acc.data = append(acc.data, data...)
	return wsrep.StatusSuccess
}

// Certify submits the accumulated write-set through Raft and returns the
// meta the FSM assigned it. The FSM's key index compares against log
// indices that only grow, so it never rejects a write-set; a key
// collision is instead handled by scanConflicts, which BF-aborts the
// other locally pending transactions holding the key.
func (p *Provider) Certify(client wsrep.ClientID, handle *wsrep.WriteSetHandle, flags wsrep.Flags, meta *wsrep.WriteSetMeta) wsrep.Status {
	if p.raft == nil {
		return wsrep.StatusConnectionFailed
	}

	p.mu.Lock()
	acc, ok := p.pending[handle.Transaction]
	p.mu.Unlock()
	if !ok {
		return wsrep.StatusTransactionMissing
	}

	keyData := make([][]byte, 0, len(acc.keys))
	for _, k := range acc.keys {
		raw, err := json.Marshal(encodeKey(k))
		if err != nil {
			return wsrep.StatusProviderFailed
		}
		keyData = append(keyData, raw)
	}

	cmd := Command{
		Op:          OpCertify,
		ClientID:    client,
		Transaction: handle.Transaction,
		Flags:       flags,
		KeyData:     keyData,
		Data:        acc.data,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return wsrep.StatusProviderFailed
	}

	future := p.raft.Apply(data, p.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		// Not the leader, or the leader couldn't be reached in time —
		// the caller treats this the same way it treats a lost group
		// connection.
		return wsrep.StatusConnectionFailed
	}

	resp := future.Response()
	switch r := resp.(type) {
	case error:
		return wsrep.StatusFatal
	case ApplyResult:
		if r.Conflict {
			return wsrep.StatusCertificationFailed
		}
		*meta = r.Meta
		p.scanConflicts(handle.Transaction, acc.keys, r.Meta.GTID.Seqno)
		return wsrep.StatusSuccess
	default:
		return wsrep.StatusFatal
	}
}

// scanConflicts looks for other locally pending transactions whose
// accumulated keys collide with the just-certified write-set and fires
// onBFAbort for each. This approximates the role a real provider's
// certification index plays across the whole cluster, scoped here to
// the transactions this node happens to be holding open.
func (p *Provider) scanConflicts(certified wsrep.TransactionID, certifiedKeys []wsrep.Key, atSeqno wsrep.Seqno) {
	if p.onBFAbort == nil {
		return
	}

	p.mu.Lock()
	victims := make([]wsrep.TransactionID, 0)
	for id, acc := range p.pending {
		if id == certified {
			continue
		}
		if keysConflict(certifiedKeys, acc.keys) {
			victims = append(victims, id)
		}
	}
	p.mu.Unlock()

	for _, id := range victims {
		go p.onBFAbort(id, atSeqno)
	}
}

func keysConflict(a, b []wsrep.Key) bool {
	for _, ka := range a {
		for _, kb := range b {
			if keyFingerprint(ka) == keyFingerprint(kb) && (ka.Type >= wsrep.KeyUpdate || kb.Type >= wsrep.KeyUpdate) {
				return true
			}
		}
	}
	return false
}

func (p *Provider) BFAbort(bfSeqno wsrep.Seqno, victim wsrep.TransactionID, victimSeqno *wsrep.Seqno) wsrep.Status {
	p.mu.Lock()
	delete(p.pending, victim)
	p.mu.Unlock()
	*victimSeqno = wsrep.UndefinedSeqno
	return wsrep.StatusSuccess
}

func (p *Provider) Rollback(id wsrep.TransactionID) wsrep.Status {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
	return wsrep.StatusSuccess
}

// CommitOrderEnter blocks until the FSM has applied up through meta's
// seqno — on the certifying node this is already true by the time
// Certify returns, but a follower applying an incoming write-set may
// still be catching up.
func (p *Provider) CommitOrderEnter(handle wsrep.WriteSetHandle, meta wsrep.WriteSetMeta) wsrep.Status {
	if p.raft == nil {
		return wsrep.StatusConnectionFailed
	}
	deadline := time.Now().Add(p.cfg.ApplyTimeout)
	for p.raft.AppliedIndex() < uint64(meta.GTID.Seqno) {
		if time.Now().After(deadline) {
			return wsrep.StatusProviderFailed
		}
		time.Sleep(time.Millisecond)
	}
	return wsrep.StatusSuccess
}

func (p *Provider) CommitOrderLeave(_ wsrep.WriteSetHandle, meta wsrep.WriteSetMeta, errBuf wsrep.MutableBuffer) wsrep.Status {
	if len(errBuf) > 0 {
		return wsrep.StatusFatal
	}
	wsrepmetrics.LastCommittedSeqno.Set(float64(meta.GTID.Seqno))
	return wsrep.StatusSuccess
}

func (p *Provider) Release(handle *wsrep.WriteSetHandle) wsrep.Status {
	p.mu.Lock()
	delete(p.pending, handle.Transaction)
	p.mu.Unlock()
	p.fsm.forget(handle.Transaction)
	handle.Opaque = nil
	return wsrep.StatusSuccess
}

// Replay resubmits a previously certified write-set to the high-priority
// service, fetching it from the FSM's per-transaction replay history rather than
// re-reading the durable Raft log.
func (p *Provider) Replay(handle wsrep.WriteSetHandle, hps wsrep.HighPriorityService) wsrep.Status {
	entry, ok := p.fsm.byTransaction(handle.Transaction)
	if !ok {
		return wsrep.StatusTransactionMissing
	}
	var errBuf wsrep.MutableBuffer
	return hps.ApplyWriteSet(entry.Meta, entry.Cmd.Data, &errBuf)
}

// EnterTOI submits a TOI operation through Raft. Unlike Certify it never
// conflicts against the key index — TOI is total-order, lockless DDL by
// definition — so the FSM simply assigns it the next log index.
func (p *Provider) EnterTOI(client wsrep.ClientID, keys wsrep.KeyArray, data wsrep.ConstBuffer, meta *wsrep.WriteSetMeta, flags wsrep.Flags) wsrep.Status {
	if p.raft == nil {
		return wsrep.StatusConnectionFailed
	}

	keyData := make([][]byte, 0, len(keys))
	for _, k := range keys {
		raw, err := json.Marshal(encodeKey(k))
		if err != nil {
			return wsrep.StatusProviderFailed
		}
		keyData = append(keyData, raw)
	}

	cmd := Command{
		Op:          OpTOI,
		ClientID:    client,
		Transaction: wsrep.UndefinedTransactionID,
		Flags:       flags,
		KeyData:     keyData,
		Data:        data,
	}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return wsrep.StatusProviderFailed
	}

	future := p.raft.Apply(raw, p.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return wsrep.StatusConnectionFailed
	}
	r, ok := future.Response().(ApplyResult)
	if !ok {
		return wsrep.StatusFatal
	}
	*meta = r.Meta
	return wsrep.StatusSuccess
}

func (p *Provider) LeaveTOI(client wsrep.ClientID, errBuf wsrep.MutableBuffer) wsrep.Status {
	if len(errBuf) > 0 {
		return wsrep.StatusFatal
	}
	return wsrep.StatusSuccess
}

func (p *Provider) CausalRead(timeoutMS int) (wsrep.GTID, wsrep.Status) {
	if p.raft == nil {
		return wsrep.UndefinedGTID(), wsrep.StatusConnectionFailed
	}
	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = p.cfg.ApplyTimeout
	}
	if err := p.raft.Barrier(timeout).Error(); err != nil {
		return wsrep.UndefinedGTID(), wsrep.StatusConnectionFailed
	}
	return p.LastCommittedGTID(), wsrep.StatusSuccess
}

func (p *Provider) WaitForGTID(gtid wsrep.GTID, timeoutMS int) wsrep.Status {
	if p.raft == nil {
		return wsrep.StatusConnectionFailed
	}
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for p.raft.AppliedIndex() < uint64(gtid.Seqno) {
		if time.Now().After(deadline) {
			return wsrep.StatusConnectionFailed
		}
		time.Sleep(time.Millisecond)
	}
	return wsrep.StatusSuccess
}

func (p *Provider) LastCommittedGTID() wsrep.GTID {
	if p.raft == nil {
		return wsrep.UndefinedGTID()
	}
	return wsrep.GTID{ID: p.cfg.GroupID, Seqno: wsrep.Seqno(p.raft.AppliedIndex())}
}

func (p *Provider) SSTSent(wsrep.GTID, int) wsrep.Status     { return wsrep.StatusSuccess }
func (p *Provider) SSTReceived(wsrep.GTID, int) wsrep.Status { return wsrep.StatusSuccess }

// EncSetKey is unsupported: this provider has no at-rest encryption path.
func (p *Provider) EncSetKey(wsrep.ConstBuffer) wsrep.Status { return wsrep.StatusNotImplemented }

func (p *Provider) Options() string               { return "" }
func (p *Provider) SetOptions(string) wsrep.Status { return wsrep.StatusSuccess }

func (p *Provider) Name() string    { return "raftprovider" }
func (p *Provider) Version() string { return "0.1.0" }
func (p *Provider) Vendor() string  { return "wsrep-go" }

var _ wsrep.Provider = (*Provider)(nil)
