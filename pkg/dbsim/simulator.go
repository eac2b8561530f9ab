package dbsim

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codership/wsrep-go/pkg/fragstore"
	"github.com/codership/wsrep-go/pkg/wsrep"
	"github.com/codership/wsrep-go/pkg/wsreplog"
)

// Server owns one node's engine, server service and provider, plus the
// sessions simulated clients drive against it (db::server).
type Server struct {
	Name     string
	ID       wsrep.ID
	Provider wsrep.Provider

	engine  *StorageEngine
	srvSvc  *ServerService
	params  Params
	nextTxn uint64

	sessions []*Session
	applier  *Session
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a server's storage engine, server service and sessions
// against provider, which the caller has already connected to the
// cluster (load_provider + connect in the original; this port takes an
// already-constructed, already-connected wsrep.Provider instead of
// owning provider lifecycle itself).
func NewServer(name string, id wsrep.ID, provider wsrep.Provider, params Params, store *fragstore.Store) *Server {
	engine := NewStorageEngine(store, params.AlgFreq)
	srvSvc := NewServerService(name, engine, store, 4)
	s := &Server{
		Name:     name,
		ID:       id,
		Provider: provider,
		engine:   engine,
		srvSvc:   srvSvc,
		params:   params,
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < params.NClients; i++ {
		session := NewSession(wsrep.ClientID(i+1), id, provider, engine, srvSvc)
		s.sessions = append(s.sessions, session)
	}
	s.applier = NewSession(wsrep.ClientID(0), id, provider, engine, srvSvc)
	return s
}

// Applier returns the high-priority service a provider's RunApplier loop
// drives to apply remotely certified write-sets, distinct from the
// sessions that drive locally-originated client transactions
// (db::server::start_applier constructing its own dedicated
// high-priority client_state).
func (s *Server) Applier() wsrep.HighPriorityService { return s.applier.HighPriorityService() }

// Engine returns the server's shared storage engine.
func (s *Server) Engine() *StorageEngine { return s.engine }

// Sessions returns the simulated client sessions wired to this server.
func (s *Server) Sessions() []*Session { return s.sessions }

// StartClients opens every session and launches one driving goroutine
// per session, each running NTransactions scripted transactions
// (db::server::start_clients spawning one thread per db::client).
func (s *Server) StartClients() {
	for _, session := range s.sessions {
		session.cs.Open(session.ID)
		s.wg.Add(1)
		go func(session *Session) {
			defer s.wg.Done()
			s.runClient(session)
		}(session)
	}
}

func (s *Server) runClient(session *Session) {
transactionLoop:
	for i := 0; i < s.params.NTransactions; i++ {
		select {
		case <-s.stopCh:
			break transactionLoop
		default:
		}
		if err := session.RunOneTransaction(s.params, s.nextTransactionID()); err != nil {
			wsreplog.Logger.Warn().Err(err).Str("server", s.Name).Uint64("client_id", uint64(session.ID)).Msg("transaction failed")
		}
	}
	session.cs.Close()
}

func (s *Server) nextTransactionID() wsrep.TransactionID {
	return wsrep.TransactionID(atomic.AddUint64(&s.nextTxn, 1))
}

// StopClients waits for every session's driving goroutine to finish and
// tears down the background rollback workers.
func (s *Server) StopClients() {
	close(s.stopCh)
	s.wg.Wait()
	s.srvSvc.Close()
}

// Stats aggregates this server's sessions' commit, rollback and replay
// counters.
func (s *Server) Stats() Stats {
	var total Stats
	for _, session := range s.sessions {
		st := session.Stats()
		total.Commits += st.Commits
		total.Rollbacks += st.Rollbacks
		total.Replays += st.Replays
	}
	return total
}

// RunOneTransaction drives a single scripted write through the three
// command rounds the original's run_one_transaction uses: start, append
// key/data, then commit-or-rollback (db_client.cpp run_one_transaction()).
// owner is a fixed per-call token since exactly one goroutine ever drives
// a given session.
func (s *Session) RunOneTransaction(params Params, txnID wsrep.TransactionID) error {
	const owner wsrep.OwnerToken = 1
	cs := s.cs
	rng := rand.New(rand.NewSource(int64(txnID)))

	runCommand := func(f func() error) error {
		if err := cs.BeforeCommand(owner, false); err != nil {
			return err
		}
		var ferr error
		if err := cs.BeforeStatement(); err == nil {
			ferr = cs.WithLock(f)
		}
		_ = cs.AfterStatement()
		cs.AfterCommandBeforeResult()
		if clientErr := cs.Error(); clientErr.IsSet() {
			ferr = &clientErr
		}
		cs.AfterCommandAfterResult()
		return ferr
	}

	err := runCommand(func() error {
		if startErr := cs.Transaction().StartTransaction(cs, txnID); startErr != nil {
			return startErr
		}
		s.localTx = s.engine.NewTransaction()
		s.localTx.Start(s)
		return nil
	})

	var key uint64
	var payload []byte
	if err == nil {
		err = runCommand(func() error {
			key = uint64(rng.Intn(params.NRows + 1))
			size := params.MaxDataSize
			if params.RandomDataSize {
				size = 1 + rng.Intn(params.MaxDataSize)
			}
			raw := make([]byte, size)
			rng.Read(raw)
			payload = encodeRowKey(key, raw)

			k := wsrep.NewKey(wsrep.KeyExclusive)
			k.AppendKeyPart([]byte("dbms"))
			clientKey := make([]byte, 8)
			for i := 0; i < 8; i++ {
				clientKey[i] = byte(uint64(s.ID) >> (8 * i))
			}
			k.AppendKeyPart(clientKey)
			rowKey := make([]byte, 8)
			for i := 0; i < 8; i++ {
				rowKey[i] = byte(key >> (8 * i))
			}
			k.AppendKeyPart(rowKey)

			tx := cs.Transaction()
			if err := tx.AppendKey(cs, k); err != nil {
				return err
			}
			return tx.AppendData(cs, wsrep.ConstBuffer(payload))
		})
	}

	if err == nil {
		err = runCommand(func() error {
			tx := cs.Transaction()
			if err := tx.BeforeCommit(cs); err != nil {
				return err
			}
			meta := tx.Meta()
			if cerr := s.localTx.Commit(meta.GTID); cerr != nil {
				s.localTx.Rollback()
				s.localTx = nil
				return cerr
			}
			s.localTx = nil
			if err := tx.OrderedCommit(cs); err != nil {
				return err
			}
			if err := tx.AfterCommit(cs); err != nil {
				return err
			}
			atomic.AddInt64(&s.stats.Commits, 1)
			return nil
		})
		// AfterStatement (run inside runCommand, above) already drove any
		// must_abort/cert_failed transaction the rest of the way to
		// aborted or a replay, including the localTx cleanup BFRollback
		// performs. Only a non-HP OrderedCommit failure leaves the
		// transaction short of that, still sitting in committing; only
		// then does it still need an explicit rollback round.
		if err != nil && cs.Transaction().State() == wsrep.StateCommitting {
			_ = cs.WithLock(func() error {
				tx := cs.Transaction()
				_ = tx.BeforeRollback(cs)
				if s.localTx != nil {
					s.localTx.Rollback()
					s.localTx = nil
				}
				return tx.AfterRollback(cs)
			})
		}
	}

	return err
}

// Simulator owns the set of servers a scenario runs across, matching
// db::simulator's servers_ map keyed by name.
type Simulator struct {
	mu      sync.Mutex
	servers map[string]*Server
	params  Params

	clientsStart time.Time
	clientsStop  time.Time
}

// NewSimulator constructs an empty simulator for the given parameters.
func NewSimulator(params Params) *Simulator {
	return &Simulator{servers: make(map[string]*Server), params: params}
}

// AddServer registers server under name, failing if the name is taken
// (db::simulator::start()'s servers_.insert check).
func (sim *Simulator) AddServer(name string, server *Server) error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if _, exists := sim.servers[name]; exists {
		return fmt.Errorf("dbsim: server %q already registered", name)
	}
	sim.servers[name] = server
	return nil
}

// Server looks up a registered server by name.
func (sim *Simulator) Server(name string) (*Server, bool) {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	s, ok := sim.servers[name]
	return s, ok
}

// Run starts every registered server's clients, lets them drive their
// scripted transaction load to completion, then stops them and reports
// aggregate stats (db::simulator::run()).
func (sim *Simulator) Run() string {
	sim.Start()
	sim.Stop()
	return sim.Stats()
}

// Start launches every server's simulated clients.
func (sim *Simulator) Start() {
	sim.mu.Lock()
	servers := make([]*Server, 0, len(sim.servers))
	for _, s := range sim.servers {
		servers = append(servers, s)
	}
	sim.mu.Unlock()

	sim.clientsStart = time.Now()
	for _, s := range servers {
		s.StartClients()
	}
}

// Stop waits for every server's clients to finish.
func (sim *Simulator) Stop() {
	sim.mu.Lock()
	servers := make([]*Server, 0, len(sim.servers))
	for _, s := range sim.servers {
		servers = append(servers, s)
	}
	sim.mu.Unlock()

	for _, s := range servers {
		s.StopClients()
	}
	sim.clientsStop = time.Now()
}

// Stats formats aggregate throughput and per-kind transaction counts
// across every server, the Go analogue of db::simulator::stats().
func (sim *Simulator) Stats() string {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	var total Stats
	var bfAborts int64
	for _, s := range sim.servers {
		st := s.Stats()
		total.Commits += st.Commits
		total.Rollbacks += st.Rollbacks
		total.Replays += st.Replays
		bfAborts += s.Engine().BFAborts()
	}
	txns := total.Commits + total.Rollbacks
	duration := sim.clientsStop.Sub(sim.clientsStart).Seconds()
	var tps float64
	if duration > 0 {
		tps = float64(txns) / duration
	}
	return fmt.Sprintf(
		"Number of transactions: %d\nSeconds: %.3f\nTransactions per second: %.3f\nBF aborts: %d\nClient commits: %d\nClient rollbacks: %d\nClient replays: %d",
		txns, duration, tps, bfAborts, total.Commits, total.Rollbacks, total.Replays)
}
