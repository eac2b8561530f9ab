package wsrep

import (
	"fmt"

	"github.com/codership/wsrep-go/pkg/wsreplog"
)

// TransactionState is one of the transaction's lifecycle states (spec
// §4.1). The zero value is StateExecuting; an unused Transaction is told
// apart by Active() being false, and a real transaction is always created
// via StartTransaction.
type TransactionState int

const (
	StateExecuting TransactionState = iota
	StatePreparing
	StatePrepared
	StateCertifying
	StateCommitting
	StateOrderedCommit
	StateCommitted
	StateCertFailed
	StateMustAbort
	StateAborting
	StateAborted
	StateMustReplay
	StateReplaying

	stateCount
)

func (s TransactionState) String() string {
	switch s {
	case StateExecuting:
		return "executing"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCertifying:
		return "certifying"
	case StateCommitting:
		return "committing"
	case StateOrderedCommit:
		return "ordered_commit"
	case StateCommitted:
		return "committed"
	case StateCertFailed:
		return "cert_failed"
	case StateMustAbort:
		return "must_abort"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateMustReplay:
		return "must_replay"
	case StateReplaying:
		return "replaying"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the two terminal states after
// which the transaction is cleaned up and its storage reused.
func (s TransactionState) Terminal() bool { return s == StateCommitted || s == StateAborted }

// legalTransitions is the allowed-transition matrix from spec §4.1,
// transcribed verbatim from the row/column table (and from
// transaction.cpp's state array, which it mirrors exactly).
var legalTransitions = [stateCount][stateCount]bool{
	StateExecuting:     {StatePreparing: true, StateCertifying: true, StateMustAbort: true, StateAborting: true},
	StatePreparing:     {StatePrepared: true, StateCommitting: true, StateMustAbort: true},
	StatePrepared:      {StateCertifying: true, StateCommitting: true, StateMustAbort: true, StateAborting: true},
	StateCertifying:    {StateExecuting: true, StatePreparing: true, StatePrepared: true, StateCommitting: true, StateCertFailed: true, StateMustAbort: true},
	StateCommitting:    {StateOrderedCommit: true, StateCommitted: true, StateMustAbort: true},
	StateOrderedCommit: {StateCommitted: true},
	StateCommitted:     {},
	StateCertFailed:    {StateAborting: true},
	StateMustAbort:     {StateCertFailed: true, StateAborting: true, StateMustReplay: true},
	StateAborting:      {StateAborted: true},
	StateAborted:       {},
	StateMustReplay:    {StateReplaying: true},
	StateReplaying:     {StatePreparing: true, StateCommitting: true, StateCommitted: true, StateAborted: true},
}

// maxStateHistory bounds the transaction's retained state history (spec
// §3: "a bounded state history (≤ 12)").
const maxStateHistory = 12

// stateMachine is embedded in Transaction; it owns the current state, the
// bounded history, and transition legality enforcement.
type stateMachine struct {
	state   TransactionState
	history []TransactionState
}

func (m *stateMachine) reset(initial TransactionState) {
	m.state = initial
	m.history = m.history[:0]
	m.history = append(m.history, initial)
}

// transition moves the machine to next, panicking (a programming error,
// per spec) if the move is not in legalTransitions. will_replay-style
// hooks are invoked by callers after a successful transition into
// StateMustReplay, matching transaction.cpp's state() method.
func (m *stateMachine) transition(next TransactionState) {
	if !legalTransitions[m.state][next] {
		panic(fmt.Sprintf("wsrep: illegal transaction state transition %s -> %s", m.state, next))
	}
	wsreplog.Logger.Debug().Stringer("from", m.state).Stringer("to", next).Msg("transaction state transition")
	m.state = next
	if len(m.history) >= maxStateHistory {
		m.history = append(m.history[:0], m.history[1:]...)
	}
	m.history = append(m.history, next)
}

// History returns the bounded transition history, oldest first.
func (m *stateMachine) History() []TransactionState {
	out := make([]TransactionState, len(m.history))
	copy(out, m.history)
	return out
}
