package wsrep

import "fmt"

// SessionState is one of the client session's lifecycle states (spec
// §4.2), independent of the transaction state machine it drives.
type SessionState int

const (
	SessionNone SessionState = iota
	SessionIdle
	SessionExec
	SessionResult
	SessionQuitting

	sessionStateCount
)

func (s SessionState) String() string {
	switch s {
	case SessionNone:
		return "none"
	case SessionIdle:
		return "idle"
	case SessionExec:
		return "exec"
	case SessionResult:
		return "result"
	case SessionQuitting:
		return "quitting"
	default:
		return "unknown"
	}
}

var legalSessionTransitions = [sessionStateCount][sessionStateCount]bool{
	SessionNone:     {SessionIdle: true},
	SessionIdle:     {SessionExec: true, SessionQuitting: true},
	SessionExec:     {SessionResult: true},
	SessionResult:   {SessionIdle: true},
	SessionQuitting: {SessionNone: true},
}

// Mode selects which protocol the session currently drives its owned
// transaction through (spec §4.2).
type Mode int

const (
	ModeUndefined Mode = iota
	ModeLocal
	ModeHighPriority
	ModeTOI
	ModeRSU
	ModeNBO

	modeCount
)

func (m Mode) String() string {
	switch m {
	case ModeUndefined:
		return "undefined"
	case ModeLocal:
		return "local"
	case ModeHighPriority:
		return "high_priority"
	case ModeTOI:
		return "toi"
	case ModeRSU:
		return "rsu"
	case ModeNBO:
		return "nbo"
	default:
		return "unknown"
	}
}

var legalModeTransitions = [modeCount][modeCount]bool{
	ModeUndefined:    {},
	ModeLocal:        {ModeHighPriority: true, ModeTOI: true, ModeRSU: true, ModeNBO: true},
	ModeHighPriority: {ModeLocal: true, ModeTOI: true, ModeNBO: true},
	ModeTOI:          {ModeLocal: true, ModeHighPriority: true},
	ModeRSU:          {ModeLocal: true},
	ModeNBO:          {ModeLocal: true, ModeHighPriority: true},
}

func (cs *ClientState) transitionSession(next SessionState) {
	if !legalSessionTransitions[cs.state][next] {
		panic(fmt.Sprintf("wsrep: illegal session state transition %s -> %s", cs.state, next))
	}
	cs.state = next
}

func (cs *ClientState) transitionMode(next Mode) {
	if next == cs.mode {
		return
	}
	if !legalModeTransitions[cs.mode][next] {
		panic(fmt.Sprintf("wsrep: illegal session mode transition %s -> %s", cs.mode, next))
	}
	cs.mode = next
}
