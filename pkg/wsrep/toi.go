package wsrep

import (
	"time"

	"github.com/codership/wsrep-go/pkg/wsrepmetrics"
)

// pollEnterTOI polls provider.EnterTOI until it succeeds, the deadline
// passes, or the connection is interrupted, sleeping sleepCertRetry
// between transient failures (spec §4.2 "TOI", §5 "Cancellation &
// timeouts"). Must be called with cs.mu held; it releases the lock around
// both the provider call and the sleep.
func (cs *ClientState) pollEnterTOI(keys KeyArray, data ConstBuffer, flags Flags, deadline time.Time) (WriteSetMeta, Status) {
	timer := wsrepmetrics.NewTimer()
	for {
		var meta WriteSetMeta
		cs.mu.Unlock()
		status := cs.provider.EnterTOI(cs.ID, keys, data, &meta, flags)
		cs.mu.Lock()

		if status == StatusSuccess {
			timer.ObserveDuration(wsrepmetrics.TOIDuration)
			wsrepmetrics.TOITotal.WithLabelValues(status.String()).Inc()
			return meta, status
		}
		if !meta.Undefined() {
			cs.mu.Unlock()
			cs.provider.LeaveTOI(cs.ID, nil)
			cs.mu.Lock()
		}

		if status != StatusCertificationFailed && status != StatusConnectionFailed {
			timer.ObserveDuration(wsrepmetrics.TOIDuration)
			wsrepmetrics.TOITotal.WithLabelValues(status.String()).Inc()
			return meta, status
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			timer.ObserveDuration(wsrepmetrics.TOIDuration)
			wsrepmetrics.TOITotal.WithLabelValues(status.String()).Inc()
			return meta, status
		}
		if cs.cliSvc != nil && cs.cliSvc.Interrupted(&cs.mu) {
			timer.ObserveDuration(wsrepmetrics.TOIDuration)
			wsrepmetrics.TOITotal.WithLabelValues(status.String()).Inc()
			return meta, status
		}

		cs.mu.Unlock()
		time.Sleep(sleepCertRetry)
		cs.mu.Lock()
	}
}

// EnterTOILocal enters total-order isolation from local mode: a
// cluster-wide serialized DDL-like operation that starts and commits as a
// single write-set (spec §4.2 "TOI").
func (cs *ClientState) EnterTOILocal(keys KeyArray, data ConstBuffer, deadline time.Time) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	meta, status := cs.pollEnterTOI(keys, data, FlagStartTransaction|FlagCommit, deadline)
	if status != StatusSuccess {
		return toiError(status)
	}
	cs.toiMeta = meta
	cs.savedMode = cs.mode
	cs.transitionMode(ModeTOI)
	return nil
}

// EnterTOIMode is EnterTOILocal's high-priority-applier counterpart.
func (cs *ClientState) EnterTOIMode(keys KeyArray, data ConstBuffer, deadline time.Time) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	meta, status := cs.pollEnterTOI(keys, data, FlagStartTransaction|FlagCommit, deadline)
	if status != StatusSuccess {
		return toiError(status)
	}
	cs.toiMeta = meta
	cs.savedMode = cs.mode
	cs.transitionMode(ModeTOI)
	return nil
}

// LeaveTOILocal leaves TOI, updating LastWrittenGTID from the TOI meta and
// restoring the saved mode.
func (cs *ClientState) LeaveTOILocal() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.leaveTOICommonLocked()
}

// LeaveTOIMode is LeaveTOILocal's high-priority-applier counterpart.
func (cs *ClientState) LeaveTOIMode() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.leaveTOICommonLocked()
}

func (cs *ClientState) leaveTOICommonLocked() error {
	cs.mu.Unlock()
	status := cs.provider.LeaveTOI(cs.ID, nil)
	cs.mu.Lock()

	if !cs.toiMeta.Undefined() {
		cs.lastWrittenGTID = cs.toiMeta.GTID
	}
	cs.transitionMode(cs.savedMode)
	cs.toiMeta = WriteSetMeta{}
	if status != StatusSuccess {
		return toiError(status)
	}
	return nil
}

func toiError(status Status) error {
	switch status {
	case StatusCertificationFailed, StatusBFAbort:
		return &ClientError{Kind: ErrDeadlock, ProviderStatus: status}
	case StatusConnectionFailed:
		return &ClientError{Kind: ErrTimeout, ProviderStatus: status}
	default:
		return &ClientError{Kind: ErrDuringCommit, ProviderStatus: status}
	}
}

// BeginRSU desyncs this node from the cluster, waits for committing
// transactions to drain, and pauses the provider so a rolling schema
// upgrade can run locally (spec §4.2 "RSU").
func (cs *ClientState) BeginRSU(timeout time.Duration) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.mu.Unlock()
	status := cs.provider.Desync()
	cs.mu.Lock()
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}

	cs.cliSvc.WaitForReplayers(&cs.mu)

	cs.mu.Unlock()
	_, pauseStatus := cs.provider.Pause()
	cs.mu.Lock()
	if pauseStatus != StatusSuccess {
		cs.mu.Unlock()
		cs.provider.Resync()
		cs.mu.Lock()
		return &ClientError{Kind: ErrUnknown, ProviderStatus: pauseStatus}
	}

	cs.savedMode = cs.mode
	cs.transitionMode(ModeRSU)
	return nil
}

// EndRSU resumes the provider and resyncs this node, restoring the mode
// RSU was entered from.
func (cs *ClientState) EndRSU() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.mu.Unlock()
	status := cs.provider.Resume()
	cs.provider.Resync()
	cs.mu.Lock()

	cs.transitionMode(cs.savedMode)
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
	return nil
}

// BeginNBOPhaseOne starts a non-blocking operation: it enters TOI with
// only the start_transaction flag, then remains in mode nbo (not TOI) so
// the DBMS can run the long operation outside total-order isolation
// (spec §4.2 "NBO").
func (cs *ClientState) BeginNBOPhaseOne(keys KeyArray, data ConstBuffer, deadline time.Time) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	meta, status := cs.pollEnterTOI(keys, data, FlagStartTransaction, deadline)
	if status != StatusSuccess {
		return toiError(status)
	}
	cs.nboMeta = meta
	cs.savedMode = cs.mode
	cs.transitionMode(ModeNBO)
	return nil
}

// EndNBOPhaseOne leaves TOI but stays in mode nbo.
func (cs *ClientState) EndNBOPhaseOne() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.mu.Unlock()
	status := cs.provider.LeaveTOI(cs.ID, nil)
	cs.mu.Lock()
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
	return nil
}

// EnterNBOMode is the high-priority-applier counterpart entered when
// applying a remotely-initiated NBO.
func (cs *ClientState) EnterNBOMode(meta WriteSetMeta) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.nboMeta = meta
	cs.savedMode = cs.mode
	cs.transitionMode(ModeNBO)
}

// BeginNBOPhaseTwo re-enters TOI with only the commit flag and no keys,
// to publish the operation's completion at a single point in the global
// order. The provider is handed a fresh meta, not the phase-one NBO meta;
// the meta it returns replaces the stored NBO meta. On failure mode reverts to
// local: the DBMS is responsible for consistency from here (spec §4.2).
func (cs *ClientState) BeginNBOPhaseTwo(data ConstBuffer) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var zero time.Time
	newMeta, status := cs.pollEnterTOI(nil, data, FlagCommit, zero)
	if status != StatusSuccess {
		cs.transitionMode(ModeLocal)
		return toiError(status)
	}
	cs.nboMeta = newMeta
	return nil
}

// EndNBOPhaseTwo leaves TOI, clears the NBO meta, and returns to local
// mode.
func (cs *ClientState) EndNBOPhaseTwo() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.mu.Unlock()
	status := cs.provider.LeaveTOI(cs.ID, nil)
	cs.mu.Lock()

	if !cs.nboMeta.Undefined() {
		cs.lastWrittenGTID = cs.nboMeta.GTID
	}
	cs.nboMeta = WriteSetMeta{}
	cs.transitionMode(ModeLocal)
	if status != StatusSuccess {
		return &ClientError{Kind: ErrUnknown, ProviderStatus: status}
	}
	return nil
}
