package wsrep

// FragmentUnit selects how streaming-replication fragment boundaries are
// measured.
type FragmentUnit int

const (
	FragmentUnitBytes FragmentUnit = iota
	FragmentUnitRows
	FragmentUnitStatements
)

// CertifiedFragment records one fragment's certified position and the
// seqno it was (or will be) applied at.
type CertifiedFragment struct {
	Seqno      Seqno
	ApplySeqno Seqno
}

// StreamingContext is the per-transaction accounting for fragment-based
// (streaming) replication.
type StreamingContext struct {
	Unit         FragmentUnit
	FragmentSize int64

	unitCounter  int64
	logPosition  int64
	bytesSeen    int64
	fragments    []CertifiedFragment

	// rolledBack holds the id for which a streaming rollback has been
	// initiated, used to idempotently avoid double rollback. It is
	// UndefinedTransactionID when no rollback is in flight.
	rolledBack TransactionID
}

// NewStreamingContext returns a context with no fragments certified yet.
func NewStreamingContext(unit FragmentUnit, size int64) StreamingContext {
	return StreamingContext{Unit: unit, FragmentSize: size, rolledBack: UndefinedTransactionID}
}

// Enabled reports whether streaming replication is configured at all.
func (s *StreamingContext) Enabled() bool { return s.FragmentSize > 0 }

// RolledBack reports whether a streaming rollback has already been
// initiated for id (making a repeat call a no-op).
func (s *StreamingContext) RolledBack(id TransactionID) bool { return s.rolledBack == id }

// MarkRolledBack idempotently records that id's streaming rollback has
// been initiated.
func (s *StreamingContext) MarkRolledBack(id TransactionID) { s.rolledBack = id }

// LogPosition returns the byte offset of the last replicated payload.
func (s *StreamingContext) LogPosition() int64 { return s.logPosition }

// SetLogPosition records the byte offset of the last replicated payload.
func (s *StreamingContext) SetLogPosition(pos int64) { s.logPosition = pos }

// CertifiedFragments returns the fragments certified so far, in order.
func (s *StreamingContext) CertifiedFragments() []CertifiedFragment { return s.fragments }

// AddCertifiedFragment records a newly certified fragment's position.
func (s *StreamingContext) AddCertifiedFragment(f CertifiedFragment) {
	s.fragments = append(s.fragments, f)
}

// ClearFragments drops all certified-fragment bookkeeping, e.g. after a
// transaction reaches a terminal state.
func (s *StreamingContext) ClearFragments() {
	s.fragments = nil
	s.unitCounter = 0
	s.bytesSeen = 0
	s.rolledBack = UndefinedTransactionID
}

// errMonotonicBytes is returned by Step when the host reports a bytes-
// generated figure lower than one already observed (invariant 7).
var errMonotonicBytes = newEngineError("bytes_generated is not monotonically increasing")

// Step advances the unit counter for one row/statement, or by newBytes
// additional bytes when Unit is FragmentUnitBytes, and reports whether the
// fragment threshold has now been met (or force is true, used for XA
// prepare which must always yield a fragment).
//
// bytesGenerated is the cumulative total the host reports; it must never
// decrease across calls.
func (s *StreamingContext) Step(bytesGenerated int64, force bool) (thresholdMet bool, err error) {
	if s.Unit == FragmentUnitBytes {
		if bytesGenerated < s.bytesSeen {
			return false, errMonotonicBytes
		}
		delta := bytesGenerated - s.bytesSeen
		s.bytesSeen = bytesGenerated
		s.unitCounter += delta
	} else {
		s.unitCounter++
	}

	if force || (s.FragmentSize > 0 && s.unitCounter >= s.FragmentSize) {
		s.unitCounter = 0
		return true, nil
	}
	return false, nil
}
