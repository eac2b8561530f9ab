package wsrep

// Flags is the write-set flags bitmask. Values are fixed by the provider
// ABI and must not be renumbered.
type Flags uint32

const (
	FlagStartTransaction Flags = 1 << 0 // 1
	FlagCommit           Flags = 1 << 1 // 2
	FlagRollback         Flags = 1 << 2 // 4
	FlagIsolation        Flags = 1 << 3 // 8
	FlagPAUnsafe         Flags = 1 << 4 // 16
	FlagCommutative      Flags = 1 << 5 // 32
	FlagNative           Flags = 1 << 6 // 64
	FlagPrepare          Flags = 1 << 7 // 128
	FlagSnapshot         Flags = 1 << 8 // 256
	FlagImplicitDeps     Flags = 1 << 9 // 512
)

// Has reports whether all bits of want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Any reports whether any bit of want is set in f.
func (f Flags) Any(want Flags) bool { return f&want != 0 }

// StartsTransaction reports whether f marks the first fragment/statement of
// a transaction.
func (f Flags) StartsTransaction() bool { return f.Has(FlagStartTransaction) }

// CommitsTransaction reports whether f marks a committing write-set.
func (f Flags) CommitsTransaction() bool { return f.Has(FlagCommit) }

// RollsBackTransaction reports whether f marks a rollback fragment.
func (f Flags) RollsBackTransaction() bool { return f.Has(FlagRollback) }

// IsTOI reports whether f marks a total-order-isolation write-set.
func (f Flags) IsTOI() bool { return f.Has(FlagIsolation) }

// IsCommutative reports whether f marks a commutative (order-independent)
// write-set.
func (f Flags) IsCommutative() bool { return f.Has(FlagCommutative) }

// IsNative reports whether f marks a provider-native write-set.
func (f Flags) IsNative() bool { return f.Has(FlagNative) }

// PreparesTransaction reports whether f marks an XA prepare fragment.
func (f Flags) PreparesTransaction() bool { return f.Has(FlagPrepare) }

// Valid rejects the one illegal composition: commit and rollback together.
func (f Flags) Valid() bool { return !(f.Has(FlagCommit) && f.Has(FlagRollback)) }
