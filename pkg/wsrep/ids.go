// Package wsrep implements the transaction and client-session state
// machines of a synchronous multi-master replication engine, along with
// the provider and service-seam interfaces the engine is driven through.
package wsrep

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
)

// TransactionID is an opaque 64-bit transaction identifier. The all-ones
// value denotes undefined.
type TransactionID uint64

// UndefinedTransactionID is the sentinel returned by TransactionID.Undefined.
const UndefinedTransactionID TransactionID = ^TransactionID(0)

// Undefined reports whether the id is the undefined sentinel.
func (t TransactionID) Undefined() bool { return t == UndefinedTransactionID }

// ClientID is an opaque 64-bit client identifier, same sentinel convention
// as TransactionID.
type ClientID uint64

// UndefinedClientID is the sentinel value for an unassigned client id.
const UndefinedClientID ClientID = ^ClientID(0)

// Undefined reports whether the id is the undefined sentinel.
func (c ClientID) Undefined() bool { return c == UndefinedClientID }

// ID is the 16-byte opaque identity of a cluster member (a server id).
type ID [16]byte

// UndefinedID is the all-zero server id.
var UndefinedID ID

// Undefined reports whether id is the all-zero sentinel.
func (id ID) Undefined() bool { return id == UndefinedID }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Seqno is a signed 64-bit cluster-wide monotonically increasing ordering
// number. The undefined value is -1, matching the provider ABI.
type Seqno int64

// UndefinedSeqno is the distinguished "no position" value.
const UndefinedSeqno Seqno = -1

// Undefined reports whether s is the undefined sentinel.
func (s Seqno) Undefined() bool { return s == UndefinedSeqno }

// GTID identifies a position in the global total order: (server id, seqno).
type GTID struct {
	ID    ID
	Seqno Seqno
}

// UndefinedGTID is the zero-value GTID with an undefined seqno.
func UndefinedGTID() GTID { return GTID{Seqno: UndefinedSeqno} }

// Undefined reports whether g carries an undefined seqno.
func (g GTID) Undefined() bool { return g.Seqno.Undefined() }

// STID is the replication-side identity of a transaction: (server id,
// transaction id, client id).
type STID struct {
	Server      ID
	Transaction TransactionID
	Client      ClientID
}

// ConstBuffer is an immutable opaque byte payload, mirroring the provider
// ABI's const_buffer: callers must treat it as read-only once handed to
// the provider.
type ConstBuffer []byte

// MutableBuffer is a growable opaque byte buffer (e.g. the apply-error
// buffer passed to commit_order_leave).
type MutableBuffer []byte

// WriteSetHandle pairs a transaction id with a provider-owned opaque
// pointer. The engine must never interpret Opaque; it only round-trips it
// across calls that share the same logical write-set.
type WriteSetHandle struct {
	Transaction TransactionID
	Opaque      interface{}
}

// HasOpaque reports whether the provider has attached state to this
// handle yet.
func (h WriteSetHandle) HasOpaque() bool { return h.Opaque != nil }

// WriteSetMeta carries the ordering metadata the provider assigns to a
// certified write-set.
type WriteSetMeta struct {
	GTID      GTID
	STID      STID
	DependsOn Seqno
	Flags     Flags
}

// Undefined reports whether this meta has not yet been assigned a
// position by the provider.
func (m WriteSetMeta) Undefined() bool { return m.GTID.Undefined() }

const (
	maxXIDGtrid   = 64
	maxXIDBqual   = 64
	maxXIDPayload = 128
	nullFormatID  = -1
)

// XID is an external (XA) transaction identifier: (format id, gtrid,
// bqual, payload). A FormatID of -1 denotes null.
type XID struct {
	FormatID int32
	GtridLen int32
	BqualLen int32
	Data     [maxXIDGtrid + maxXIDBqual]byte
}

// NullXID returns the null XID sentinel.
func NullXID() XID { return XID{FormatID: nullFormatID} }

// IsNull reports whether x is the null sentinel.
func (x XID) IsNull() bool { return x.FormatID == nullFormatID }

// Clear resets x to the null sentinel in place.
func (x *XID) Clear() { *x = NullXID() }

// Equal reports whether two XIDs identify the same external transaction.
func (x XID) Equal(o XID) bool {
	if x.FormatID != o.FormatID || x.GtridLen != o.GtridLen || x.BqualLen != o.BqualLen {
		return false
	}
	n := int(x.GtridLen + x.BqualLen)
	return bytes.Equal(x.Data[:n], o.Data[:n])
}

// SetGtrid copies b as the XID's global-transaction-id part, truncating to
// the maximum permitted length.
func (x *XID) SetGtrid(b []byte) {
	n := len(b)
	if n > maxXIDGtrid {
		n = maxXIDGtrid
	}
	copy(x.Data[:n], b[:n])
	x.GtridLen = int32(n)
}

// KeyType classifies the conflict semantics of a certification key.
type KeyType int

const (
	KeyShared KeyType = iota
	KeyReference
	KeyUpdate
	KeyExclusive
)

const maxKeyParts = 3

// Key is a certification key: a type plus 1-3 opaque parts. The certifier
// treats the parts as opaque byte slices.
type Key struct {
	Type  KeyType
	parts [maxKeyParts][]byte
	n     int
}

// NewKey constructs a key of the given type with no parts yet.
func NewKey(t KeyType) Key { return Key{Type: t} }

// AppendKeyPart appends a key part. It is a programming error to append
// more than three parts.
func (k *Key) AppendKeyPart(part []byte) {
	if k.n >= maxKeyParts {
		panic("wsrep: key: too many key parts")
	}
	k.parts[k.n] = part
	k.n++
}

// Parts returns the key's parts in append order.
func (k Key) Parts() [][]byte { return k.parts[:k.n] }

// KeyArray is an ordered collection of keys, matching the provider ABI's
// key_array.
type KeyArray []Key

// seqnoBytes encodes a seqno as big-endian bytes.
func seqnoBytes(s Seqno) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(s))
	return b
}
