package wsrep

// Provider is the trait the engine calls into: a group-communication and
// certification engine loaded at runtime. Implementations must be safe for
// concurrent use by any thread calling the session that owns a given
// transaction — the engine never serializes its own calls into the
// provider.
type Provider interface {
	Connect(clusterName, clusterURL, statusPath string, bootstrap bool) error
	Disconnect() error

	Capabilities() Capability

	Desync() Status
	Resync() Status

	Pause() (Seqno, Status)
	Resume() Status

	RunApplier(as HighPriorityService) Status

	StartTransaction(handle *WriteSetHandle) Status
	AssignReadView(handle *WriteSetHandle, gtid *GTID) Status

	AppendKey(handle *WriteSetHandle, key Key) Status
	AppendData(handle *WriteSetHandle, data ConstBuffer) Status

	// Certify certifies the accumulated write-set. On success it sets
	// *meta to the assigned position.
	Certify(clientID ClientID, handle *WriteSetHandle, flags Flags, meta *WriteSetMeta) Status

	// BFAbort asks the provider to preempt the named transaction. On
	// success *victimSeqno holds the seqno the victim had reached, or
	// UndefinedSeqno if it had not yet been assigned one.
	BFAbort(bfSeqno Seqno, victim TransactionID, victimSeqno *Seqno) Status

	Rollback(id TransactionID) Status

	CommitOrderEnter(handle WriteSetHandle, meta WriteSetMeta) Status
	CommitOrderLeave(handle WriteSetHandle, meta WriteSetMeta, err MutableBuffer) Status

	Release(handle *WriteSetHandle) Status

	Replay(handle WriteSetHandle, hps HighPriorityService) Status

	EnterTOI(client ClientID, keys KeyArray, data ConstBuffer, meta *WriteSetMeta, flags Flags) Status
	LeaveTOI(client ClientID, err MutableBuffer) Status

	CausalRead(timeout int) (GTID, Status)
	WaitForGTID(gtid GTID, timeout int) Status
	LastCommittedGTID() GTID

	SSTSent(gtid GTID, status int) Status
	SSTReceived(gtid GTID, status int) Status

	EncSetKey(key ConstBuffer) Status

	Options() string
	SetOptions(opts string) Status

	Name() string
	Version() string
	Vendor() string
}
