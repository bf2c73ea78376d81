// Package mdhost implements the metadata-host registry spec.md §4.2
// describes: the set of known metadata-server peers, clustered for
// synchronous-replication grouping, with one host always marked master.
// Grounded on mdhost.c / mdhost.h (original_source).
package mdhost

import (
	"sync"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/peer"
)

// Flags are the persisted metadata-server flags (mdhost.c's
// gfarm_metadb_server.flags); is_sync_replication and is_active are
// computed per-reply, never persisted (metadb_server_reply, mdhost.c).
type Flags int32

const (
	FlagMasterCandidate Flags = 1 << iota
)

func (f Flags) IsMasterCandidate() bool { return f&FlagMasterCandidate != 0 }

// Host is one entry in the metadata-host registry: identity, replication
// bookkeeping, and (for a connected peer) the journal-sync state spec.md
// §4.4 attaches to it. Grounded on struct mdhost (mdhost.c).
type Host struct {
	mu sync.RWMutex

	name        string
	port        int
	clusterName string
	flags       Flags

	isMaster        bool
	isDefaultMaster bool
	valid           bool

	cluster *Cluster
	conn    peer.Peer // non-nil while this host has an active gfmd-channel connection

	lastFetchSeqnum  uint64
	receivedSeqnum   bool
	inFirstSync      bool
	asyncReplication bool

	// jreader is opaque here (*journalfile.Reader once that package is in
	// scope); kept as interface{} so mdhost need not import journalfile.
	jreader interface{}
}

// NewHost constructs a registry entry that starts valid, mirroring the
// "allocate fresh" half of mdhost_enter's "re-validate an existing
// invalidated entry, else allocate fresh" path.
func NewHost(name string, port int, clusterName string, flags Flags) *Host {
	return &Host{
		name:        name,
		port:        port,
		clusterName: clusterName,
		flags:       flags,
		valid:       true,
	}
}

func (h *Host) Name() string { return h.name }
func (h *Host) Port() int    { h.mu.RLock(); defer h.mu.RUnlock(); return h.port }

func (h *Host) IsMaster() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isMaster
}

// SetIsMaster flips the master flag. Callers hold the registry giant lock
// per spec.md §5 lock ordering.
func (h *Host) SetIsMaster(v bool) {
	h.mu.Lock()
	h.isMaster = v
	h.mu.Unlock()
}

// IsSelf reports whether this entry represents the local metadata server,
// determined by identity comparison against the registry's self pointer
// rather than a stored field (mdhost_is_self compares pointers directly).
func (h *Host) IsSelf(self *Host) bool { return h == self }

func (h *Host) IsUp() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn != nil
}

// Activate installs the connection for a newly-established gfmd channel
// (mdhost_activate).
func (h *Host) Activate(p peer.Peer) {
	h.mu.Lock()
	h.conn = p
	h.mu.Unlock()
}

func (h *Host) IsValid() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.valid
}

func (h *Host) Validate() {
	h.mu.Lock()
	h.valid = true
	h.mu.Unlock()
}

// Invalidate marks the entry removed without freeing the slot, matching
// mdhost_invalidate's "keep the hash-table entry, mark unusable" approach
// (entries can be re-validated by mdhost_enter on re-registration).
func (h *Host) Invalidate() {
	h.mu.Lock()
	h.valid = false
	h.conn = nil
	h.mu.Unlock()
}

func (h *Host) Peer() peer.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conn
}

func (h *Host) SetPeer(p peer.Peer) {
	h.mu.Lock()
	h.conn = p
	h.mu.Unlock()
}

func (h *Host) IsDefaultMaster() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.isDefaultMaster
}

func (h *Host) SetIsDefaultMaster(v bool) {
	h.mu.Lock()
	h.isDefaultMaster = v
	h.mu.Unlock()
}

func (h *Host) Cluster() *Cluster {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cluster
}

func (h *Host) SetCluster(c *Cluster) {
	h.mu.Lock()
	h.cluster = c
	h.mu.Unlock()
}

func (h *Host) ClusterName() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clusterName
}

// IsSyncReplication reports whether mh and other belong to the same
// replication cluster, i.e. writes to other must be synchronously quorum-
// acknowledged before the operation returns (spec.md §4.4.3). mh and other
// must differ (mdhost_is_sync_replication asserts this).
func IsSyncReplication(mh, other *Host) bool {
	cmn.Assert(mh != other)
	mh.mu.RLock()
	other.mu.RLock()
	defer mh.mu.RUnlock()
	defer other.mu.RUnlock()
	return mh.cluster != nil && mh.cluster == other.cluster
}

func (h *Host) Flags() Flags {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.flags
}

func (h *Host) SetFlags(f Flags) {
	h.mu.Lock()
	h.flags = f
	h.mu.Unlock()
}

// HasAsyncReplicationTarget reports whether async journal fan-out is
// configured for this host (spec.md §4.4.4).
func (h *Host) HasAsyncReplicationTarget() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.asyncReplication
}

func (h *Host) SetAsyncReplicationTarget(v bool) {
	h.mu.Lock()
	h.asyncReplication = v
	h.mu.Unlock()
}

func (h *Host) GetJournalFileReader() interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.jreader
}

func (h *Host) SetJournalFileReader(r interface{}) {
	h.mu.Lock()
	h.jreader = r
	h.mu.Unlock()
}

func (h *Host) LastFetchSeqnum() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastFetchSeqnum
}

func (h *Host) SetLastFetchSeqnum(seq uint64) {
	h.mu.Lock()
	h.lastFetchSeqnum = seq
	h.mu.Unlock()
}

func (h *Host) IsReceivedSeqnum() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.receivedSeqnum
}

func (h *Host) SetReceivedSeqnum(v bool) {
	h.mu.Lock()
	h.receivedSeqnum = v
	h.mu.Unlock()
}

func (h *Host) IsInFirstSync() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.inFirstSync
}

func (h *Host) SetInFirstSync(v bool) {
	h.mu.Lock()
	h.inFirstSync = v
	h.mu.Unlock()
}

// TrySetInFirstSync atomically claims the in-first-sync slot: it sets the
// flag and returns true only if it was not already set, letting a caller
// use it as a claim check rather than a separate IsInFirstSync/
// SetInFirstSync pair that would race against a concurrent claim
// (spec.md §4.4.4's "not already syncing" recheck).
func (h *Host) TrySetInFirstSync() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inFirstSync {
		return false
	}
	h.inFirstSync = true
	return true
}

// Disconnect tears down the active connection, if any, and clears the
// per-connection sync-replication bookkeeping (mdhost_disconnect).
func (h *Host) Disconnect() {
	h.mu.Lock()
	if h.conn != nil {
		h.conn.Shutdown()
	}
	h.conn = nil
	h.receivedSeqnum = false
	h.inFirstSync = false
	h.mu.Unlock()
}
