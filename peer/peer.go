// Package peer implements the connection-endpoint abstraction spec.md §4.1
// describes: a polymorphic peer with two variants (local, remote),
// reference counting, asynchronous free via a dedicated closer worker, and
// a per-peer pending-operation set.
package peer

import (
	"sync"
	"sync/atomic"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// Kind is the tagged-variant discriminant replacing the original's
// function-pointer peer_ops v-table, per spec.md §9 "Polymorphism → tagged
// variants". Downcasting to the wrong variant is a programming error and
// aborts the process (cmn.Assert), exactly as the source's gflog_fatal did.
type Kind int

const (
	KindLocal Kind = iota
	KindRemote
)

func (k Kind) String() string {
	if k == KindLocal {
		return "local"
	}
	return "remote"
}

// AuthKind is the authenticated principal's role, as used by
// SWITCH_GFMD_CHANNEL's permission check (spec.md §6: "permitted only on
// metadata-host-authenticated peers").
type AuthKind int32

const (
	AuthEndUser AuthKind = iota
	AuthStorageHost
	AuthMetadataHost
)

// Peer is the capability set spec.md §4.1 names: get-connection,
// get-async-mux, get-port, get-parent, is-busy, notice-disconnected,
// shutdown, free, downcast-to-local, downcast-to-remote.
type Peer interface {
	ID() int64
	Kind() Kind
	Conn() Conn
	Mux() Mux
	Port() (int, error)
	Parent() Peer
	IsBusy() bool
	NoticeDisconnected()
	Shutdown()

	AsLocal() *LocalPeer
	AsRemote() *RemotePeer

	AddRef()
	DelRef() int32
	RefCount() int32
	FreeRequest()
	FreeRequested() bool

	Pending() *PendingSet
}

// Conn is the minimal byte-stream surface a peer's connection needs to
// expose to the rest of the core (shutdown half-closes it without a
// descriptor race, per spec.md §4.1).
type Conn interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	CloseWrite() error
	RemoteAddr() string
}

// Mux is the subset of *rpc.Mux the peer layer depends on; kept as an
// interface here so peer does not import rpc, matching the original's
// layering (peer owns the async handle, gfmd_channel owns the protocol).
type Mux interface {
	Close()
}

// base carries the fields common to both variants (spec.md §3 "Peer"):
// identity, principal, refcount/free-requested, protocol-error flag, and
// the pending-new-generation / replicating-inodes sets.
type base struct {
	id int64

	mu            sync.RWMutex
	principal     string // raw name; may be unresolved
	resolved      bool
	authKind      AuthKind
	hostname      string
	port          int

	refcount      int32 // atomic
	freeRequested int32 // atomic

	protoMu       sync.Mutex
	protocolError bool

	pending *PendingSet
}

func newBase(id int64, authKind AuthKind, hostname string, port int) base {
	return base{
		id:       id,
		authKind: authKind,
		hostname: hostname,
		port:     port,
		pending:  NewPendingSet(),
	}
}

func (b *base) ID() int64 { return b.id }

func (b *base) AuthKind() AuthKind { return b.authKind }

func (b *base) SetPrincipal(name string, resolved bool) {
	b.mu.Lock()
	b.principal = name
	b.resolved = resolved
	b.mu.Unlock()
}

func (b *base) Principal() (name string, resolved bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.principal, b.resolved
}

func (b *base) Hostname() string { return b.hostname }

// AddRef brackets cross-thread use of the peer (spec.md §4.1 "Reference
// model"). Safe to call from any goroutine holding no peer-internal lock.
func (b *base) AddRef() { atomic.AddInt32(&b.refcount, 1) }

// DelRef decrements the refcount, returning its new value. The caller
// (typically the owning table) must wake the closer when this reaches zero.
func (b *base) DelRef() int32 {
	n := atomic.AddInt32(&b.refcount, -1)
	cmn.Assert(n >= 0)
	return n
}

func (b *base) RefCount() int32 { return atomic.LoadInt32(&b.refcount) }

// FreeRequest marks the peer for reclamation; monotone per spec.md §3.
func (b *base) FreeRequest() { atomic.StoreInt32(&b.freeRequested, 1) }

func (b *base) FreeRequested() bool { return atomic.LoadInt32(&b.freeRequested) != 0 }

func (b *base) SetProtocolError() {
	b.protoMu.Lock()
	b.protocolError = true
	b.protoMu.Unlock()
}

func (b *base) HasProtocolError() bool {
	b.protoMu.Lock()
	defer b.protoMu.Unlock()
	return b.protocolError
}

func (b *base) Pending() *PendingSet { return b.pending }
