package peer

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// netConn adapts a net.Conn to the peer.Conn interface, providing the
// half-close semantics spec.md §4.1 requires of Shutdown: "writes refused,
// reads may drain".
type netConn struct{ net.Conn }

func (c netConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c netConn) RemoteAddr() string { return c.Conn.RemoteAddr().String() }

// LocalPeer owns a byte-stream connection, an async-RPC multiplexer, and
// the set of RemotePeer children tunneled through it. Grounded on
// local_peer.c (original_source).
type LocalPeer struct {
	base

	conn Conn
	mux  Mux

	fds fdPair

	readableMu sync.Mutex
	watching   int32 // atomic: 1 while the readable-event watcher has an outstanding event

	childMu  sync.Mutex
	children map[int64]*RemotePeer
}

// NewLocalPeer wraps an accepted or outbound net.Conn as a peer, per
// spec.md §4.1 "Lifecycle: a local peer is created on accept or outbound
// connect, authorized (principal resolved), then watched for readability."
func NewLocalPeer(id int64, conn net.Conn, authKind AuthKind) *LocalPeer {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	return &LocalPeer{
		base:     newBase(id, authKind, host, 0),
		conn:     netConn{conn},
		children: make(map[int64]*RemotePeer),
	}
}

func (p *LocalPeer) SetMux(m Mux) { p.mux = m }

func (p *LocalPeer) Kind() Kind   { return KindLocal }
func (p *LocalPeer) Conn() Conn   { return p.conn }
func (p *LocalPeer) Mux() Mux     { return p.mux }
func (p *LocalPeer) Parent() Peer { return nil }

func (p *LocalPeer) Port() (int, error) {
	_, portStr, err := net.SplitHostPort(p.conn.RemoteAddr())
	if err != nil {
		return 0, cmn.NewError(cmn.Protocol, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, cmn.NewError(cmn.Protocol, err)
	}
	return port, nil
}

// MarkWatching/ClearWatching track whether an I/O watcher event is still
// outstanding for this peer; IsBusy reflects that state (spec.md §4.1:
// "is-busy returns true iff an I/O watcher event is still outstanding").
func (p *LocalPeer) MarkWatching()  { atomic.StoreInt32(&p.watching, 1) }
func (p *LocalPeer) ClearWatching() { atomic.StoreInt32(&p.watching, 0) }
func (p *LocalPeer) IsBusy() bool   { return atomic.LoadInt32(&p.watching) != 0 }

// NoticeDisconnected is invoked by the reader loop (or mux teardown) when
// the underlying stream drops; it propagates to every remote-peer child so
// their parent-liveness invariant (spec.md §3: "every remote peer has a
// live parent local peer while it exists") is retired consistently.
func (p *LocalPeer) NoticeDisconnected() {
	p.SetProtocolError()
	p.childMu.Lock()
	children := make([]*RemotePeer, 0, len(p.children))
	for _, c := range p.children {
		children = append(children, c)
	}
	p.childMu.Unlock()
	for _, c := range children {
		c.NoticeDisconnected()
	}
}

// Shutdown half-closes the stream so any thread blocked in read/write wakes
// up, per spec.md §4.1.
func (p *LocalPeer) Shutdown() {
	_ = p.conn.CloseWrite()
}

func (p *LocalPeer) AsLocal() *LocalPeer { return p }
func (p *LocalPeer) AsRemote() *RemotePeer {
	cmn.Assert(false)
	return nil
}

// AddChild registers a remote peer tunneled through this local peer
// (REMOTE_PEER_ALLOC, spec.md §4.5).
func (p *LocalPeer) AddChild(r *RemotePeer) {
	p.childMu.Lock()
	p.children[r.ID()] = r
	p.childMu.Unlock()
}

// Child looks up a tunneled remote peer by id; ok is false if missing,
// which callers map to INVALID_REMOTE_PEER (spec.md §4.5).
func (p *LocalPeer) Child(id int64) (*RemotePeer, bool) {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	r, ok := p.children[id]
	return r, ok
}

// RemoveChild unregisters a remote peer (REMOTE_PEER_FREE, spec.md §4.5).
func (p *LocalPeer) RemoveChild(id int64) {
	p.childMu.Lock()
	delete(p.children, id)
	p.childMu.Unlock()
}

// Children returns a snapshot of all tunneled remote peers, used when this
// local peer disconnects and every child must be torn down.
func (p *LocalPeer) Children() []*RemotePeer {
	p.childMu.Lock()
	defer p.childMu.Unlock()
	out := make([]*RemotePeer, 0, len(p.children))
	for _, c := range p.children {
		out = append(out, c)
	}
	return out
}

func (p *LocalPeer) FDs() *fdPair { return &p.fds }
