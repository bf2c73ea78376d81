package peer

import "github.com/gfarm-project/gfmd-replicate/cmn"

// RemotePeer does not own a connection; it references a parent LocalPeer
// and carries only endpoint metadata, so RPC traffic for it is tunneled as
// a framed payload over the parent (spec.md §3). Grounded on remote_peer.c
// / remote_peer.h (original_source).
type RemotePeer struct {
	base

	parent    *LocalPeer
	family    int32
	transport int32
}

// NewRemotePeer creates a remote peer whose parent is the local peer that
// issued REMOTE_PEER_ALLOC (spec.md §4.5 step 1).
func NewRemotePeer(id int64, parent *LocalPeer, authKind AuthKind, hostname string, family, transport int32, port int) *RemotePeer {
	r := &RemotePeer{
		base:      newBase(id, authKind, hostname, port),
		parent:    parent,
		family:    family,
		transport: transport,
	}
	parent.AddChild(r)
	return r
}

func (p *RemotePeer) Kind() Kind     { return KindRemote }
func (p *RemotePeer) Conn() Conn     { return p.parent.Conn() }
func (p *RemotePeer) Mux() Mux       { return p.parent.Mux() }
func (p *RemotePeer) Parent() Peer   { return p.parent }
func (p *RemotePeer) Port() (int, error) { return p.port, nil }

// IsBusy for a remote peer always reflects its parent: a remote peer has no
// I/O watcher of its own, only the parent's single readable event drives
// all tunneled traffic (spec.md §4.5 "All tunneled traffic shares one
// underlying stream").
func (p *RemotePeer) IsBusy() bool { return p.parent.IsBusy() }

func (p *RemotePeer) NoticeDisconnected() {
	p.SetProtocolError()
}

// Shutdown on a remote peer only detaches it from its parent; the parent
// owns the actual connection and is torn down independently.
func (p *RemotePeer) Shutdown() {
	p.parent.RemoveChild(p.ID())
}

func (p *RemotePeer) AsRemote() *RemotePeer { return p }
func (p *RemotePeer) AsLocal() *LocalPeer {
	cmn.Assert(false)
	return nil
}
