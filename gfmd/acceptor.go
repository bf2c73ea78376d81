package gfmd

import (
	"net"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journal"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/peer"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// Acceptor is the master-side listener for incoming gfmd-channel
// connections from slaves: SWITCH_GFMD_CHANNEL upgrades the byte stream,
// after which the journal Receiver answers JOURNAL_READY_TO_RECV and the
// Tunnel answers REMOTE_PEER_ALLOC/FREE/REMOTE_RPC. Grounded on
// gfm_server_switch_gfmd_channel / switch_gfmd_channel.
//
// The authentication handshake that resolves an accepted connection's
// principal is explicitly out of scope (spec.md's "Deliberately out of
// scope" list); ResolveHost stands in for it, the "interface the core
// consumes" from that collaborator. The default implementation matches the
// original's own mechanism — mdhost_lookup_metadb_server on the
// connection's real peer address — by resolving each candidate host's
// configured name and comparing it against the accepted connection's
// remote IP.
type Acceptor struct {
	cmn.NamedRunner

	Registry *mdhost.Registry
	Channels *journal.Channels
	Receiver *journal.Receiver
	Tunnel   *journal.Tunnel
	Table    *peer.Table

	ListenAddr string
	PoolSize   int
	QueueLen   int

	ResolveHost func(conn net.Conn) (*mdhost.Host, bool)

	nextPeerID int64 // atomic

	ln net.Listener
}

func NewAcceptor(reg *mdhost.Registry, channels *journal.Channels, recv *journal.Receiver, tunnel *journal.Tunnel, table *peer.Table, listenAddr string) *Acceptor {
	a := &Acceptor{
		Registry:   reg,
		Channels:   channels,
		Receiver:   recv,
		Tunnel:     tunnel,
		Table:      table,
		ListenAddr: listenAddr,
		PoolSize:   4,
		QueueLen:   64,
	}
	a.ResolveHost = a.resolveHostByAddr
	return a
}

func (a *Acceptor) Run() error {
	ln, err := net.Listen("tcp", a.ListenAddr)
	if err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	a.ln = ln
	glog.Infof("gfmd_channel: listening on %s", a.ListenAddr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go a.handleConn(conn)
	}
}

func (a *Acceptor) Stop(err error) {
	if a.ln != nil {
		_ = a.ln.Close()
	}
}

// handleConn wraps one accepted connection as a local peer and runs its
// mux until the stream drops. Every protocol handler this connection will
// ever need is registered before ReadLoop starts (mux.Handle is documented
// as unsafe to call concurrently with it); the journal handlers resolve
// their owning host lazily, via the pointer switchedTo fills in once
// SWITCH_GFMD_CHANNEL succeeds.
func (a *Acceptor) handleConn(conn net.Conn) {
	id := atomic.AddInt64(&a.nextPeerID, 1)
	lp := peer.NewLocalPeer(id, conn, peer.AuthMetadataHost)
	mux := rpc.NewMux(conn, a.PoolSize, a.QueueLen)
	lp.SetMux(mux)
	a.Table.Add(lp)

	// switchedTo is written once by the SWITCH_GFMD_CHANNEL handler's
	// pool goroutine and read concurrently by every journal-handler
	// goroutine's hostName() closure below, plus handleConn itself after
	// ReadLoop returns; a pool dispatches each opcode on its own
	// goroutine (spec.md §5), so a plain variable here is a data race.
	// An atomic.Pointer gives every reader a safe, lock-free snapshot.
	var switchedTo atomic.Pointer[mdhost.Host]

	mux.Handle(rpc.OpSwitchGfmdChannel, func(ar *rpc.ArgReader, aw *rpc.ArgWriter) error {
		h, err := a.handleSwitch(ar, aw, lp, mux, conn)
		if err == nil {
			switchedTo.Store(h)
		}
		return err
	})
	if a.Receiver != nil {
		a.Receiver.Install(mux, func() string {
			h := switchedTo.Load()
			if h == nil {
				return ""
			}
			return h.Name()
		})
	}
	if a.Tunnel != nil {
		a.Tunnel.Install(mux, lp)
	}

	if err := mux.ReadLoop(); err != nil {
		glog.Warningf("gfmd_channel: connection from %s closed: %v", conn.RemoteAddr(), err)
	}
	lp.NoticeDisconnected()
	if h := switchedTo.Load(); h != nil && h.Peer() == peer.Peer(lp) {
		h.Disconnect()
	}
}

// handleSwitch answers SWITCH_GFMD_CHANNEL: resolve which registered host
// this connection belongs to, throw away any stale prior connection for
// that host, and activate lp as its new one (switch_gfmd_channel).
func (a *Acceptor) handleSwitch(ar *rpc.ArgReader, aw *rpc.ArgWriter, lp *peer.LocalPeer, mux *rpc.Mux, conn net.Conn) (*mdhost.Host, error) {
	if _, err := ar.ReadI32(); err != nil { // version
		return nil, err
	}
	if _, err := ar.ReadI64(); err != nil { // cookie: opaque, not verified (spec.md §9)
		return nil, err
	}

	h, ok := a.ResolveHost(conn)
	if !ok {
		return nil, cmn.NewError(cmn.OperationNotPermitted, nil)
	}
	if h.IsUp() {
		glog.Warningf("gfmd_channel(%s): switching to new connection", h.Name())
		h.Disconnect()
	}
	h.Activate(lp)
	a.Channels.Set(h.Name(), mux)

	if err := aw.WriteI32(0); err != nil { // assigned_cookie: unused beyond ack
		return nil, err
	}
	return h, nil
}

// resolveHostByAddr is the default ResolveHost: match the accepted
// connection's remote IP against every registered host's resolved address.
func (a *Acceptor) resolveHostByAddr(conn net.Conn) (*mdhost.Host, bool) {
	remoteHost, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil, false
	}
	self := a.Registry.LookupSelf()
	var found *mdhost.Host
	a.Registry.ForEach(func(h *mdhost.Host) bool {
		if h == self {
			return true
		}
		addrs, err := net.LookupHost(h.Name())
		if err != nil {
			return true
		}
		for _, addr := range addrs {
			if addr == remoteHost {
				found = h
				return false
			}
		}
		return true
	})
	return found, found != nil
}
