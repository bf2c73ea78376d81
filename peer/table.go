package peer

import (
	"sync"
	"sync/atomic"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/golang/glog"
)

// Table is the peer table (spec.md §9 "arena of peers, index-addressed")
// plus the single closer worker that reclaims peers once both refcount and
// busy have quiesced (spec.md §4.1 "Reference model").
type Table struct {
	cmn.NamedRunner

	registryLock *sync.RWMutex // the global write lock the closer takes before freeing, per spec.md §4.1/§5

	mu    sync.Mutex
	peers map[int64]Peer

	closeMu   sync.Mutex
	closeCond *sync.Cond
	closing   map[int64]Peer

	stopped int32
	stopCh  chan struct{}
}

// NewTable creates a peer table. registryLock is the global lock the
// closer takes while freeing peers; the daemon passes its own giant lock,
// not the mdhost registry's internal mutex. Lock order is giant -> registry global -> mdhost ->
// peer-table -> peer-internal (spec.md §5), so the closer must be able to
// take it without holding any peer-internal lock.
func NewTable(registryLock *sync.RWMutex) *Table {
	t := &Table{
		registryLock: registryLock,
		peers:        make(map[int64]Peer),
		closing:      make(map[int64]Peer),
		stopCh:       make(chan struct{}),
	}
	t.closeCond = sync.NewCond(&t.closeMu)
	return t
}

// Add installs a newly created peer into the table (accept/connect time,
// spec.md §4.1 "Lifecycle").
func (t *Table) Add(p Peer) {
	t.mu.Lock()
	t.peers[p.ID()] = p
	t.mu.Unlock()
}

// Get looks up a peer by id.
func (t *Table) Get(id int64) (Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[id]
	return p, ok
}

// Count reports how many peers are currently registered, live or
// pending reclamation (used by the daemon's metrics sampler).
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

// DelRef decrements p's refcount and wakes the closer if it may now be
// reclaimable, per spec.md §4.1: "del-ref that brings the count to zero
// signals the closer."
func (t *Table) DelRef(p Peer) int32 {
	n := p.DelRef()
	if n == 0 {
		t.closeCond.Broadcast()
	}
	return n
}

// FreeRequest half-closes p immediately, enqueues it on the closer queue,
// and marks free_requested (spec.md §4.1).
func (t *Table) FreeRequest(p Peer) {
	p.Shutdown()
	p.FreeRequest()
	t.closeMu.Lock()
	t.closing[p.ID()] = p
	t.closeMu.Unlock()
	t.closeCond.Broadcast()
}

// Run is the closer loop: wait on the queue condition; scan the queue;
// pick the first peer with refcount zero and not-busy; remove it; take the
// registry lock; free; repeat. If no peer qualifies, wait again.
func (t *Table) Run() error {
	glog.Infof("starting %s", t.Getname())
	for {
		t.closeMu.Lock()
		for {
			if atomic.LoadInt32(&t.stopped) != 0 {
				t.closeMu.Unlock()
				return nil
			}
			if id, ok := t.findReclaimableLocked(); ok {
				p := t.closing[id]
				delete(t.closing, id)
				t.closeMu.Unlock()
				t.reclaim(p)
				break
			}
			t.closeCond.Wait()
		}
	}
}

func (t *Table) findReclaimableLocked() (int64, bool) {
	for id, p := range t.closing {
		if p.RefCount() == 0 && !p.IsBusy() {
			return id, true
		}
	}
	return 0, false
}

// reclaim finalizes a peer's pending set and removes it from the table.
// Closer and async-sender must not hold any peer-internal lock while
// taking the registry lock (spec.md §5); reclaim only takes locks it owns.
func (t *Table) reclaim(p Peer) {
	t.registryLock.Lock()
	t.mu.Lock()
	delete(t.peers, p.ID())
	t.mu.Unlock()
	t.registryLock.Unlock()

	p.Pending().FinalizeAll()
	if p.Kind() == KindLocal {
		lp := p.AsLocal()
		for _, child := range lp.Children() {
			t.FreeRequest(child)
		}
		_ = lp.Conn().Close()
	}
	glog.Infof("peer %d reclaimed", p.ID())
}

// Stop signals the closer to exit after its current scan.
func (t *Table) Stop(err error) {
	glog.Infof("stopping %s, err: %v", t.Getname(), err)
	atomic.StoreInt32(&t.stopped, 1)
	t.closeCond.Broadcast()
	close(t.stopCh)
}
