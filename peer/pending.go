package peer

import (
	"container/ring"
	"sync"
	"sync/atomic"
)

// PendingFinalizer is called with cmn.ConnectionAborted semantics when the
// owning peer is freed with entries still outstanding (spec.md §4.1
// "On peer free, every pending entry is finalized with CONNECTION_ABORTED
// to let the inode layer release reservations").
type PendingFinalizer func(cookie int64)

var nextCookie int64 // process-global monotonically-increasing cookie id, per spec.md §4.1

func allocCookie() int64 { return atomic.AddInt64(&nextCookie, 1) }

// pendingEntry is one by-cookie reservation.
type pendingEntry struct {
	cookie int64
	fin    PendingFinalizer
}

// PendingSet holds the two disjoint structures spec.md §4.1 describes
// hanging off a peer: at most one "by-fd" pending inode, and a
// cookie-keyed circular list of "by-cookie" entries. The original models
// the latter as a dummy-headed circular queue (HCIRCLEQ in peer_impl.h);
// container/ring is the direct stdlib analog of that shape.
type PendingSet struct {
	mu sync.Mutex

	byFD    *pendingEntry // at most one
	byFDFin PendingFinalizer

	head *ring.Ring // dummy head; nil when empty
	byID map[int64]*ring.Ring
}

func NewPendingSet() *PendingSet {
	return &PendingSet{byID: make(map[int64]*ring.Ring)}
}

// SetByFD installs the single by-fd pending reservation, replacing any
// previous one (the original allows only one at a time per peer).
func (p *PendingSet) SetByFD(fin PendingFinalizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byFD = &pendingEntry{fin: fin}
	p.byFDFin = fin
}

func (p *PendingSet) ClearByFD() {
	p.mu.Lock()
	p.byFD = nil
	p.byFDFin = nil
	p.mu.Unlock()
}

// AddByCookie allocates a fresh cookie, links fin into the circular list,
// and returns the cookie so the caller can echo it back on completion.
func (p *PendingSet) AddByCookie(fin PendingFinalizer) int64 {
	cookie := allocCookie()
	r := ring.New(1)
	r.Value = &pendingEntry{cookie: cookie, fin: fin}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.head == nil {
		p.head = r
	} else {
		p.head.Prev().Link(r)
	}
	p.byID[cookie] = r
	return cookie
}

// RemoveByCookie unlinks and returns true if cookie was outstanding.
func (p *PendingSet) RemoveByCookie(cookie int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.byID[cookie]
	if !ok {
		return false
	}
	delete(p.byID, cookie)
	if r == p.head {
		if r.Len() == 1 {
			p.head = nil
		} else {
			p.head = r.Next()
		}
	}
	r.Prev().Unlink(1)
	return true
}

// FinalizeAll runs every outstanding entry's finalizer (by-fd and every
// by-cookie entry) and clears the set. Called once, from the closer, when
// the owning peer is freed.
func (p *PendingSet) FinalizeAll() {
	p.mu.Lock()
	byFD := p.byFD
	p.byFD = nil
	entries := make([]*pendingEntry, 0, len(p.byID))
	for _, r := range p.byID {
		entries = append(entries, r.Value.(*pendingEntry))
	}
	p.byID = make(map[int64]*ring.Ring)
	p.head = nil
	p.mu.Unlock()

	if byFD != nil && byFD.fin != nil {
		byFD.fin(0)
	}
	for _, e := range entries {
		if e.fin != nil {
			e.fin(e.cookie)
		}
	}
}
