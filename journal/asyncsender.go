package journal

import (
	"sync"
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
)

// AsyncSenderInterval is the fixed poll period between async fan-out
// rounds, matching gfmdc_journal_asyncsend_thread's 500ms nanosleep.
const AsyncSenderInterval = 500 * time.Millisecond

// AsyncSender is the background runner that periodically fans journal
// records out to every connected host that replicates asynchronously
// (spec.md §4.4.4). It idles (via a condition variable) while no such
// host exists, exactly as gfmdc_journal_asyncsend_thread waits on
// async_wait_cond until mdhost_has_async_replication_target becomes true.
type AsyncSender struct {
	cmn.NamedRunner

	Registry *mdhost.Registry
	Sender   *Sender

	mu      sync.Mutex
	cond    *sync.Cond
	stopped bool
}

func NewAsyncSender(reg *mdhost.Registry, sender *Sender) *AsyncSender {
	a := &AsyncSender{Registry: reg, Sender: sender}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// Wake is called whenever a host's async-replication-target status may
// have changed, so Run's idle wait can re-check its condition promptly
// rather than on the next timer tick.
func (a *AsyncSender) Wake() {
	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// QueueDepth reports how many hosts are currently eligible for the next
// asynchronous fan-out round, for gfmd's metrics sampler.
func (a *AsyncSender) QueueDepth() int {
	self := a.Registry.LookupSelf()
	n := 0
	a.Registry.ForEach(func(h *mdhost.Host) bool {
		if h == self {
			return true
		}
		if h.IsUp() && h.HasAsyncReplicationTarget() {
			n++
		}
		return true
	})
	return n
}

func (a *AsyncSender) hasAsyncTarget() bool {
	found := false
	a.Registry.ForEach(func(h *mdhost.Host) bool {
		if h.HasAsyncReplicationTarget() {
			found = true
			return false
		}
		return true
	})
	return found
}

func (a *AsyncSender) Run() error {
	for {
		a.mu.Lock()
		for !a.stopped && !a.hasAsyncTarget() {
			a.cond.Wait()
		}
		stopped := a.stopped
		a.mu.Unlock()
		if stopped {
			return nil
		}

		self := a.Registry.LookupSelf()
		if self != nil {
			a.Registry.ForEach(func(h *mdhost.Host) bool {
				if h == self || mdhost.IsSyncReplication(h, self) {
					return true
				}
				if h.IsUp() && h.HasAsyncReplicationTarget() {
					a.Sender.AsyncSend(h)
				}
				return true
			})
		}
		time.Sleep(AsyncSenderInterval)
	}
}

func (a *AsyncSender) Stop(err error) {
	a.mu.Lock()
	a.stopped = true
	a.cond.Broadcast()
	a.mu.Unlock()
}
