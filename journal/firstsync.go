package journal

import (
	"time"

	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/golang/glog"
)

// firstSyncRecheckDelay is the short wait between Schedule claiming a
// host's in-first-sync flag and starting its catch-up, giving a slave that
// is about to disconnect again a chance to show that (no live reader left)
// before a worker runs for it (spec.md §4.4.4). Duplicate workers are ruled
// out by that claim, not by this delay.
const firstSyncRecheckDelay = 50 * time.Millisecond

// FirstSyncCoordinator drives a newly (re)connected synchronous-replication
// slave to catch up before it is folded into the regular sync-quorum path:
// while a host is "in first sync" its journal is being fetched batch by
// batch until it reaches the master's current seqnum, at which point
// ordinary per-operation SyncSend takes over (spec.md §4.4.1 "first-sync
// bootstrap"). Grounded on gfmdc_journal_first_sync_thread, run on a
// bounded worker pool the way the original dispatches it on
// journal_sync_thread_pool.
type FirstSyncCoordinator struct {
	Sender *Sender
	slots  chan struct{}
}

// NewFirstSyncCoordinator bounds concurrent first-sync catch-ups to
// maxConcurrent, the Go analog of journal_sync_thread_pool's worker count
// (cmn.ThreadPoolConf.MaxSyncSlaves).
func NewFirstSyncCoordinator(sender *Sender, maxConcurrent int) *FirstSyncCoordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &FirstSyncCoordinator{Sender: sender, slots: make(chan struct{}, maxConcurrent)}
}

// Schedule arranges for h to be caught up. It claims the in-first-sync slot
// atomically up front via TrySetInFirstSync — so a second READY_TO_RECV
// arriving while the first Schedule call is still in its recheck delay
// finds the slot already taken and is a no-op, instead of both calls
// double-scheduling the same host (spec.md §4.4.4). Only after the short
// delay does it re-check, under that claim, that h is still worth starting
// (still has a live reader to fetch from); if not, it releases the slot
// without ever running.
func (fsc *FirstSyncCoordinator) Schedule(h *mdhost.Host) {
	if !h.TrySetInFirstSync() {
		return
	}
	go func() {
		time.Sleep(firstSyncRecheckDelay)
		if !fsc.stillHasReader(h) {
			h.SetInFirstSync(false)
			return
		}
		fsc.run(h)
	}()
}

func (fsc *FirstSyncCoordinator) stillHasReader(h *mdhost.Host) bool {
	_, hasReader := h.GetJournalFileReader().(*journalfile.Reader)
	return hasReader
}

func (fsc *FirstSyncCoordinator) run(h *mdhost.Host) {
	fsc.slots <- struct{}{}
	defer func() { <-fsc.slots }()
	defer h.SetInFirstSync(false)

	for {
		_, sent, err := fsc.Sender.sendOne(h)
		if err != nil {
			glog.Warningf("first-sync(%s): %v", h.Name(), err)
			h.Disconnect()
			return
		}
		if !sent {
			glog.Infof("first-sync(%s): caught up at seqnum %d", h.Name(), h.LastFetchSeqnum())
			return
		}
	}
}
