package journal

import (
	"io"
	"sync"
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/rpc"
	"github.com/golang/glog"
)

// journalFetchBatchSize bounds how many records one JOURNAL_SEND carries,
// the Go analog of db_journal_fetch's internal record-count cap.
const journalFetchBatchSize = 1024

// Sender fetches journal records not yet known to a slave and ships them
// over that slave's gfmd channel, either synchronously (quorum-acked
// before the originating operation's reply returns, spec.md §4.4.3) or
// asynchronously (best-effort fan-out, spec.md §4.4.4). Grounded on
// gfmdc_client_journal_send / gfmdc_client_journal_syncsend /
// gfmdc_client_journal_asyncsend.
type Sender struct {
	Channels    *Channels
	SyncTimeout time.Duration
}

func NewSender(channels *Channels, syncTimeout time.Duration) *Sender {
	return &Sender{Channels: channels, SyncTimeout: syncTimeout}
}

// fetch reads the next batch of not-yet-sent records from h's journal
// reader. ok is false if there is nothing new to send right now.
func (s *Sender) fetch(h *mdhost.Host) (batch journalfile.Batch, ok bool, err error) {
	readerI := h.GetJournalFileReader()
	reader, _ := readerI.(*journalfile.Reader)
	if reader == nil {
		return journalfile.Batch{}, false, cmn.NewError(cmn.NoSuchObject, nil)
	}
	batch, err = reader.Next(journalFetchBatchSize)
	if err == io.EOF {
		return journalfile.Batch{}, false, nil
	}
	if err != nil {
		return journalfile.Batch{}, false, err
	}
	return batch, true, nil
}

// sendOne performs a single JOURNAL_SEND to h and waits for the reply
// (gfmdc_client_journal_send): fetch, encode, transmit, block for the
// slave's ack, up to SyncTimeout. Both sync and async sends go through
// this and both wait for the reply; the difference is that SyncSend and
// SyncMultiple wait on a commit's set of sync slaves together, while
// AsyncSend serves one best-effort slave that no commit waits on
// (spec.md §4.4.3 vs §4.4.4).
func (s *Sender) sendOne(h *mdhost.Host) (to uint64, sent bool, err error) {
	batch, ok, err := s.fetch(h)
	if err != nil {
		return 0, false, err
	}
	if !ok || len(batch.Records) == 0 {
		return 0, false, nil
	}

	mux, ok := s.Channels.Get(h.Name())
	if !ok {
		return 0, false, cmn.NewError(cmn.ConnectionAborted, nil)
	}

	done := make(chan cmn.ErrCode, 1)
	err = mux.SendRequest(rpc.OpJournalSend,
		func(aw *rpc.ArgWriter) error { return encodeBatch(aw, batch) },
		func(code cmn.ErrCode, _ []byte) { done <- code },
		func() { done <- cmn.ConnectionAborted },
	)
	if err != nil {
		return 0, false, err
	}

	select {
	case code := <-done:
		if code != cmn.NoError {
			return 0, false, cmn.NewError(code, nil)
		}
		to = batch.Records[len(batch.Records)-1].Seqnum
		h.SetLastFetchSeqnum(to)
		return to, true, nil
	case <-time.After(s.SyncTimeout):
		return 0, false, cmn.NewError(cmn.OperationTimedOut, nil)
	}
}

// SyncSend replicates to every host in hosts (one synchronous-replication
// cluster's members) and waits for all of them, collecting per-host
// failures without letting one slow slave block the others — the same
// "launch all, WaitGroup, collect errors" shape as ais/metasync.go's
// doSync step 3-4, which this quorum logic is grounded on. A send failure
// of ANY class (timeout, abort, protocol) disconnects that slave (spec.md
// §4.4.3 step 5, §7 Transient: "log, disconnect the one slave, do not fail
// the commit") — the commit's own success/failure is decided by the caller
// from the returned per-host errs map, independently of the disconnect.
func (s *Sender) SyncSend(hosts []*mdhost.Host) map[string]error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	errs := make(map[string]error)

	for _, h := range hosts {
		wg.Add(1)
		go func(h *mdhost.Host) {
			defer wg.Done()
			_, _, err := s.sendOne(h)
			if err != nil {
				mu.Lock()
				errs[h.Name()] = err
				mu.Unlock()
				if cmn.IsSlaveFatal(err) {
					glog.Errorf("journal syncsend to %s: %v (slave-fatal)", h.Name(), err)
				} else {
					glog.Warningf("journal syncsend to %s: %v", h.Name(), err)
				}
				h.Disconnect()
			}
		}(h)
	}
	wg.Wait()
	return errs
}

// eligibleForSync reports whether h is a slave this commit's quorum must
// wait on right now: in the same synchronous-replication cluster as self,
// connected, holding a live per-host reader, and not mid first-sync catch-up
// (spec.md §4.4.3 step 1 — first-sync slaves don't yet count toward quorum).
func eligibleForSync(self, h *mdhost.Host) bool {
	if h == self || !mdhost.IsSyncReplication(self, h) || !h.IsUp() || h.IsInFirstSync() {
		return false
	}
	_, hasReader := h.GetJournalFileReader().(*journalfile.Reader)
	return hasReader
}

// SyncMultiple drives the full synchronous-replication quorum wait for one
// commit whose local journal record is now at targetSeqnum (spec.md
// §4.4.3, "the heart of replication"): enumerate the eligible slaves in
// self's cluster (step 1); if none are eligible, fall back to the local
// journal-sync floor alone (step 2); otherwise run one drain worker per
// eligible slave plus one local-sync worker concurrently, wait for all of
// them (step 3), and return the accumulated local file-sync error — a
// per-slave failure disconnects that slave but never fails the commit,
// since the local append is already durable. localSync is nil when
// "sync journal writes to disk" is not configured (cmn.JournalConf
// SyncFile), matching step 2's "if enabled".
func (s *Sender) SyncMultiple(hosts []*mdhost.Host, self *mdhost.Host, targetSeqnum uint64, localSync func() error) error {
	eligible := make([]*mdhost.Host, 0, len(hosts))
	for _, h := range hosts {
		if eligibleForSync(self, h) {
			eligible = append(eligible, h)
		}
	}
	if len(eligible) == 0 {
		if localSync != nil {
			return localSync()
		}
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var syncErr error
	if localSync != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := localSync(); err != nil {
				mu.Lock()
				syncErr = err
				mu.Unlock()
			}
		}()
	}
	for _, h := range eligible {
		wg.Add(1)
		go func(h *mdhost.Host) {
			defer wg.Done()
			s.drainUntilCaughtUp(h, targetSeqnum)
		}(h)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return syncErr
}

// drainUntilCaughtUp repeatedly calls sendOne for h until it has
// acknowledged at least targetSeqnum or there is nothing left to fetch
// right now, so a quorum commit behind a slow slave keeps draining instead
// of sending one batch and declaring victory early (spec.md §4.4.3 step 4).
// Any send error disconnects h and stops the drain for it; the commit
// itself is not affected (see SyncMultiple).
func (s *Sender) drainUntilCaughtUp(h *mdhost.Host, targetSeqnum uint64) {
	for {
		to, sent, err := s.sendOne(h)
		if err != nil {
			glog.Warningf("journal syncsend to %s: %v", h.Name(), err)
			h.Disconnect()
			return
		}
		if !sent || to >= targetSeqnum {
			return
		}
	}
}

// AsyncSend replicates to a single best-effort slave, waiting on the
// calling goroutine for its ack (up to SyncTimeout) while no commit waits
// on it; a transport failure disconnects the slave so the supervisor's
// reconnect loop takes over (gfmdc_journal_asyncsend).
func (s *Sender) AsyncSend(h *mdhost.Host) {
	_, _, err := s.sendOne(h)
	if err != nil {
		glog.Warningf("journal asyncsend to %s: %v", h.Name(), err)
		h.Disconnect()
	}
}
