package journal

import (
	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/rpc"
	"github.com/golang/glog"
)

// Receiver installs the JOURNAL_SEND and JOURNAL_READY_TO_RECV handlers on
// a peer's gfmd-channel mux. One Receiver serves both roles: a slave
// receives JOURNAL_SEND from the master, and a master receives
// JOURNAL_READY_TO_RECV from a newly (re)connected slave (spec.md §4.4.1/
// §4.4.2). Grounded on gfmdc_server_journal_send /
// gfmdc_server_journal_ready_to_recv.
type Receiver struct {
	Registry *mdhost.Registry
	Local    *journalfile.File // this process's own local journal, appended on slave receipt
	FSC      *FirstSyncCoordinator

	// JournalPath is Local's backing file path, used to open independent
	// per-slave Readers on demand. Left empty in tests that only exercise
	// JOURNAL_SEND receipt.
	JournalPath string
}

func NewReceiver(reg *mdhost.Registry, local *journalfile.File, fsc *FirstSyncCoordinator) *Receiver {
	path := ""
	if local != nil {
		path = local.Path()
	}
	return &Receiver{Registry: reg, Local: local, FSC: fsc, JournalPath: path}
}

// Install registers this receiver's handlers on mux (gfmdc_protocol_
// switch's dispatch table, restricted to the two journal-channel opcodes
// this type owns). hostName resolves the identity of the peer at the
// other end of mux; it is a function rather than a plain string because a
// master's Acceptor must register handlers before ReadLoop starts, i.e.
// before the incoming SWITCH_GFMD_CHANNEL handshake has revealed which
// host this connection belongs to (mux.Handle itself is not safe to call
// once ReadLoop is running). A slave's Supervisor already knows the
// master's name up front and can pass a constant-returning closure.
func (r *Receiver) Install(mux *rpc.Mux, hostName func() string) {
	mux.Handle(rpc.OpJournalSend, func(ar *rpc.ArgReader, aw *rpc.ArgWriter) error {
		return r.handleJournalSend(ar, aw, hostName())
	})
	mux.Handle(rpc.OpJournalReadyToRecv, func(ar *rpc.ArgReader, aw *rpc.ArgWriter) error {
		return r.handleJournalReadyToRecv(ar, aw, hostName())
	})
}

// handleJournalSend applies a batch to the local journal, preserving the
// master's own seqnums (journalfile.File.AppendAt, not Append, so a restart
// or reconnect can never renumber records the slave already durably has).
// The receiver enforces "no gaps" and "idempotent replay" itself (spec.md §8)
// rather than trusting the sender: a batch whose whole range is already
// applied is a no-op success (the master is re-sending after a dropped
// reply), any already-applied prefix of a partially-overlapping batch is
// skipped, and a batch that starts past applied+1 (leaving a gap) is a
// protocol violation that disconnects the sender (gfmdc_server_journal_send
// / db_journal_recvq_enter's sequence check).
func (r *Receiver) handleJournalSend(ar *rpc.ArgReader, aw *rpc.ArgWriter, hostName string) error {
	from, to, batch, err := decodeBatch(ar)
	if err != nil {
		return err
	}
	if len(batch.Records) == 0 {
		return nil
	}

	applied := r.Local.LastSeqnum()
	if from > applied+1 {
		glog.Errorf("journal recv: gap from %s: batch [%d,%d] but local cursor is at %d", hostName, from, to, applied)
		if h, ok := r.Registry.Lookup(hostName); ok {
			h.Disconnect()
		}
		return cmn.NewError(cmn.Protocol, nil)
	}

	for _, rec := range batch.Records {
		if rec.Seqnum <= applied {
			continue // already applied: idempotent replay, drop silently
		}
		if err := r.Local.AppendAt(rec.Seqnum, rec.Payload); err != nil {
			glog.Errorf("journal recv: append seqnum %d: %v", rec.Seqnum, err)
			if h, ok := r.Registry.Lookup(hostName); ok {
				h.Disconnect()
			}
			return err
		}
	}
	return nil
}

// handleJournalReadyToRecv runs on the master when a slave announces the
// last seqnum it already has. It (re)positions that slave's journal reader
// to resume just past the declared seqnum, replies with the master's
// current seqnum, and, if the slave belongs to a synchronous-replication
// cluster, schedules first-sync catch-up
// (gfmdc_server_journal_ready_to_recv / db_journal_reader_reopen_if_needed).
func (r *Receiver) handleJournalReadyToRecv(ar *rpc.ArgReader, aw *rpc.ArgWriter, hostName string) error {
	seqnum, err := ar.ReadI64()
	if err != nil {
		return err
	}
	h, ok := r.Registry.Lookup(hostName)
	if ok {
		h.SetLastFetchSeqnum(uint64(seqnum))
		h.SetReceivedSeqnum(true)
		r.reopenReaderFor(h, uint64(seqnum))
	}
	if err := aw.WriteI64(int64(r.Local.LastSeqnum())); err != nil {
		return err
	}
	self := r.Registry.LookupSelf()
	if ok && self != nil && h != self && mdhost.IsSyncReplication(h, self) && r.FSC != nil {
		r.FSC.Schedule(h)
	}
	return nil
}

// reopenReaderFor gives h a reader positioned just past its declared
// seqnum, reusing its existing one when already positioned there. A
// reader that cannot be positioned (the declared seqnum lies beyond the
// end of the local journal, so ReopenReaderIfNeeded reports EXPIRED) is
// treated like a lost connection: h disconnects and starts over from
// scratch on its next reconnect.
func (r *Receiver) reopenReaderFor(h *mdhost.Host, seqnum uint64) {
	if r.JournalPath == "" {
		return
	}
	existing, _ := h.GetJournalFileReader().(*journalfile.Reader)
	reader, expired, err := ReopenReaderIfNeeded(r.JournalPath, existing, seqnum+1)
	switch {
	case expired:
		glog.Warningf("journal recv: %s's declared seqnum %d expired from the local journal, disconnecting", h.Name(), seqnum)
		h.Disconnect()
	case err != nil:
		glog.Errorf("journal recv: reopen reader for %s: %v", h.Name(), err)
	default:
		h.SetJournalFileReader(reader)
	}
}
