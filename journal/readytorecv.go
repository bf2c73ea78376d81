package journal

import (
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// SendReadyToRecv announces localSeqnum (this slave's last known journal
// seqnum) to the master over mux and returns the master's current
// seqnum, blocking until the reply or timeout (gfmdc_client_journal_
// ready_to_recv / gfmdc_slave_send_request_sync — a synchronous request,
// unlike journal sends, since the caller needs the result before
// proceeding to request bootstrap reads).
func SendReadyToRecv(mux *rpc.Mux, localSeqnum uint64, timeout time.Duration) (masterSeqnum uint64, err error) {
	done := make(chan struct {
		code  cmn.ErrCode
		value int64
	}, 1)

	sendErr := mux.SendRequest(rpc.OpJournalReadyToRecv,
		func(aw *rpc.ArgWriter) error { return aw.WriteI64(int64(localSeqnum)) },
		func(code cmn.ErrCode, payload []byte) {
			var v int64
			if code == cmn.NoError {
				ar := rpc.NewArgReader(payload)
				v, _ = ar.ReadI64()
			}
			done <- struct {
				code  cmn.ErrCode
				value int64
			}{code, v}
		},
		func() {
			done <- struct {
				code  cmn.ErrCode
				value int64
			}{cmn.ConnectionAborted, 0}
		},
	)
	if sendErr != nil {
		return 0, sendErr
	}

	select {
	case r := <-done:
		if r.code != cmn.NoError {
			return 0, cmn.NewError(r.code, nil)
		}
		return uint64(r.value), nil
	case <-time.After(timeout):
		return 0, cmn.NewError(cmn.OperationTimedOut, nil)
	}
}

// ReopenReaderIfNeeded (re)positions the slave's journal reader at
// fromSeqnum: it returns existing unchanged when that reader is already
// positioned there, and otherwise closes it (if any) and opens a new one
// (gfmdc_server_journal_ready_to_recv's call to
// db_journal_reader_reopen_if_needed). expired is true, with an EXPIRED
// err, when the journal ends before fromSeqnum-1 so no reader can be
// positioned at fromSeqnum.
func ReopenReaderIfNeeded(path string, existing *journalfile.Reader, fromSeqnum uint64) (reader *journalfile.Reader, expired bool, err error) {
	if existing != nil && existing.NextSeqnum() == fromSeqnum {
		return existing, false, nil
	}
	if existing != nil {
		existing.Close()
	}
	reader, err = journalfile.NewReader(path, fromSeqnum)
	if err != nil {
		if cmn.CodeOf(err) == cmn.Expired {
			return nil, true, err
		}
		return nil, false, err
	}
	return reader, false, nil
}
