package journal

import (
	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// encodeBatch writes a JOURNAL_SEND request body onto aw: from-seqnum,
// to-seqnum, then the record count and each record's seqnum/payload. The
// from/to header follows the original's "llb" wire shape; in place of its
// single opaque journal-record blob "b", records are written one by one
// (gfmdc_client_journal_send).
func encodeBatch(aw *rpc.ArgWriter, batch journalfile.Batch) error {
	from, to := uint64(0), uint64(0)
	if len(batch.Records) > 0 {
		from = batch.Records[0].Seqnum
		to = batch.Records[len(batch.Records)-1].Seqnum
	}
	if err := aw.WriteI64(int64(from)); err != nil {
		return err
	}
	if err := aw.WriteI64(int64(to)); err != nil {
		return err
	}
	if err := aw.WriteI32(int32(len(batch.Records))); err != nil {
		return err
	}
	for _, rec := range batch.Records {
		if err := aw.WriteI64(int64(rec.Seqnum)); err != nil {
			return err
		}
		if err := aw.WriteBytes(rec.Payload); err != nil {
			return err
		}
	}
	return nil
}

// decodeBatch is the server-side inverse of encodeBatch, reading from the
// same ArgReader the dispatcher already positioned just past the opcode
// (gfmdc_server_journal_send's "llB" request decode, generalized to carry
// individual record boundaries rather than one opaque blob, since the
// receiver must be able to replay records one at a time).
func decodeBatch(ar *rpc.ArgReader) (from, to uint64, batch journalfile.Batch, err error) {
	f, err := ar.ReadI64()
	if err != nil {
		return 0, 0, batch, err
	}
	t, err := ar.ReadI64()
	if err != nil {
		return 0, 0, batch, err
	}
	n, err := ar.ReadI32()
	if err != nil {
		return 0, 0, batch, err
	}
	if n < 0 {
		return 0, 0, batch, cmn.NewError(cmn.Protocol, nil)
	}
	batch.Records = make([]journalfile.Record, 0, n)
	for i := int32(0); i < n; i++ {
		seq, err := ar.ReadI64()
		if err != nil {
			return 0, 0, batch, err
		}
		data, err := ar.ReadBytes()
		if err != nil {
			return 0, 0, batch, err
		}
		batch.Records = append(batch.Records, journalfile.Record{Seqnum: uint64(seq), Payload: data})
	}
	return uint64(f), uint64(t), batch, nil
}
