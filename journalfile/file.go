// Package journalfile is the append-only, sequence-numbered record store
// backing the reader/writer interface the journal package consumes
// (spec.md §4.4 treats the journal file as an external collaborator; this
// package is the minimal concrete implementation that exercises it
// end-to-end). Grounded on the record/reopen semantics described in
// gfmd_channel.c's journal_file_reader usage and spec.md §9 "Generators ->
// bounded iterators".
package journalfile

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// Record is one journal entry: a sequence number and an opaque payload.
// Sequence numbers are strictly increasing and gap-free within a single
// file, per spec.md §3 "Ordering/identity".
type Record struct {
	Seqnum  uint64
	Payload []byte
}

// Batch is the unit Next returns: one or more contiguous records, the
// payload of one wire JOURNAL_SEND (spec.md §4.4.2).
type Batch struct {
	Records []Record
}

const recordHeaderSize = 8 + 4 // seqnum + payload length

// File is the append-only store. A single writer goroutine appends while
// any number of Readers may be positioned independently over the same
// path, each opening its own file handle with its own read offset
// (multiple slaves fetch at different seqnums concurrently, spec.md §4.4.2).
type File struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	next uint64 // next seqnum to be assigned
}

// Open opens or creates the journal file at path. lastSeqnum is the seqnum
// of the last record already on disk (0 if empty), supplied by the caller
// after an initial scan — File itself does not scan on Open (the daemon
// reads the file through a Reader first to find it).
func Open(path string, lastSeqnum uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, cmn.NewError(cmn.NoMemory, err)
	}
	return &File{path: path, f: f, w: bufio.NewWriter(f), next: lastSeqnum + 1}, nil
}

// Path returns the filesystem path this journal was opened from, letting
// collaborators (e.g. the master's per-slave Reader bookkeeping) open
// independent read handles over the same file.
func (jf *File) Path() string { return jf.path }

// Append writes payload as the next sequential record, assigning it this
// journal's own next seqnum, and returns that seqnum: the local writer's
// path for a newly committed operation (spec.md §4.4.1), whereas a
// receiver replaying a master's records uses AppendAt.
func (jf *File) Append(payload []byte) (uint64, error) {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	return jf.appendLocked(jf.next, payload)
}

// AppendAt writes payload under a seqnum the caller already decided, as a
// receiver replaying a master's journal record must (it cannot assign its
// own numbering without breaking the round-trip seqnum law, spec.md §8).
// It fails with cmn.Protocol if seqnum is not exactly the next one this
// journal expects, so callers are expected to have already checked for
// gaps/overlap before calling it one record at a time.
func (jf *File) AppendAt(seqnum uint64, payload []byte) error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if seqnum != jf.next {
		return cmn.NewError(cmn.Protocol, nil)
	}
	_, err := jf.appendLocked(seqnum, payload)
	return err
}

func (jf *File) appendLocked(seq uint64, payload []byte) (uint64, error) {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], seq)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := jf.w.Write(hdr[:]); err != nil {
		return 0, cmn.NewError(cmn.NoMemory, err)
	}
	if _, err := jf.w.Write(payload); err != nil {
		return 0, cmn.NewError(cmn.NoMemory, err)
	}
	if err := jf.w.Flush(); err != nil {
		return 0, cmn.NewError(cmn.NoMemory, err)
	}
	jf.next++
	return seq, nil
}

// Sync flushes the writer and fsyncs the underlying file, the local-
// durability floor a synchronous commit falls back to when no eligible
// sync slave is connected (spec.md §4.4.3 step 2).
func (jf *File) Sync() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if err := jf.w.Flush(); err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	if err := jf.f.Sync(); err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	return nil
}

// LastSeqnum returns the seqnum of the most recently appended record, or
// the lastSeqnum passed to Open if none has been appended yet in this
// process.
func (jf *File) LastSeqnum() uint64 {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if jf.next == 0 {
		return 0
	}
	return jf.next - 1
}

// Close flushes and closes the underlying file.
func (jf *File) Close() error {
	jf.mu.Lock()
	defer jf.mu.Unlock()
	if err := jf.w.Flush(); err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	return jf.f.Close()
}

// Reader is a bounded iterator positioned at some seqnum, used by the
// journal sender to fetch records from an arbitrary starting point without
// holding the whole file in memory (spec.md §9 "Generators -> bounded
// iterators").
type Reader struct {
	r       *bufio.Reader
	f       *os.File
	nextSeq uint64
}

// NewReader opens an independent read handle positioned to start at
// fromSeqnum. If fromSeqnum is exactly one past the last record, Next
// returns io.EOF until more records are appended (the sender re-polls,
// spec.md §4.4.2 "fetch is a poll, not a push"); if the file ends earlier
// than that, NewReader fails with cmn.Expired.
func NewReader(path string, fromSeqnum uint64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cmn.NewError(cmn.NoSuchObject, err)
	}
	rd := &Reader{r: bufio.NewReader(f), f: f, nextSeq: 1}
	for rd.nextSeq < fromSeqnum {
		if _, err := rd.next(); err != nil {
			f.Close()
			if err == io.EOF {
				return nil, cmn.NewError(cmn.Expired, err)
			}
			return nil, err
		}
	}
	return rd, nil
}

func (rd *Reader) next() (Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, cmn.NewError(cmn.UnexpectedEOF, err)
		}
		return Record{}, err // io.EOF propagates as-is: "no more records yet"
	}
	seq := binary.BigEndian.Uint64(hdr[0:8])
	size := binary.BigEndian.Uint32(hdr[8:12])
	payload := make([]byte, size)
	if _, err := io.ReadFull(rd.r, payload); err != nil {
		return Record{}, cmn.NewError(cmn.UnexpectedEOF, err)
	}
	rd.nextSeq = seq + 1
	return Record{Seqnum: seq, Payload: payload}, nil
}

// Next returns up to maxRecords contiguous records starting at the
// reader's current position. It returns io.EOF (not wrapped) once no more
// records are currently available, letting the caller distinguish "caught
// up, poll again later" from a real error.
func (rd *Reader) Next(maxRecords int) (Batch, error) {
	var batch Batch
	for i := 0; i < maxRecords; i++ {
		rec, err := rd.next()
		if err == io.EOF {
			if len(batch.Records) > 0 {
				return batch, nil
			}
			return batch, io.EOF
		}
		if err != nil {
			return batch, err
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// NextSeqnum reports the seqnum the reader will return next.
func (rd *Reader) NextSeqnum() uint64 { return rd.nextSeq }

// Close releases the reader's file handle.
func (rd *Reader) Close() error { return rd.f.Close() }
