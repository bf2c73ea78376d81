package rpc

import (
	"bytes"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/tinylib/msgp/msgp"
)

// ArgWriter builds a request or result payload using the compact argument
// types spec.md §6 names: i=int32, l=int64, s=string, b/B=bytes. It is
// backed by msgp's raw Writer primitives (no generated (de)serializers;
// this package hand-drives the MessagePack wire types) rather than a
// hand-rolled binary.Write loop, so the on-wire argument encoding is the
// same compact self-describing format the rest of the retrieved dependency
// pack uses for structured payloads.
type ArgWriter struct {
	buf *bytes.Buffer
	mw  *msgp.Writer
}

func NewArgWriter() *ArgWriter {
	buf := &bytes.Buffer{}
	return &ArgWriter{buf: buf, mw: msgp.NewWriter(buf)}
}

func (w *ArgWriter) WriteI32(v int32) error { return w.mw.WriteInt32(v) }
func (w *ArgWriter) WriteI64(v int64) error { return w.mw.WriteInt64(v) }
func (w *ArgWriter) WriteStr(v string) error { return w.mw.WriteString(v) }

// WriteBytes writes a sized byte blob (covers both the caller-bounded "b"
// and callee-allocated "B" wire types from spec.md §6 — the distinction is
// a C calling-convention concern that doesn't exist once Go slices own
// their own backing array).
func (w *ArgWriter) WriteBytes(v []byte) error { return w.mw.WriteBytes(v) }

// Bytes flushes the underlying msgp writer and returns the encoded payload.
func (w *ArgWriter) Bytes() ([]byte, error) {
	if err := w.mw.Flush(); err != nil {
		return nil, cmn.NewError(cmn.Protocol, err)
	}
	return w.buf.Bytes(), nil
}

// ArgReader decodes a payload written by ArgWriter.
type ArgReader struct {
	mr *msgp.Reader
}

func NewArgReader(payload []byte) *ArgReader {
	return &ArgReader{mr: msgp.NewReader(bytes.NewReader(payload))}
}

func (r *ArgReader) ReadI32() (int32, error) {
	v, err := r.mr.ReadInt32()
	if err != nil {
		return 0, cmn.NewError(cmn.Protocol, err)
	}
	return v, nil
}

func (r *ArgReader) ReadI64() (int64, error) {
	v, err := r.mr.ReadInt64()
	if err != nil {
		return 0, cmn.NewError(cmn.Protocol, err)
	}
	return v, nil
}

func (r *ArgReader) ReadStr() (string, error) {
	v, err := r.mr.ReadString()
	if err != nil {
		return "", cmn.NewError(cmn.Protocol, err)
	}
	return v, nil
}

func (r *ArgReader) ReadBytes() ([]byte, error) {
	v, err := r.mr.ReadBytes(nil)
	if err != nil {
		return nil, cmn.NewError(cmn.Protocol, err)
	}
	return v, nil
}
