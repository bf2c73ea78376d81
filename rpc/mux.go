// Package rpc implements the async RPC framing spec.md §4.3 describes: a
// single duplex byte stream multiplexing many outstanding requests by
// transaction id (xid), with independent read and write paths and a bounded
// worker pool dispatching inbound request handlers.
package rpc

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/golang/glog"
)

// ResultFunc is invoked by the reader goroutine when a response for a
// previously sent request arrives. errcode/payload are the decoded
// response fields; the callback must consume the full payload.
type ResultFunc func(errcode cmn.ErrCode, payload []byte)

// DisconnectFunc is invoked for every outstanding xid when the stream is
// torn down before a reply arrives (spec.md §4.3).
type DisconnectFunc func()

// Handler answers an inbound request. It reads its arguments from ar and
// writes its result (not including the errcode, which the mux itself
// prepends) to aw. Returning a non-nil error maps to that error's ErrCode
// in the response envelope instead of a result payload.
type Handler func(ar *ArgReader, aw *ArgWriter) error

type pendingCall struct {
	result     ResultFunc
	disconnect DisconnectFunc
}

// Mux is one gfmd channel's multiplexer, bound to a single underlying
// stream for its lifetime. Grounded on gfmdc_client_vsend_request_{sync,
// async} and gfmdc_protocol_switch (original_source/gfmd_channel.c): the
// xid table here is the Go shape of that C file's by-hand xid bookkeeping.
type Mux struct {
	conn io.ReadWriteCloser

	writeMu sync.Mutex
	nextXid uint32

	mu      sync.Mutex
	pending map[uint32]*pendingCall

	handlers map[Opcode]Handler

	dispatch chan func()
	poolWG   sync.WaitGroup

	closed int32
}

// NewMux creates a multiplexer over conn with a bounded read-dispatch pool
// of poolSize goroutines (spec.md §5: "a read dispatcher per channel,
// fixed size, bounded queue").
func NewMux(conn io.ReadWriteCloser, poolSize, queueLen int) *Mux {
	if poolSize <= 0 {
		poolSize = 1
	}
	if queueLen <= 0 {
		queueLen = 1
	}
	m := &Mux{
		conn:     conn,
		pending:  make(map[uint32]*pendingCall),
		handlers: make(map[Opcode]Handler),
		dispatch: make(chan func(), queueLen),
	}
	m.poolWG.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go m.poolWorker()
	}
	return m
}

func (m *Mux) poolWorker() {
	defer m.poolWG.Done()
	for fn := range m.dispatch {
		fn()
	}
}

// Handle registers the handler for opcode. Must be called before ReadLoop.
func (m *Mux) Handle(op Opcode, h Handler) {
	m.handlers[op] = h
}

// SendRequest allocates a fresh xid, registers the completion callbacks,
// and writes the request frame. Per spec.md §4.3 the registration and the
// wire write must be atomic with respect to a concurrently arriving reply,
// so both happen under writeMu.
func (m *Mux) SendRequest(op Opcode, encodeArgs func(*ArgWriter) error, result ResultFunc, disconnect DisconnectFunc) error {
	aw := NewArgWriter()
	if err := aw.WriteI32(int32(op)); err != nil {
		return cmn.NewError(cmn.Protocol, err)
	}
	if encodeArgs != nil {
		if err := encodeArgs(aw); err != nil {
			return cmn.NewError(cmn.Protocol, err)
		}
	}
	payload, err := aw.Bytes()
	if err != nil {
		return err
	}

	xid := atomic.AddUint32(&m.nextXid, 1)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if atomic.LoadInt32(&m.closed) != 0 {
		return cmn.NewError(cmn.ConnectionAborted, nil)
	}
	m.mu.Lock()
	m.pending[xid] = &pendingCall{result: result, disconnect: disconnect}
	m.mu.Unlock()

	if err := WriteFrame(m.conn, Frame{Type: FrameRequest, Xid: xid, Payload: payload}); err != nil {
		m.mu.Lock()
		delete(m.pending, xid)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Mux) writeResponse(xid uint32, code cmn.ErrCode, result []byte) error {
	aw := NewArgWriter()
	if err := aw.WriteI32(int32(code)); err != nil {
		return err
	}
	if len(result) > 0 {
		if err := aw.WriteBytes(result); err != nil {
			return err
		}
	}
	payload, err := aw.Bytes()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return WriteFrame(m.conn, Frame{Type: FrameResponse, Xid: xid, Payload: payload})
}

// ReadLoop blocks reading frames from conn until a framing error or a
// read error occurs, dispatching request handlers and response callbacks
// onto the bounded worker pool. It always returns a non-nil error.
func (m *Mux) ReadLoop() error {
	for {
		f, err := ReadFrame(m.conn)
		if err != nil {
			m.teardown()
			return err
		}
		switch f.Type {
		case FrameRequest:
			m.dispatchRequest(f)
		case FrameResponse:
			m.dispatchResponse(f)
		default:
			m.teardown()
			return cmn.NewError(cmn.Protocol, nil)
		}
	}
}

func (m *Mux) dispatchRequest(f Frame) {
	xid := f.Xid
	payload := f.Payload
	m.dispatch <- func() {
		ar := NewArgReader(payload)
		opVal, err := ar.ReadI32()
		if err != nil {
			_ = m.writeResponse(xid, cmn.Protocol, nil)
			return
		}
		op := Opcode(opVal)
		h, ok := m.handlers[op]
		if !ok {
			glog.Warningf("rpc: unknown opcode %d on xid %d", opVal, xid)
			_ = m.writeResponse(xid, cmn.Protocol, nil)
			return
		}
		aw := NewArgWriter()
		if err := h(ar, aw); err != nil {
			_ = m.writeResponse(xid, cmn.CodeOf(err), nil)
			return
		}
		result, err := aw.Bytes()
		if err != nil {
			_ = m.writeResponse(xid, cmn.Protocol, nil)
			return
		}
		if err := m.writeResponse(xid, cmn.NoError, result); err != nil {
			glog.Warningf("rpc: failed writing response xid=%d: %v", xid, err)
		}
	}
}

func (m *Mux) dispatchResponse(f Frame) {
	m.mu.Lock()
	call, ok := m.pending[f.Xid]
	if ok {
		delete(m.pending, f.Xid)
	}
	m.mu.Unlock()
	if !ok {
		glog.Warningf("rpc: response for unknown xid %d, dropping %d bytes", f.Xid, len(f.Payload))
		return
	}
	payload := f.Payload
	m.dispatch <- func() {
		ar := NewArgReader(payload)
		codeVal, err := ar.ReadI32()
		if err != nil {
			call.result(cmn.Protocol, nil)
			return
		}
		code := cmn.ErrCode(codeVal)
		var result []byte
		if code == cmn.NoError && len(payload) > 0 {
			if b, err := ar.ReadBytes(); err == nil {
				result = b
			}
		}
		call.result(code, result)
	}
}

// teardown invokes every outstanding call's disconnect callback exactly
// once (spec.md §4.3) and marks the mux closed to new sends.
func (m *Mux) teardown() {
	if !atomic.CompareAndSwapInt32(&m.closed, 0, 1) {
		return
	}
	m.mu.Lock()
	pending := m.pending
	m.pending = make(map[uint32]*pendingCall)
	m.mu.Unlock()
	for _, call := range pending {
		if call.disconnect != nil {
			call.disconnect()
		}
	}
}

// Close shuts down the read-dispatch pool. Callers should have already
// closed the underlying connection so ReadLoop has returned.
func (m *Mux) Close() {
	m.teardown()
	close(m.dispatch)
	m.poolWG.Wait()
}
