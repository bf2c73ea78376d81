package journal

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/peer"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

func sendSync(t *testing.T, mux *rpc.Mux, op rpc.Opcode, encode func(*rpc.ArgWriter) error) (cmn.ErrCode, []byte) {
	t.Helper()
	done := make(chan struct {
		code    cmn.ErrCode
		payload []byte
	}, 1)
	if err := mux.SendRequest(op, encode,
		func(code cmn.ErrCode, payload []byte) {
			done <- struct {
				code    cmn.ErrCode
				payload []byte
			}{code, payload}
		},
		func() {
			done <- struct {
				code    cmn.ErrCode
				payload []byte
			}{cmn.ConnectionAborted, nil}
		},
	); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	select {
	case r := <-done:
		return r.code, r.payload
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for response")
		return 0, nil
	}
}

func newTunnelHarness(t *testing.T) (*rpc.Mux, *peer.LocalPeer, *peer.Table) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	table := peer.NewTable(&sync.RWMutex{})
	parent := peer.NewLocalPeer(1, serverConn, peer.AuthMetadataHost)
	table.Add(parent)

	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	t.Cleanup(func() { clientMux.Close(); serverMux.Close() })

	tunnel := NewTunnel(table)
	tunnel.Install(serverMux, parent)

	go table.Run()
	t.Cleanup(func() { table.Stop(nil) })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	return clientMux, parent, table
}

func allocArgs(id int64, host string, port int32) func(*rpc.ArgWriter) error {
	return func(aw *rpc.ArgWriter) error {
		if err := aw.WriteI64(id); err != nil {
			return err
		}
		if err := aw.WriteI32(int32(peer.AuthEndUser)); err != nil {
			return err
		}
		if err := aw.WriteStr("user0"); err != nil {
			return err
		}
		if err := aw.WriteStr(host); err != nil {
			return err
		}
		if err := aw.WriteI32(2); err != nil { // family
			return err
		}
		if err := aw.WriteI32(1); err != nil { // transport
			return err
		}
		return aw.WriteI32(port)
	}
}

func TestTunnelAllocThenFree(t *testing.T) {
	clientMux, parent, _ := newTunnelHarness(t)

	code, _ := sendSync(t, clientMux, rpc.OpRemotePeerAlloc, allocArgs(42, "client0", 600))
	if code != cmn.NoError {
		t.Fatalf("alloc errcode = %v, want NoError", code)
	}
	if _, ok := parent.Child(42); !ok {
		t.Fatalf("remote peer 42 not registered on parent")
	}

	code, _ = sendSync(t, clientMux, rpc.OpRemotePeerFree, func(aw *rpc.ArgWriter) error {
		return aw.WriteI64(42)
	})
	if code != cmn.NoError {
		t.Fatalf("free errcode = %v, want NoError", code)
	}
}

func TestTunnelFreeUnknownIDIsInvalidRemotePeer(t *testing.T) {
	clientMux, _, _ := newTunnelHarness(t)

	code, _ := sendSync(t, clientMux, rpc.OpRemotePeerFree, func(aw *rpc.ArgWriter) error {
		return aw.WriteI64(999)
	})
	if code != cmn.InvalidRemotePeer {
		t.Fatalf("free unknown id errcode = %v, want InvalidRemotePeer", code)
	}
}

func TestTunnelAllocDuplicateIDRejected(t *testing.T) {
	clientMux, _, _ := newTunnelHarness(t)

	code, _ := sendSync(t, clientMux, rpc.OpRemotePeerAlloc, allocArgs(7, "client0", 600))
	if code != cmn.NoError {
		t.Fatalf("first alloc errcode = %v, want NoError", code)
	}
	code, _ = sendSync(t, clientMux, rpc.OpRemotePeerAlloc, allocArgs(7, "client0", 600))
	if code != cmn.OperationNotPermitted {
		t.Fatalf("duplicate alloc errcode = %v, want OperationNotPermitted", code)
	}
}

// TestTunnelRemoteRPCWithoutDispatcherIsNotPermitted confirms a REMOTE_RPC
// against a known remote peer fails closed when no Dispatch callback is
// installed (handleRemoteRPC's fallback is OPERATION_NOT_PERMITTED rather
// than a panic).
func TestTunnelRemoteRPCWithoutDispatcherIsNotPermitted(t *testing.T) {
	clientMux, _, _ := newTunnelHarness(t)

	code, _ := sendSync(t, clientMux, rpc.OpRemotePeerAlloc, allocArgs(5, "client0", 600))
	if code != cmn.NoError {
		t.Fatalf("alloc errcode = %v, want NoError", code)
	}

	code, _ = sendSync(t, clientMux, rpc.OpRemoteRPC, func(aw *rpc.ArgWriter) error {
		if err := aw.WriteI64(5); err != nil {
			return err
		}
		return aw.WriteBytes([]byte("payload"))
	})
	if code != cmn.OperationNotPermitted {
		t.Fatalf("remote rpc with no dispatcher errcode = %v, want OperationNotPermitted", code)
	}
}
