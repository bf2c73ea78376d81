package supervisor

import (
	"net"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/mdhost"
)

type fakeStore struct{}

func (fakeStore) Add(name string, port int, clusterName string, flags mdhost.Flags) error { return nil }
func (fakeStore) Modify(name string, port int, clusterName string, flags mdhost.Flags, isDefaultMaster bool) error {
	return nil
}
func (fakeStore) Remove(name string) error { return nil }

func TestRunReturnsImmediatelyWhenSelfIsMaster(t *testing.T) {
	reg := mdhost.NewRegistry(fakeStore{})
	self, err := reg.Enter("self", 600, "cluster0", mdhost.FlagMasterCandidate)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	reg.SetSelf(self)
	reg.SetSelfAsMaster()

	s := NewSupervisor(reg, nil, nil, nil, 10*time.Millisecond, 40*time.Millisecond, time.Second)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return once self was promoted to master")
	}
}

func TestDialWithBackoffStopsOnSignal(t *testing.T) {
	reg := mdhost.NewRegistry(fakeStore{})
	// port 1 is reserved and refuses connections immediately on loopback,
	// so every dial attempt fails fast and the loop spends its time in
	// the back-off sleep, exactly where Stop should interrupt it.
	master, err := reg.Enter("127.0.0.1", 1, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}

	s := NewSupervisor(reg, nil, nil, nil, 15*time.Millisecond, 60*time.Millisecond, time.Second)
	type result struct {
		gotConn bool
		err     error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := s.dialWithBackoff(master)
		done <- result{gotConn: conn != nil, err: err}
	}()

	time.Sleep(30 * time.Millisecond)
	s.Stop(nil)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("dialWithBackoff: %v", r.err)
		}
		if r.gotConn {
			t.Fatalf("dialWithBackoff: expected nil conn after Stop")
		}
	case <-time.After(time.Second):
		t.Fatal("dialWithBackoff did not return after Stop")
	}
}

// TestRunRetriesAfterHandshakeFailure confirms a handshake failure does not
// terminate Run: the master never answers SWITCH_GFMD_CHANNEL, so connect
// keeps failing and retrying instead of Run returning the error.
func TestRunRetriesAfterHandshakeFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	var accepted int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			atomic.AddInt32(&accepted, 1)
			// never reply to SWITCH_GFMD_CHANNEL: handshake times out.
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	reg := mdhost.NewRegistry(fakeStore{})
	master, err := reg.Enter(host, port, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	master.SetIsMaster(true)
	self, err := reg.Enter("self", 1, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter self: %v", err)
	}
	reg.SetSelf(self)

	s := NewSupervisor(reg, nil, nil, nil, 10*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&accepted) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&accepted) < 2 {
		t.Fatalf("Run gave up after a single handshake failure instead of retrying (accepted=%d)", accepted)
	}

	s.Stop(nil)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestNewCookieIsNonZeroAndVaries(t *testing.T) {
	a := newCookie()
	b := newCookie()
	if a == 0 || b == 0 {
		t.Fatalf("newCookie: got zero value a=%d b=%d", a, b)
	}
	if a == b {
		t.Fatalf("newCookie: two calls returned the same value %d", a)
	}
}
