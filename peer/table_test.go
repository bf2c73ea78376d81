package peer

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newTestLocalPeer(t *testing.T, id int64) (*LocalPeer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	return NewLocalPeer(id, server, AuthMetadataHost), client
}

func TestTableAddGetCount(t *testing.T) {
	tbl := NewTable(&sync.RWMutex{})
	if got := tbl.Count(); got != 0 {
		t.Fatalf("Count on empty table = %d, want 0", got)
	}

	p1, _ := newTestLocalPeer(t, 1)
	p2, _ := newTestLocalPeer(t, 2)
	tbl.Add(p1)
	tbl.Add(p2)

	if got := tbl.Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}
	if got, ok := tbl.Get(1); !ok || got.ID() != 1 {
		t.Fatalf("Get(1) = %v, %v", got, ok)
	}
	if _, ok := tbl.Get(99); ok {
		t.Fatalf("Get(99) unexpectedly found")
	}
}

// TestTableFreeRequestReclaimsWhenIdle exercises the closer loop: a peer
// with no outstanding references or busy flag is removed from the table
// shortly after FreeRequest.
func TestTableFreeRequestReclaimsWhenIdle(t *testing.T) {
	tbl := NewTable(&sync.RWMutex{})
	p, _ := newTestLocalPeer(t, 7)
	tbl.Add(p)

	go tbl.Run()
	defer tbl.Stop(nil)

	tbl.FreeRequest(p)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tbl.Get(7); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer 7 was never reclaimed")
}

// TestTableDelRefWakesCloserOnZero confirms DelRef's zero-crossing wakes a
// closer that was waiting on a peer stuck at refcount > 0.
func TestTableDelRefWakesCloserOnZero(t *testing.T) {
	tbl := NewTable(&sync.RWMutex{})
	p, _ := newTestLocalPeer(t, 3)
	tbl.Add(p)
	p.AddRef()

	go tbl.Run()
	defer tbl.Stop(nil)

	tbl.FreeRequest(p)
	time.Sleep(20 * time.Millisecond)
	if _, ok := tbl.Get(3); !ok {
		t.Fatalf("peer reclaimed while still referenced")
	}

	if n := tbl.DelRef(p); n != 0 {
		t.Fatalf("DelRef = %d, want 0", n)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := tbl.Get(3); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer 3 was never reclaimed after DelRef reached zero")
}
