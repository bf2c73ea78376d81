package journal

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// TestFirstSyncCoordinatorCatchesUp drives a host through Schedule and
// checks it is no longer "in first sync" once sendOne reports nothing left
// to send, with every record having reached the slave's own journal.
func TestFirstSyncCoordinatorCatchesUp(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.log")
	slavePath := filepath.Join(dir, "slave.log")

	masterJournal, err := journalfile.Open(masterPath, 0)
	if err != nil {
		t.Fatalf("Open master: %v", err)
	}
	defer masterJournal.Close()
	for _, p := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		if _, err := masterJournal.Append(p); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	slaveJournal, err := journalfile.Open(slavePath, 0)
	if err != nil {
		t.Fatalf("Open slave: %v", err)
	}
	defer slaveJournal.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	recv := NewReceiver(reg, slaveJournal, nil)
	recv.Install(serverMux, func() string { return "master" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	reader, err := journalfile.NewReader(masterPath, 1)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer reader.Close()

	h, err := reg.Enter("slave0", 601, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	h.SetJournalFileReader(reader)

	channels := NewChannels()
	channels.Set("slave0", clientMux)
	sender := NewSender(channels, 2*time.Second)
	fsc := NewFirstSyncCoordinator(sender, 2)

	fsc.Schedule(h)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !h.IsInFirstSync() {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.IsInFirstSync() {
		t.Fatalf("host still marked in-first-sync after catch-up should have finished")
	}
	if got := slaveJournal.LastSeqnum(); got != 3 {
		t.Fatalf("slave journal LastSeqnum = %d, want 3", got)
	}
	if got := h.LastFetchSeqnum(); got != 3 {
		t.Fatalf("host LastFetchSeqnum = %d, want 3", got)
	}
}

// TestFirstSyncCoordinatorScheduleIgnoresDuplicateCall confirms a second
// Schedule call arriving while the first is still in its recheck delay
// (e.g. two READY_TO_RECV messages in quick succession) does not disturb
// the first claim: only one call's TrySetInFirstSync succeeds, so only one
// catch-up ever runs for h.
func TestFirstSyncCoordinatorScheduleIgnoresDuplicateCall(t *testing.T) {
	reg := mdhost.NewRegistry(fakeStore{})
	h, err := reg.Enter("slave0", 601, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	// No reader installed, so once the recheck delay elapses the claimed
	// worker finds stillHasReader false and releases the slot without
	// ever running sendOne.

	sender := NewSender(NewChannels(), time.Second)
	fsc := NewFirstSyncCoordinator(sender, 1)

	fsc.Schedule(h)
	if !h.IsInFirstSync() {
		t.Fatalf("Schedule did not claim in-first-sync for h")
	}
	// A duplicate Schedule call while the first claim is still pending
	// must be a no-op: it must not reset the flag out from under the
	// first call's still-pending recheck.
	fsc.Schedule(h)
	if !h.IsInFirstSync() {
		t.Fatalf("a duplicate Schedule call disturbed the existing claim")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && h.IsInFirstSync() {
		time.Sleep(10 * time.Millisecond)
	}
	if h.IsInFirstSync() {
		t.Fatalf("in-first-sync was never released after the recheck found no reader")
	}
}

// TestFirstSyncCoordinatorBoundsConcurrency confirms maxConcurrent sizes
// the coordinator's slot pool, the bound on how many catch-ups can run at
// once.
func TestFirstSyncCoordinatorBoundsConcurrency(t *testing.T) {
	sender := NewSender(NewChannels(), time.Second)
	fsc := NewFirstSyncCoordinator(sender, 1)
	if cap(fsc.slots) != 1 {
		t.Fatalf("slots capacity = %d, want 1", cap(fsc.slots))
	}
}
