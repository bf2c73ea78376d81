package journal

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/peer"
	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// TestReceiverJournalSendAppendsToLocal confirms handleJournalSend appends
// every record of a batch to the local journal, in order.
func TestReceiverJournalSendAppendsToLocal(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.log")
	local, err := journalfile.Open(localPath, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer local.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	recv := NewReceiver(reg, local, nil)
	recv.Install(serverMux, func() string { return "master" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	batch := journalfile.Batch{Records: []journalfile.Record{
		{Seqnum: 1, Payload: []byte("a")},
		{Seqnum: 2, Payload: []byte("b")},
	}}
	code, _ := sendSync(t, clientMux, rpc.OpJournalSend, func(aw *rpc.ArgWriter) error {
		return encodeBatch(aw, batch)
	})
	if code != 0 {
		t.Fatalf("journal send errcode = %v, want NoError", code)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if local.LastSeqnum() == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("local journal LastSeqnum = %d, want 2", local.LastSeqnum())
}

// TestReceiverJournalSendPreservesMasterSeqnums confirms a batch whose
// records do not start at 1 (the master is ahead of a fresh slave, e.g.
// this slave has never seen anything before this batch) lands on the
// slave's journal under the master's own seqnums, not a freshly re-assigned
// 1-based numbering — the round-trip law from spec.md §8.
func TestReceiverJournalSendPreservesMasterSeqnums(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.log")
	local, err := journalfile.Open(localPath, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer local.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	recv := NewReceiver(reg, local, nil)
	recv.Install(serverMux, func() string { return "master" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	batch := journalfile.Batch{Records: []journalfile.Record{
		{Seqnum: 101, Payload: []byte("a")},
		{Seqnum: 102, Payload: []byte("b")},
	}}
	code, _ := sendSync(t, clientMux, rpc.OpJournalSend, func(aw *rpc.ArgWriter) error {
		return encodeBatch(aw, batch)
	})
	if code != 0 {
		t.Fatalf("journal send errcode = %v, want NoError", code)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if local.LastSeqnum() == 102 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("local journal LastSeqnum = %d, want 102 (master's own seqnums preserved)", local.LastSeqnum())
}

// TestReceiverJournalSendRejectsGapAndDisconnects confirms a batch that
// starts past the next expected seqnum (applied cursor + 1) is rejected with a PROTOCOL error
// and disconnects the sending host, rather than being silently appended
// under a renumbered seqnum.
func TestReceiverJournalSendRejectsGapAndDisconnects(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.log")
	local, err := journalfile.Open(localPath, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer local.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	master, err := reg.Enter("master", 600, "clusterA", 0)
	if err != nil {
		t.Fatalf("Enter master: %v", err)
	}
	dummyConn, otherEnd := net.Pipe()
	defer dummyConn.Close()
	defer otherEnd.Close()
	master.Activate(peer.NewLocalPeer(7, dummyConn, peer.AuthMetadataHost))
	if !master.IsUp() {
		t.Fatalf("master not up after Activate")
	}

	recv := NewReceiver(reg, local, nil)
	recv.Install(serverMux, func() string { return "master" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	// Applied cursor is 0, so the only acceptable "from" is 1; a batch
	// starting at 5 is a gap.
	batch := journalfile.Batch{Records: []journalfile.Record{
		{Seqnum: 5, Payload: []byte("a")},
		{Seqnum: 6, Payload: []byte("b")},
	}}
	code, _ := sendSync(t, clientMux, rpc.OpJournalSend, func(aw *rpc.ArgWriter) error {
		return encodeBatch(aw, batch)
	})
	if code != cmn.Protocol {
		t.Fatalf("journal send errcode = %v, want Protocol", code)
	}
	if local.LastSeqnum() != 0 {
		t.Fatalf("local journal LastSeqnum = %d, want 0 (gap batch must not be applied)", local.LastSeqnum())
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !master.IsUp() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("master host was never disconnected after a gap batch")
}

// TestReceiverJournalSendIsIdempotent confirms re-sending a range the
// receiver already applied (e.g. the master re-sends after a dropped reply)
// is a no-op that still returns success, rather than erroring or
// re-appending duplicate records.
func TestReceiverJournalSendIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "local.log")
	local, err := journalfile.Open(localPath, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer local.Close()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	recv := NewReceiver(reg, local, nil)
	recv.Install(serverMux, func() string { return "master" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	batch := journalfile.Batch{Records: []journalfile.Record{
		{Seqnum: 1, Payload: []byte("a")},
		{Seqnum: 2, Payload: []byte("b")},
	}}
	send := func() int {
		code, _ := sendSync(t, clientMux, rpc.OpJournalSend, func(aw *rpc.ArgWriter) error {
			return encodeBatch(aw, batch)
		})
		return code
	}
	if code := send(); code != 0 {
		t.Fatalf("first journal send errcode = %v, want NoError", code)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && local.LastSeqnum() != 2 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := local.LastSeqnum(); got != 2 {
		t.Fatalf("local journal LastSeqnum = %d, want 2 after first send", got)
	}

	// Re-send the identical, already-applied range: must succeed as a
	// no-op, not error and not move the cursor.
	if code := send(); code != 0 {
		t.Fatalf("replayed journal send errcode = %v, want NoError", code)
	}
	time.Sleep(50 * time.Millisecond)
	if got := local.LastSeqnum(); got != 2 {
		t.Fatalf("local journal LastSeqnum = %d, want unchanged 2 after replaying an already-applied range", got)
	}
}

// TestReceiverReadyToRecvReopensReaderAtDeclaredSeqnum confirms a master's
// Receiver opens a fresh reader positioned just past a slave's declared
// seqnum, and replies with its own current seqnum.
func TestReceiverReadyToRecvReopensReaderAtDeclaredSeqnum(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.log")
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

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	self, err := reg.Enter("master", 600, "clusterA", 0)
	if err != nil {
		t.Fatalf("Enter master: %v", err)
	}
	reg.SetSelf(self)
	self.SetIsMaster(true)

	slave, err := reg.Enter("slave0", 601, "clusterB", 0)
	if err != nil {
		t.Fatalf("Enter slave0: %v", err)
	}

	recv := NewReceiver(reg, masterJournal, nil)
	recv.Install(serverMux, func() string { return "slave0" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	masterSeqnum, err := SendReadyToRecv(clientMux, 1, time.Second)
	if err != nil {
		t.Fatalf("SendReadyToRecv: %v", err)
	}
	if masterSeqnum != 3 {
		t.Fatalf("masterSeqnum = %d, want 3", masterSeqnum)
	}

	if got := slave.LastFetchSeqnum(); got != 1 {
		t.Fatalf("slave LastFetchSeqnum = %d, want 1", got)
	}
	if !slave.IsReceivedSeqnum() {
		t.Fatalf("slave not marked as having received a seqnum")
	}
	reader, ok := slave.GetJournalFileReader().(*journalfile.Reader)
	if !ok || reader == nil {
		t.Fatalf("slave has no journal reader installed")
	}
	if reader.NextSeqnum() != 2 {
		t.Fatalf("reader.NextSeqnum() = %d, want 2 (just past declared seqnum 1)", reader.NextSeqnum())
	}
}

// TestReceiverReadyToRecvSchedulesFirstSyncForSyncCluster confirms a slave
// in the same replication cluster as self gets handed to the
// FirstSyncCoordinator.
func TestReceiverReadyToRecvSchedulesFirstSyncForSyncCluster(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.log")
	masterJournal, err := journalfile.Open(masterPath, 0)
	if err != nil {
		t.Fatalf("Open master: %v", err)
	}
	defer masterJournal.Close()
	if _, err := masterJournal.Append([]byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	self, err := reg.Enter("master", 600, "sameCluster", 0)
	if err != nil {
		t.Fatalf("Enter master: %v", err)
	}
	reg.SetSelf(self)
	self.SetIsMaster(true)

	syncSlave, err := reg.Enter("sync-slave", 601, "sameCluster", 0)
	if err != nil {
		t.Fatalf("Enter sync-slave: %v", err)
	}

	sender := NewSender(NewChannels(), time.Second)
	fsc := NewFirstSyncCoordinator(sender, 1)
	recv := NewReceiver(reg, masterJournal, fsc)
	recv.Install(serverMux, func() string { return "sync-slave" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	if _, err := SendReadyToRecv(clientMux, 0, time.Second); err != nil {
		t.Fatalf("SendReadyToRecv: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if syncSlave.IsInFirstSync() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("sync-cluster slave was never scheduled for first sync")
}

// TestReceiverReadyToRecvDisconnectsOnExpiredReader confirms a slave whose
// declared seqnum cannot be resumed against the master's journal (it is
// asking for a record that does not exist yet, i.e. has "expired" from the
// master's perspective per ReopenReaderIfNeeded) is disconnected rather
// than left with a stale or absent reader.
func TestReceiverReadyToRecvDisconnectsOnExpiredReader(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.log")
	masterJournal, err := journalfile.Open(masterPath, 0)
	if err != nil {
		t.Fatalf("Open master: %v", err)
	}
	defer masterJournal.Close()
	if _, err := masterJournal.Append([]byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()
	clientMux := rpc.NewMux(clientConn, 2, 8)
	serverMux := rpc.NewMux(serverConn, 2, 8)
	defer clientMux.Close()
	defer serverMux.Close()

	reg := mdhost.NewRegistry(fakeStore{})
	self, err := reg.Enter("master", 600, "clusterA", 0)
	if err != nil {
		t.Fatalf("Enter master: %v", err)
	}
	reg.SetSelf(self)
	self.SetIsMaster(true)

	slave, err := reg.Enter("slave0", 601, "clusterB", 0)
	if err != nil {
		t.Fatalf("Enter slave0: %v", err)
	}
	dummyConn, otherEnd := net.Pipe()
	defer dummyConn.Close()
	defer otherEnd.Close()
	slave.Activate(peer.NewLocalPeer(99, dummyConn, peer.AuthMetadataHost))
	if !slave.IsUp() {
		t.Fatalf("slave not up after Activate")
	}

	recv := NewReceiver(reg, masterJournal, nil)
	recv.Install(serverMux, func() string { return "slave0" })
	go clientMux.ReadLoop()
	go serverMux.ReadLoop()

	// slave claims it already has seqnum 50, far beyond anything the
	// master's journal has recorded: reopenReaderFor cannot resume it.
	if _, err := SendReadyToRecv(clientMux, 50, time.Second); err != nil {
		t.Fatalf("SendReadyToRecv: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !slave.IsUp() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("slave with an unresumable seqnum was never disconnected")
}
