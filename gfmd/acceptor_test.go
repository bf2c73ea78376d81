package gfmd

import (
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/journal"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/peer"
	"github.com/gfarm-project/gfmd-replicate/supervisor"
)

type fakeStore struct{}

func (fakeStore) Add(name string, port int, clusterName string, flags mdhost.Flags) error { return nil }
func (fakeStore) Modify(name string, port int, clusterName string, flags mdhost.Flags, isDefaultMaster bool) error {
	return nil
}
func (fakeStore) Remove(name string) error { return nil }

// TestAcceptorHandshakeActivatesHost drives a real TCP connection through
// Supervisor's SWITCH_GFMD_CHANNEL client side and Acceptor's server side,
// checking the master ends up with the slave activated by address.
func TestAcceptorHandshakeActivatesHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())

	masterReg := mdhost.NewRegistry(fakeStore{})
	masterSelf, err := masterReg.Enter("master-self", 0, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter master self: %v", err)
	}
	masterReg.SetSelf(masterSelf)
	masterReg.SetSelfAsMaster()
	slaveOnMaster, err := masterReg.Enter("127.0.0.1", 0, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter slave on master: %v", err)
	}

	dir := t.TempDir()
	masterJournal, err := journalfile.Open(filepath.Join(dir, "master.log"), 0)
	if err != nil {
		t.Fatalf("Open master journal: %v", err)
	}
	defer masterJournal.Close()

	masterTable := peer.NewTable(&sync.RWMutex{})
	masterChannels := journal.NewChannels()
	masterRecv := journal.NewReceiver(masterReg, masterJournal, nil)
	masterTunnel := journal.NewTunnel(masterTable)
	acceptor := NewAcceptor(masterReg, masterChannels, masterRecv, masterTunnel, masterTable, ln.Addr().String())
	go acceptor.Run()
	defer acceptor.Stop(nil)

	slaveReg := mdhost.NewRegistry(fakeStore{})
	slaveSelf, err := slaveReg.Enter("slave-self", 0, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter slave self: %v", err)
	}
	slaveReg.SetSelf(slaveSelf)
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi(%q): %v", portStr, err)
	}
	master, err := slaveReg.Enter("127.0.0.1", port, "cluster0", 0)
	if err != nil {
		t.Fatalf("Enter master on slave: %v", err)
	}
	master.SetIsMaster(true)

	slaveJournal, err := journalfile.Open(filepath.Join(dir, "slave.log"), 0)
	if err != nil {
		t.Fatalf("Open slave journal: %v", err)
	}
	defer slaveJournal.Close()

	slaveChannels := journal.NewChannels()
	slaveRecv := journal.NewReceiver(slaveReg, slaveJournal, nil)
	slaveTable := peer.NewTable(&sync.RWMutex{})
	slaveTunnel := journal.NewTunnel(slaveTable)
	sup := supervisor.NewSupervisor(slaveReg, slaveChannels, slaveRecv, slaveTunnel, 10*time.Millisecond, 50*time.Millisecond, time.Second)
	go sup.Run()
	defer sup.Stop(nil)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if slaveOnMaster.IsUp() && slaveOnMaster.IsReceivedSeqnum() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("slave host on master never became active / ready-to-recv")
}
