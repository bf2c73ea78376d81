package mdhost

import "testing"

type fakeStore struct {
	modified []string
}

func (s *fakeStore) Add(name string, port int, clusterName string, flags Flags) error { return nil }

func (s *fakeStore) Modify(name string, port int, clusterName string, flags Flags, isDefaultMaster bool) error {
	s.modified = append(s.modified, name)
	return nil
}

func (s *fakeStore) Remove(name string) error { return nil }

func newTestRegistry(t *testing.T) (*Registry, *fakeStore) {
	t.Helper()
	store := &fakeStore{}
	return NewRegistry(store), store
}

func TestEnterRejectsDuplicateValidName(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Enter("md0", 601, "c0", 0); err != nil {
		t.Fatalf("first Enter: %v", err)
	}
	if _, err := r.Enter("md0", 601, "c0", 0); err == nil {
		t.Fatal("expected error on duplicate Enter, got nil")
	}
}

func TestEnterRevalidatesInvalidatedEntry(t *testing.T) {
	r, _ := newTestRegistry(t)
	h, err := r.Enter("md0", 601, "c0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	r.Remove(h)
	if _, ok := r.Lookup("md0"); ok {
		t.Fatal("invalidated host should not be looked up")
	}

	h2, err := r.Enter("md0", 601, "c1", FlagMasterCandidate)
	if err != nil {
		t.Fatalf("re-Enter: %v", err)
	}
	if h2 != h {
		t.Fatal("expected re-Enter to revalidate the same slot")
	}
	if !h2.Flags().IsMasterCandidate() {
		t.Fatal("expected flags to be refreshed on revalidation")
	}
}

func TestLookupMasterRequiresExactlyOne(t *testing.T) {
	r, _ := newTestRegistry(t)
	h, err := r.Enter("md0", 601, "c0", 0)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	h.SetIsMaster(true)
	master := r.LookupMaster()
	if master != h {
		t.Fatalf("expected md0 to be master, got %v", master.Name())
	}
}

func TestSetSelfAsMasterDisconnectsOldMaster(t *testing.T) {
	r, _ := newTestRegistry(t)
	oldMaster, _ := r.Enter("old", 601, "c0", 0)
	self, _ := r.Enter("self", 601, "c0", 0)
	oldMaster.SetIsMaster(true)
	r.SetSelf(self)

	r.SetSelfAsMaster()

	if oldMaster.IsMaster() {
		t.Fatal("expected old master to be demoted")
	}
	if !self.IsMaster() {
		t.Fatal("expected self to become master")
	}
	if r.SelfIsReadonly() {
		t.Fatal("expected readonly to be cleared")
	}
}

func TestIsSyncReplicationSameCluster(t *testing.T) {
	r, _ := newTestRegistry(t)
	a, _ := r.Enter("a", 601, "c0", 0)
	b, _ := r.Enter("b", 601, "c0", 0)
	c, _ := r.Enter("c", 601, "c1", 0)

	if !IsSyncReplication(a, b) {
		t.Fatal("expected a, b in the same cluster to sync-replicate")
	}
	if IsSyncReplication(a, c) {
		t.Fatal("expected a, c in different clusters not to sync-replicate")
	}
}

func TestFixDefaultMasterClearsOthersAndPersists(t *testing.T) {
	r, store := newTestRegistry(t)
	old, _ := r.Enter("old", 601, "c0", 0)
	old.SetIsDefaultMaster(true)
	next, _ := r.Enter("next", 601, "c0", 0)

	if err := r.FixDefaultMaster(next); err != nil {
		t.Fatalf("FixDefaultMaster: %v", err)
	}
	if old.IsDefaultMaster() {
		t.Fatal("expected old default master to be cleared")
	}
	if len(store.modified) != 1 || store.modified[0] != "old" {
		t.Fatalf("expected store.Modify to persist the demotion of old, got %v", store.modified)
	}
}
