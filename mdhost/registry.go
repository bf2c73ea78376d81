package mdhost

import (
	"sync"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// Store persists registry mutations; metadb.Store implements this. Kept as
// an interface here so mdhost does not depend on metadb's storage details,
// mirroring the original's db_mdhost_* call indirection.
type Store interface {
	Add(name string, port int, clusterName string, flags Flags) error
	Modify(name string, port int, clusterName string, flags Flags, isDefaultMaster bool) error
	Remove(name string) error
}

// Registry is the process-wide metadata-host table (mdhost_hashtab) plus
// the cluster index and the readonly/self bookkeeping that hang off it.
// All mutating operations are expected to run under the caller's giant
// lock (spec.md §5); Registry's own mutex only protects the map itself
// from concurrent map-structural access.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]*Host
	clusters *ClusterRegistry
	store    Store

	self     *Host
	readonly bool
}

func NewRegistry(store Store) *Registry {
	return &Registry{
		byName:   make(map[string]*Host),
		clusters: NewClusterRegistry(),
		store:    store,
	}
}

// Enter inserts a new host, or revalidates an existing invalidated entry
// with the same name, returning an OPERATION_NOT_PERMITTED error that wraps
// an already-exists cause if a valid entry with that name exists
// (mdhost_enter).
func (r *Registry) Enter(name string, port int, clusterName string, flags Flags) (*Host, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byName[name]; ok {
		if h.IsValid() {
			return nil, cmn.NewError(cmn.OperationNotPermitted, errAlreadyExists{name})
		}
		h.Validate()
		h.SetFlags(flags)
		h.SetCluster(r.clusters.GetOrCreate(clusterName))
		return h, nil
	}

	h := NewHost(name, port, clusterName, flags)
	h.SetCluster(r.clusters.GetOrCreate(clusterName))
	r.byName[name] = h
	return h, nil
}

type errAlreadyExists struct{ name string }

func (e errAlreadyExists) Error() string { return "mdhost already exists: " + e.name }

func (r *Registry) Lookup(name string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[name]
	if !ok || !h.IsValid() {
		return nil, false
	}
	return h, true
}

// LookupMaster returns the host currently acting as master. Exactly one
// entry must be marked master at any time; violation is a programming
// error (mdhost_lookup_master aborts otherwise).
func (r *Registry) LookupMaster() *Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var found *Host
	for _, h := range r.byName {
		if h.IsValid() && h.IsMaster() {
			cmn.Assert(found == nil)
			found = h
		}
	}
	cmn.Assert(found != nil)
	return found
}

func (r *Registry) LookupSelf() *Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

// SetSelf designates which registered host is this process, called once
// during daemon startup.
func (r *Registry) SetSelf(h *Host) {
	r.mu.Lock()
	r.self = h
	r.mu.Unlock()
}

func (r *Registry) SelfIsMaster() bool {
	self := r.LookupSelf()
	return self != nil && self.IsMaster()
}

// SelfIsMasterCandidate reports whether this process may ever become
// master (mdhost_self_is_master_candidate).
func (r *Registry) SelfIsMasterCandidate() bool {
	self := r.LookupSelf()
	return self != nil && self.Flags().IsMasterCandidate()
}

func (r *Registry) SelfIsReadonly() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readonly
}

// SelfChangeToReadonly flips this process into read-only mode, e.g. after
// losing contact with the master (spec.md §4.4.1 "first-sync / degraded
// mode").
func (r *Registry) SelfChangeToReadonly() {
	r.mu.Lock()
	r.readonly = true
	r.mu.Unlock()
}

// SetSelfAsMaster disconnects any other host currently claiming master,
// flips self to master, and clears read-only mode (mdhost_set_self_as_master).
func (r *Registry) SetSelfAsMaster() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range r.byName {
		if h == r.self || !h.IsValid() {
			continue
		}
		if h.IsMaster() {
			h.Disconnect()
			h.SetIsMaster(false)
		}
	}
	r.self.SetIsMaster(true)
	r.readonly = false
}

// ForEach visits every valid host. f returning false stops iteration early.
func (r *Registry) ForEach(f func(*Host) bool) {
	r.mu.RLock()
	hosts := make([]*Host, 0, len(r.byName))
	for _, h := range r.byName {
		if h.IsValid() {
			hosts = append(hosts, h)
		}
	}
	r.mu.RUnlock()
	for _, h := range hosts {
		if !f(h) {
			return
		}
	}
}

func (r *Registry) Count() int {
	n := 0
	r.ForEach(func(*Host) bool { n++; return true })
	return n
}

// FixDefaultMaster clears the default-master bit on every host except
// newMaster and persists the change, preserving the invariant that at most
// one host is the default master (mdhost_fix_default_master).
func (r *Registry) FixDefaultMaster(newMaster *Host) error {
	var toPersist []*Host
	r.ForEach(func(h *Host) bool {
		if h == newMaster || !h.IsDefaultMaster() {
			return true
		}
		h.SetIsDefaultMaster(false)
		toPersist = append(toPersist, h)
		return true
	})
	for _, h := range toPersist {
		if err := r.store.Modify(h.Name(), h.Port(), h.ClusterName(), h.Flags(), false); err != nil {
			return cmn.NewError(cmn.NoMemory, err)
		}
	}
	return nil
}

// SetSelfAsDefaultMaster promotes self to default master, persisting the
// change and fixing up any other host that previously held that role
// (mdhost_set_self_as_default_master).
func (r *Registry) SetSelfAsDefaultMaster() error {
	self := r.LookupSelf()
	cmn.Assert(self != nil)
	self.SetIsDefaultMaster(true)
	if err := r.store.Modify(self.Name(), self.Port(), self.ClusterName(), self.Flags(), true); err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	return r.FixDefaultMaster(self)
}

// ModifyCluster rebinds a host to a (possibly new) cluster name, as
// happens when an admin edits a host's clustername (mdhost_modify_in_cache).
func (r *Registry) ModifyCluster(h *Host, clusterName string) {
	h.SetCluster(r.clusters.GetOrCreate(clusterName))
}

// Remove invalidates a host entry without deleting its map slot, so a
// later re-registration can revalidate it in place (mdhost_remove_in_cache).
func (r *Registry) Remove(h *Host) {
	h.Invalidate()
}
