package mdhost

import (
	"sync"

	"github.com/OneOfOne/xxhash"
)

// Cluster groups hosts that replicate synchronously with each other
// (spec.md §4.4.3). The original keys clusters by name through a
// refcounted hash table (mdcluster_get/put); the Open Question on cluster
// lifetime is resolved here by a simpler string-keyed registry with no
// explicit refcounting — clusters are created lazily and never removed
// individually, only rebuilt wholesale when the registry is reloaded
// (see DESIGN.md).
type Cluster struct {
	name string
}

func (c *Cluster) Name() string { return c.name }

// clusterShards is the shard count ClusterRegistry hashes cluster names
// across, one lock per shard instead of one lock for the whole table.
const clusterShards = 16

// clusterShardSeed seeds the xxhash32 shard hash, the same
// ChecksumString32S call shape ais/httpcommon.go uses to place a daemon on
// its rebalance bucket.
const clusterShardSeed = 0

type clusterShard struct {
	mu     sync.Mutex
	byName map[string]*Cluster
}

// ClusterRegistry is the name -> *Cluster index mdhost.Registry delegates
// to whenever a host's cluster membership changes (mdhost_modify_in_cache).
// It shards its backing map by xxhash32(name) so that concurrent
// GetOrCreate calls for unrelated clusters don't serialize on one mutex —
// Registry.Enter and Registry.ModifyCluster resolve a host's cluster here.
type ClusterRegistry struct {
	shards [clusterShards]clusterShard
}

func NewClusterRegistry() *ClusterRegistry {
	r := &ClusterRegistry{}
	for i := range r.shards {
		r.shards[i].byName = make(map[string]*Cluster)
	}
	return r
}

func (r *ClusterRegistry) shardFor(name string) *clusterShard {
	h := xxhash.ChecksumString32S(name, clusterShardSeed)
	return &r.shards[h%clusterShards]
}

// GetOrCreate returns the named cluster, creating it if this is the first
// host to join it.
func (r *ClusterRegistry) GetOrCreate(name string) *Cluster {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byName[name]
	if !ok {
		c = &Cluster{name: name}
		s.byName[name] = c
	}
	return c
}

func (r *ClusterRegistry) Get(name string) (*Cluster, bool) {
	s := r.shardFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byName[name]
	return c, ok
}
