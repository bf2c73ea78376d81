// Package journal implements the journal channel: synchronous and
// asynchronous replication of journal records to metadata-host slaves,
// first-sync bootstrap, and the REMOTE_PEER tunnel opcodes that share the
// same gfmd-channel wire (spec.md §4.4/§4.5). Grounded on
// gfmd_channel.c (original_source), wired with the same
// goroutine/mutex/WaitGroup idioms as ais/metasync.go's doSync.
package journal

import (
	"sync"

	"github.com/gfarm-project/gfmd-replicate/rpc"
)

// Channels maps a metadata-host name to the live gfmd-channel multiplexer
// currently serving it, the Go analog of mdhost_get_peer/set_peer plus
// local_peer_get_async combined into one lookup (spec.md §4.2/§4.3).
type Channels struct {
	mu sync.RWMutex
	m  map[string]*rpc.Mux
}

func NewChannels() *Channels {
	return &Channels{m: make(map[string]*rpc.Mux)}
}

func (c *Channels) Set(hostName string, mux *rpc.Mux) {
	c.mu.Lock()
	c.m[hostName] = mux
	c.mu.Unlock()
}

func (c *Channels) Get(hostName string) (*rpc.Mux, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mux, ok := c.m[hostName]
	return mux, ok
}

func (c *Channels) Remove(hostName string) {
	c.mu.Lock()
	delete(c.m, hostName)
	c.mu.Unlock()
}
