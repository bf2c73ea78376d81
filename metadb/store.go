// Package metadb persists the mdhost registry to local disk: name, port,
// cluster, and flags for every known metadata host (spec.md §6 "Persisted
// state"). Grounded on cmn/config.go's LocalSave/LocalLoad idiom, the way
// AIStore persists bucket-metadata and smap.json.
package metadb

import (
	"os"
	"sync"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
)

// record is the on-disk representation of one host entry.
type record struct {
	Name            string       `json:"name"`
	Port            int          `json:"port"`
	ClusterName     string       `json:"cluster_name"`
	Flags           mdhost.Flags `json:"flags"`
	IsDefaultMaster bool         `json:"is_default_master"`
}

// fileFormat is the full persisted document.
type fileFormat struct {
	Hosts []record `json:"hosts"`
}

// Store implements mdhost.Store by rewriting a single JSON file on every
// mutation, exactly the way cmn.LocalSave/LocalLoad round-trip AIStore's
// own small config documents; journal volume, not registry volume, is
// this system's hot path, so no WAL or incremental-update scheme is
// warranted here.
type Store struct {
	mu   sync.Mutex
	path string

	byName map[string]record
}

// NewStore loads path if it exists (empty registry otherwise).
func NewStore(path string) (*Store, error) {
	s := &Store{path: path, byName: make(map[string]record)}
	var doc fileFormat
	if err := cmn.LocalLoad(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, cmn.NewError(cmn.NoMemory, err)
	}
	for _, r := range doc.Hosts {
		s.byName[r.Name] = r
	}
	return s, nil
}

func (s *Store) Add(name string, port int, clusterName string, flags mdhost.Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[name] = record{Name: name, Port: port, ClusterName: clusterName, Flags: flags}
	return s.flushLocked()
}

func (s *Store) Modify(name string, port int, clusterName string, flags mdhost.Flags, isDefaultMaster bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byName[name] = record{
		Name:            name,
		Port:            port,
		ClusterName:     clusterName,
		Flags:           flags,
		IsDefaultMaster: isDefaultMaster,
	}
	return s.flushLocked()
}

func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byName, name)
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	doc := fileFormat{Hosts: make([]record, 0, len(s.byName))}
	for _, r := range s.byName {
		doc.Hosts = append(doc.Hosts, r)
	}
	if err := cmn.LocalSave(s.path, &doc); err != nil {
		return cmn.NewError(cmn.NoMemory, err)
	}
	return nil
}

// LoadAll returns every persisted host record, used at startup to
// repopulate an mdhost.Registry before accepting connections.
func (s *Store) LoadAll() []record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]record, 0, len(s.byName))
	for _, r := range s.byName {
		out = append(out, r)
	}
	return out
}
