// Package cmn provides common low-level types and utilities shared by every
// gfmd-replicate package: the global config owner, the closed error-code
// taxonomy, assertion helpers, and small value types.
/*
 * Copyright (c) 2018, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/golang/glog"
)

const (
	MiB = 1 << 20
	GiB = 1 << 30
)

// $CONFDIR/*
const (
	RegistryBackupFile = "mdhost-registry.json"
	JournalFileName    = "journal"
)

//
// CONFIG PROVIDER
//
var (
	_ ConfigOwner = &globalConfigOwner{}
)

type (
	// ConfigOwner is the interface for interacting with config. Updates
	// are bracketed by BeginUpdate/CommitUpdate/DiscardUpdate so that
	// config is never observed half-written by a concurrent reader.
	//
	// Subscribe registers a listener that CommitUpdate notifies with the
	// old and new config after every published update.
	ConfigOwner interface {
		Get() *Config
		BeginUpdate() *Config
		CommitUpdate(config *Config)
		DiscardUpdate()

		Subscribe(cl ConfigListener)

		SetConfigFile(path string)
		GetConfigFile() string
	}

	// ConfigListener is notified about config updates.
	ConfigListener interface {
		ConfigUpdate(oldConf, newConf *Config)
	}

	// ConfigCLI holds selected config overrides supplied on the command line.
	ConfigCLI struct {
		ConfFile string // config filename
		LogLevel string // takes precedence over config.Log.Level
		Role     string // "master" or "slave", overrides config.Host.Role
	}
)

// globalConfigOwner implements ConfigOwner. It protects config only from
// concurrent updates; it does not clone-on-write beyond a shallow copy,
// which is sufficient because Config carries only values and maps of values.
type globalConfigOwner struct {
	mtx       sync.Mutex // protects updates of config
	c         unsafe.Pointer
	lmtx      sync.Mutex // protects listeners
	listeners []ConfigListener
	confFile  string
}

// GCO stands for global config owner: responsible for updating and
// notifying listeners about any changes in the config. Config is loaded at
// startup and then accessed/updated by other services.
var GCO = &globalConfigOwner{}

func init() {
	config := &Config{}
	atomic.StorePointer(&GCO.c, unsafe.Pointer(config))
}

func (gco *globalConfigOwner) Get() *Config {
	return (*Config)(atomic.LoadPointer(&gco.c))
}

// BeginUpdate starts a config-update transaction. It must be followed by
// CommitUpdate or DiscardUpdate.
func (gco *globalConfigOwner) BeginUpdate() *Config {
	gco.mtx.Lock()
	config := &Config{}
	CopyStruct(config, gco.Get())
	return config
}

// CommitUpdate ends the transaction, publishes config, and notifies listeners.
func (gco *globalConfigOwner) CommitUpdate(config *Config) {
	oldConf := gco.Get()
	atomic.StorePointer(&GCO.c, unsafe.Pointer(config))
	gco.notifyListeners(oldConf)
	gco.mtx.Unlock()
}

// DiscardUpdate ends the transaction without publishing or notifying.
func (gco *globalConfigOwner) DiscardUpdate() {
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) SetConfigFile(path string) {
	gco.mtx.Lock()
	gco.confFile = path
	gco.mtx.Unlock()
}

func (gco *globalConfigOwner) GetConfigFile() string {
	gco.mtx.Lock()
	defer gco.mtx.Unlock()
	return gco.confFile
}

func (gco *globalConfigOwner) notifyListeners(oldConf *Config) {
	gco.lmtx.Lock()
	newConf := gco.Get()
	for _, listener := range gco.listeners {
		listener.ConfigUpdate(oldConf, newConf)
	}
	gco.lmtx.Unlock()
}

func (gco *globalConfigOwner) Subscribe(cl ConfigListener) {
	gco.lmtx.Lock()
	gco.listeners = append(gco.listeners, cl)
	gco.lmtx.Unlock()
}

//
// CONFIGURATION
//

// Config is the top-level configuration of a gfmd-replicate daemon, covering
// the "Environment" fields named in spec.md §6: master host+port, local
// metadata-host name, the service user, timeouts, pool sizes, and the
// heartbeat interval. Periodic.Heartbeat paces the metrics sampler; no
// receive-side timeout is derived from it.
type Config struct {
	Confdir  string       `json:"confdir"`
	Log      LogConf      `json:"log"`
	Host     HostConf     `json:"host"`
	Net      NetConf      `json:"net"`
	Timeout  TimeoutConf  `json:"timeout"`
	Periodic PeriodConf   `json:"periodic"`
	Journal  JournalConf  `json:"journal"`
	Pool     ThreadPoolConf `json:"thread_pool"`
	Metrics  MetricsConf  `json:"metrics"`
}

type LogConf struct {
	Dir      string `json:"dir"`
	Level    string `json:"level"`
	MaxSize  uint64 `json:"max_size"`
	MaxTotal uint64 `json:"max_total"`
}

// HostConf identifies this process within the mdhost registry.
type HostConf struct {
	Name          string `json:"name"`           // local metadata-host name
	ServiceUser   string `json:"service_user"`    // metadata-host service user
	ClusterName   string `json:"cluster_name"`
	Role          string `json:"role"`            // "master" | "slave" at startup
	MasterHost    string `json:"master_host"`
	MasterPort    int    `json:"master_port"`
	MasterCandidate bool `json:"master_candidate"`
}

type NetConf struct {
	ListenAddr string `json:"listen_addr"` // address this daemon's gfmd channel listens on
}

// TimeoutConf pairs a JSON-friendly duration string with its parsed value,
// so config files carry human-readable durations ("30s") without a custom
// JSON unmarshaler on every field.
type TimeoutConf struct {
	JournalSyncSlaveStr string        `json:"journal_sync_slave_timeout"`
	JournalSyncSlave    time.Duration `json:"-"`
	DefaultStr          string        `json:"default_timeout"`
	Default             time.Duration `json:"-"`
}

type PeriodConf struct {
	HeartbeatStr      string        `json:"heartbeat_interval"`
	Heartbeat         time.Duration `json:"-"`
	AsyncSendStr      string        `json:"async_send_interval"`
	AsyncSend         time.Duration `json:"-"`
	ConnectBackoffMinStr string     `json:"connect_backoff_min"`
	ConnectBackoffMin time.Duration `json:"-"`
	ConnectBackoffMaxStr string     `json:"connect_backoff_max"`
	ConnectBackoffMax time.Duration `json:"-"`
	SupervisorIdleStr string        `json:"supervisor_idle_interval"`
	SupervisorIdle    time.Duration `json:"-"`
}

type JournalConf struct {
	SyncFile      bool   `json:"journal_sync_file"`   // fsync-on-commit flag for the local journal; no daemon code path reads it
	MaxRecordBytes int64 `json:"max_record_bytes"`
	Dir           string `json:"dir"`
}

// ThreadPoolConf holds the pool sizes named in spec.md §5. The daemon reads
// only MaxSyncSlaves; the acceptor and supervisor size their read-dispatch
// pools with their own constants.
type ThreadPoolConf struct {
	ReadDispatch   int `json:"read_dispatch"`
	Send           int `json:"send"`
	MaxSyncSlaves  int `json:"metadb_server_slave_max_size"` // bound on concurrent first-sync catch-ups; SyncMultiple's per-slave workers are not bounded by it
	QueueLength    int `json:"queue_length"`
}

type MetricsConf struct {
	Enabled     bool   `json:"enabled"`
	ListenAddr  string `json:"listen_addr"`
}

func LoadConfig(clivars *ConfigCLI) (changed bool) {
	GCO.SetConfigFile(clivars.ConfFile)

	config := GCO.BeginUpdate()
	defer GCO.CommitUpdate(config)

	if clivars.ConfFile != "" {
		if err := LocalLoad(clivars.ConfFile, config); err != nil {
			glog.Errorf("failed to load config %q: %v", clivars.ConfFile, err)
			os.Exit(1)
		}
	}
	if config.Log.Dir != "" {
		if err := flag.Lookup("log_dir").Value.Set(config.Log.Dir); err != nil {
			glog.Errorf("failed to set glog dir %q: %v", config.Log.Dir, err)
			os.Exit(1)
		}
		if err := CreateDir(config.Log.Dir); err != nil {
			glog.Errorf("failed to create log dir %q: %v", config.Log.Dir, err)
			os.Exit(1)
		}
	}
	if err := validateConfig(config); err != nil {
		glog.Errorf("invalid config: %v", err)
		os.Exit(1)
	}

	glog.MaxSize = config.Log.MaxSize
	if glog.MaxSize > GiB {
		glog.Errorf("Log.MaxSize %d exceeded 1GB, using the default 1MB", glog.MaxSize)
		glog.MaxSize = MiB
	}

	if clivars.Role != "" {
		config.Host.Role = clivars.Role
		changed = true
	}
	if clivars.LogLevel != "" {
		if err := SetLogLevel(config, clivars.LogLevel); err != nil {
			glog.Errorf("failed to set log level %q: %v", clivars.LogLevel, err)
			os.Exit(1)
		}
		config.Log.Level = clivars.LogLevel
		changed = true
	} else if config.Log.Level != "" {
		if err := SetLogLevel(config, config.Log.Level); err != nil {
			glog.Errorf("failed to set log level %q: %v", config.Log.Level, err)
			os.Exit(1)
		}
	}
	glog.Infof("host=%s role=%s cluster=%s master=%s:%d",
		config.Host.Name, config.Host.Role, config.Host.ClusterName,
		config.Host.MasterHost, config.Host.MasterPort)
	return
}

func validateConfig(config *Config) (err error) {
	const badfmt = "bad %q format, err: %v"
	t := &config.Timeout
	p := &config.Periodic

	if t.JournalSyncSlaveStr == "" {
		t.JournalSyncSlaveStr = "30s"
	}
	if t.JournalSyncSlave, err = time.ParseDuration(t.JournalSyncSlaveStr); err != nil {
		return fmt.Errorf(badfmt, t.JournalSyncSlaveStr, err)
	}
	if t.DefaultStr == "" {
		t.DefaultStr = "10s"
	}
	if t.Default, err = time.ParseDuration(t.DefaultStr); err != nil {
		return fmt.Errorf(badfmt, t.DefaultStr, err)
	}
	if p.HeartbeatStr == "" {
		p.HeartbeatStr = "10s"
	}
	if p.Heartbeat, err = time.ParseDuration(p.HeartbeatStr); err != nil {
		return fmt.Errorf(badfmt, p.HeartbeatStr, err)
	}
	if p.AsyncSendStr == "" {
		p.AsyncSendStr = "500ms"
	}
	if p.AsyncSend, err = time.ParseDuration(p.AsyncSendStr); err != nil {
		return fmt.Errorf(badfmt, p.AsyncSendStr, err)
	}
	if p.ConnectBackoffMinStr == "" {
		p.ConnectBackoffMinStr = "10s"
	}
	if p.ConnectBackoffMin, err = time.ParseDuration(p.ConnectBackoffMinStr); err != nil {
		return fmt.Errorf(badfmt, p.ConnectBackoffMinStr, err)
	}
	if p.ConnectBackoffMaxStr == "" {
		p.ConnectBackoffMaxStr = "40s"
	}
	if p.ConnectBackoffMax, err = time.ParseDuration(p.ConnectBackoffMaxStr); err != nil {
		return fmt.Errorf(badfmt, p.ConnectBackoffMaxStr, err)
	}
	if p.SupervisorIdleStr == "" {
		p.SupervisorIdleStr = "30s"
	}
	if p.SupervisorIdle, err = time.ParseDuration(p.SupervisorIdleStr); err != nil {
		return fmt.Errorf(badfmt, p.SupervisorIdleStr, err)
	}
	if config.Pool.MaxSyncSlaves <= 0 {
		config.Pool.MaxSyncSlaves = 8
	}
	if config.Pool.ReadDispatch <= 0 {
		config.Pool.ReadDispatch = 16
	}
	if config.Pool.Send <= 0 {
		config.Pool.Send = 16
	}
	if config.Pool.QueueLength <= 0 {
		config.Pool.QueueLength = 256
	}
	if config.Journal.MaxRecordBytes <= 0 {
		config.Journal.MaxRecordBytes = 64 * MiB
	}
	return nil
}

func SetLogLevel(config *Config, loglevel string) (err error) {
	v := flag.Lookup("v").Value
	if v == nil {
		return nil
	}
	return v.Set(loglevel)
}

// CheckRole validates a daemon role string (the only two values the core understands).
func CheckRole(role string) error {
	if role != "master" && role != "slave" {
		return fmt.Errorf("invalid role: %s - expecting one of master, slave", role)
	}
	return nil
}
