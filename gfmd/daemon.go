// Package gfmd is the daemon composition root: it owns the CLI flags,
// loads configuration, wires every collaborator package together, and runs
// them as a rungroup of cmn.Runners until one exits or a signal arrives.
// Grounded on ais/daemon.go's aisinit/Run split.
/*
 * Copyright (c) 2018, NVIDIA CORPORATION. All rights reserved.
 */
package gfmd

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gfarm-project/gfmd-replicate/cmn"
	"github.com/gfarm-project/gfmd-replicate/journal"
	"github.com/gfarm-project/gfmd-replicate/journalfile"
	"github.com/gfarm-project/gfmd-replicate/mdhost"
	"github.com/gfarm-project/gfmd-replicate/metadb"
	"github.com/gfarm-project/gfmd-replicate/peer"
	"github.com/gfarm-project/gfmd-replicate/supervisor"
)

// runner names, the way ais/daemon.go's xproxy/xtarget/xsignal constants
// label its own rungroup entries.
const (
	xacceptor   = "acceptor"
	xsupervisor = "supervisor"
	xasyncsend  = "asyncsender"
	xclosers    = "peer-closer"
	xsignal     = "signal"
	xmetrics    = "metrics-sampler"
)

type cliVars struct {
	config cmn.ConfigCLI
}

// daemon bundles every wired collaborator so the metrics sampler can
// reach them without reconstructing globals; it is the gfmd analog of
// ais/daemon.go's ctx *daemon.
type daemon struct {
	rg       *rungroup
	registry *mdhost.Registry
	table    *peer.Table
	channels *journal.Channels
	sender   *journal.Sender
	asyncsnd *journal.AsyncSender
	metrics  *Metrics
}

var clivars = &cliVars{}

func init() {
	flag.StringVar(&clivars.config.ConfFile, "config", "", "config filename: local file that stores this daemon's configuration")
	flag.StringVar(&clivars.config.LogLevel, "loglevel", "", "log verbosity level, passed through to glog's -v")
	flag.StringVar(&clivars.config.Role, "role", "", "role of this gfmd at startup: master | slave")
}

// Run is the package's sole entry point: parse flags, load config, wire
// every collaborator, and block until shutdown. Mirrors ais/daemon.go's
// Run(version, build string), including its *signalError/real-error split.
func Run(version, build string) error {
	flag.Parse()
	if clivars.config.ConfFile == "" {
		fmt.Fprintf(os.Stderr, "Missing configuration file (must be provided via -config)\n")
		os.Exit(2)
	}
	if clivars.config.Role != "" {
		if err := cmn.CheckRole(clivars.config.Role); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(2)
		}
	}
	cmn.LoadConfig(&clivars.config)
	glog.Infof("git: %s | build-time: %s", version, build)

	d, err := newDaemon()
	if err != nil {
		glog.Errorf("init: %v", err)
		return err
	}
	err = d.rg.run()
	if _, ok := err.(*signalError); ok {
		glog.Infof("shutting down on %v", err)
		return nil
	}
	return err
}

// newDaemon constructs every collaborator named in spec.md §4-§6 and wires
// it into a rungroup, in the same order a fresh process would need them
// available: storage, then registry, then the journal plumbing, then the
// network-facing runners.
func newDaemon() (*daemon, error) {
	config := cmn.GCO.Get()

	if err := cmn.CreateDir(config.Confdir); err != nil {
		return nil, cmn.NewError(cmn.NoMemory, err)
	}

	store, err := metadb.NewStore(config.Confdir + "/" + cmn.RegistryBackupFile)
	if err != nil {
		return nil, err
	}
	reg := mdhost.NewRegistry(store)
	for _, r := range store.LoadAll() {
		h, err := reg.Enter(r.Name, r.Port, r.ClusterName, r.Flags)
		if err != nil {
			return nil, err
		}
		h.SetIsDefaultMaster(r.IsDefaultMaster)
	}

	self, selfExisted := reg.Lookup(config.Host.Name)
	if !selfExisted {
		flags := mdhost.Flags(0)
		if config.Host.MasterCandidate {
			flags |= mdhost.FlagMasterCandidate
		}
		self, err = reg.Enter(config.Host.Name, hostPort(config.Net.ListenAddr), config.Host.ClusterName, flags)
		if err != nil {
			return nil, err
		}
		if err := store.Add(self.Name(), self.Port(), self.ClusterName(), self.Flags()); err != nil {
			return nil, err
		}
	}
	reg.SetSelf(self)
	if config.Host.Role == "master" {
		reg.SetSelfAsMaster()
	} else if _, ok := reg.Lookup(config.Host.MasterHost); !ok {
		if _, err := reg.Enter(config.Host.MasterHost, config.Host.MasterPort, config.Host.ClusterName, 0); err != nil {
			return nil, err
		}
	}

	journalPath := config.Journal.Dir + "/" + cmn.JournalFileName
	lastSeqnum := uint64(0)
	if rd, rerr := journalfile.NewReader(journalPath, 1); rerr == nil {
		for {
			batch, nerr := rd.Next(1024)
			if n := len(batch.Records); n > 0 {
				lastSeqnum = batch.Records[n-1].Seqnum
			}
			if nerr != nil {
				break
			}
		}
		rd.Close()
	}
	localJournal, err := journalfile.Open(journalPath, lastSeqnum)
	if err != nil {
		return nil, cmn.NewError(cmn.NoMemory, err)
	}

	giantLock := &sync.RWMutex{}
	table := peer.NewTable(giantLock)
	channels := journal.NewChannels()
	sender := journal.NewSender(channels, config.Timeout.JournalSyncSlave)
	fsc := journal.NewFirstSyncCoordinator(sender, config.Pool.MaxSyncSlaves)
	recv := journal.NewReceiver(reg, localJournal, fsc)
	tunnel := journal.NewTunnel(table)
	asyncsnd := journal.NewAsyncSender(reg, sender)

	d := &daemon{
		rg:       newRungroup(),
		registry: reg,
		table:    table,
		channels: channels,
		sender:   sender,
		asyncsnd: asyncsnd,
		metrics:  NewMetrics(),
	}

	d.rg.add(table, xclosers)
	d.rg.add(asyncsnd, xasyncsend)

	acceptor := NewAcceptor(reg, channels, recv, tunnel, table, config.Net.ListenAddr)
	d.rg.add(acceptor, xacceptor)

	backoffMin := config.Periodic.ConnectBackoffMin
	backoffMax := config.Periodic.ConnectBackoffMax
	sup := supervisor.NewSupervisor(reg, channels, recv, tunnel, backoffMin, backoffMax, config.Timeout.Default)
	d.rg.add(sup, xsupervisor)

	d.rg.add(newMetricsSampler(d, localJournal, config.Periodic.Heartbeat), xmetrics)

	if config.Metrics.Enabled {
		d.rg.add(newMetricsServer(d.metrics, config.Metrics.ListenAddr), "metrics-http")
	}

	d.rg.add(newSigRunner(), xsignal)

	return d, nil
}

func hostPort(listenAddr string) int {
	_, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return 0
	}
	p, _ := strconv.Atoi(portStr)
	return p
}

// metricsSampler periodically pushes live registry/peer-table state into
// Metrics; it is the only path that updates Metrics while the daemon runs
// (Sender and Receiver record nothing there themselves). Grounded on ais/daemon.go's periodic runners (e.g. iostat,
// atime) that sample state on a fixed tick rather than react to events.
type metricsSampler struct {
	cmn.NamedRunner
	d        *daemon
	journal  *journalfile.File
	interval time.Duration
	stopCh   chan struct{}
}

func newMetricsSampler(d *daemon, local *journalfile.File, interval time.Duration) *metricsSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &metricsSampler{d: d, journal: local, interval: interval, stopCh: make(chan struct{})}
}

func (s *metricsSampler) Run() error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.d.metrics.Sample(s.d.registry, s.journal.LastSeqnum(), s.d.table.Count(), s.d.asyncsnd.QueueDepth())
		case <-s.stopCh:
			return nil
		}
	}
}

func (s *metricsSampler) Stop(err error) { close(s.stopCh) }

// metricsServer serves Metrics.Handler over HTTP, the ambient observability
// surface spec.md's Non-goals never exclude (only the replication core's
// own HTTP/RPC surface is out of scope).
type metricsServer struct {
	cmn.NamedRunner
	srv *http.Server
}

func newMetricsServer(m *Metrics, listenAddr string) *metricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &metricsServer{srv: &http.Server{Addr: listenAddr, Handler: mux}}
}

func (s *metricsServer) Run() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *metricsServer) Stop(err error) { _ = s.srv.Close() }
