package gfmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// signalError is returned by sigRunner.Run to tell rungroup.run this
// shutdown was a deliberate signal, not a worker failure, matching
// ais/daemon.go's Run() distinguishing *signalError from a real error.
type signalError struct{ sig os.Signal }

func (e *signalError) Error() string { return "received signal: " + e.sig.String() }

// sigRunner turns SIGINT/SIGTERM into a clean rungroup shutdown, the role
// ais/daemon.go's sigrunner plays in its own rungroup. os/signal is stdlib
// by necessity: no pack example wraps OS signal delivery in a library, and
// signal.Notify is the only way to observe it.
type sigRunner struct {
	cmn.NamedRunner
	ch chan os.Signal
}

func newSigRunner() *sigRunner {
	return &sigRunner{ch: make(chan os.Signal, 1)}
}

func (s *sigRunner) Run() error {
	signal.Notify(s.ch, syscall.SIGINT, syscall.SIGTERM)
	sig, ok := <-s.ch
	if !ok {
		return nil
	}
	return &signalError{sig: sig}
}

func (s *sigRunner) Stop(err error) {
	signal.Stop(s.ch)
	close(s.ch)
}
