package gfmd

import (
	"errors"
	"testing"
	"time"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

type stubRunner struct {
	cmn.NamedRunner
	runErr  error
	stopped chan error
	blockCh chan struct{}
}

func newStubRunner(runErr error) *stubRunner {
	return &stubRunner{runErr: runErr, stopped: make(chan error, 1), blockCh: make(chan struct{})}
}

func (r *stubRunner) Run() error {
	<-r.blockCh
	return r.runErr
}

func (r *stubRunner) Stop(err error) {
	select {
	case <-r.blockCh:
	default:
		close(r.blockCh)
	}
	r.stopped <- err
}

// TestRungroupStopsAllOnFirstExit confirms the first runner to exit
// triggers Stop on every other registered runner, and run() returns that
// runner's error.
func TestRungroupStopsAllOnFirstExit(t *testing.T) {
	g := newRungroup()

	failing := newStubRunner(errors.New("boom"))
	close(failing.blockCh) // exits immediately

	survivor := newStubRunner(nil)

	g.add(failing, "failing")
	g.add(survivor, "survivor")

	done := make(chan error, 1)
	go func() { done <- g.run() }()

	select {
	case err := <-done:
		if err == nil || err.Error() != "boom" {
			t.Fatalf("run() = %v, want boom", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run() never returned")
	}

	select {
	case <-survivor.stopped:
	case <-time.After(time.Second):
		t.Fatalf("survivor was never stopped")
	}
}

// TestRungroupEmptyReturnsNil confirms run() on a group with no registered
// runners returns immediately rather than blocking forever on an empty
// channel.
func TestRungroupEmptyReturnsNil(t *testing.T) {
	g := newRungroup()
	done := make(chan error, 1)
	go func() { done <- g.run() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run() never returned for an empty rungroup")
	}
}
