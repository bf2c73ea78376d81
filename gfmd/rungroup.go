package gfmd

import (
	"github.com/golang/glog"

	"github.com/gfarm-project/gfmd-replicate/cmn"
)

// rungroup owns every long-lived background worker this daemon starts:
// the peer-table closer, the connection supervisor, the async journal
// sender, and the signal runner. The first runner to exit (cleanly or not)
// tears every other one down. Grounded on ais/daemon.go's rungroup
// (add/run) composition-root pattern.
type rungroup struct {
	runarr []cmn.Runner
	runmap map[string]cmn.Runner
	errCh  chan error
}

func newRungroup() *rungroup {
	return &rungroup{runmap: make(map[string]cmn.Runner, 8)}
}

func (g *rungroup) add(r cmn.Runner, name string) {
	r.Setname(name)
	g.runarr = append(g.runarr, r)
	g.runmap[name] = r
}

// run starts every registered runner and blocks until the first one exits,
// then calls Stop on every runner (the one that exited included) and waits
// for the rest to finish before returning the triggering error.
func (g *rungroup) run() error {
	if len(g.runarr) == 0 {
		return nil
	}
	g.errCh = make(chan error, len(g.runarr))
	for _, r := range g.runarr {
		go func(r cmn.Runner) {
			err := r.Run()
			glog.Warningf("runner [%s] exited with err [%v]", r.Getname(), err)
			g.errCh <- err
		}(r)
	}

	err := <-g.errCh
	for _, r := range g.runarr {
		r.Stop(err)
	}
	for i := 0; i < cap(g.errCh)-1; i++ {
		<-g.errCh
	}
	glog.Flush()
	return err
}
