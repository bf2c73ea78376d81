package cmn

// Named is embedded by every runner so the rungroup can address it by name
// in logs and in its lookup map.
type Named interface {
	Setname(name string)
	Getname() string
}

// Runner is a long-lived background worker started and stopped by the
// daemon's rungroup: the closer, the async-sender, the acceptor, the
// connection supervisor, and the metrics and signal runners all satisfy
// this interface.
// Run blocks until Stop is called or the runner exits on its own (e.g. the
// connection supervisor exits cleanly once this node becomes master).
type Runner interface {
	Named
	Run() error
	Stop(err error)
}

// NamedRunner is embedded into concrete runners to provide Setname/Getname
// without every runner re-implementing the same two fields.
type NamedRunner struct {
	name string
}

func (b *NamedRunner) Setname(name string) { b.name = name }
func (b *NamedRunner) Getname() string     { return b.name }
