package connect

import (
	"os"
	"os/signal"
)

// OsPort is the single capability object owning OS-signal registration,
// replacing the source's process-wide signal-handler registry with an
// explicit, swappable collaborator (spec §9 design notes). Tests supply a
// fake to trigger shutdown without sending a real signal.
type OsPort interface {
	// Notify arms delivery of the configured signals onto ch, returning a
	// function that deregisters it.
	Notify(ch chan<- os.Signal) (stop func())
}

// realOsPort is the default OsPort, backed by os/signal.
type realOsPort struct {
	signals []os.Signal
}

// NewOsPort builds an OsPort for the given signals. An empty slice means
// signal handling is disabled entirely (spec §6: handle-shutdown-signals).
func NewOsPort(signals []os.Signal) OsPort {
	return &realOsPort{signals: signals}
}

func (p *realOsPort) Notify(ch chan<- os.Signal) func() {
	if len(p.signals) == 0 {
		return func() {}
	}

	signal.Notify(ch, p.signals...)
	return func() { signal.Stop(ch) }
}
