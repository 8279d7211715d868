package connect

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/mattn/go-colorable"

	"github.com/inngest/connect-go/wire"
)

// frameDumper writes a colorized, pretty-printed dump of every frame sent
// and received on a connection to an arbitrary writer. It exists purely as
// a development aid -- wiring it into a Connection is opt-in and has no
// effect on the wire protocol or buffering semantics.
type frameDumper struct {
	mu sync.Mutex
	w  io.Writer
	cs spew.ConfigState
}

// newFrameDumper writes to os.Stderr through go-colorable, so ANSI color
// codes render correctly under the Windows console as well as real
// terminals.
func newFrameDumper() *frameDumper {
	return &frameDumper{
		w: colorable.NewColorable(os.Stderr),
		cs: spew.ConfigState{
			Indent:                  "  ",
			DisablePointerAddresses: true,
			DisableCapacities:       true,
		},
	}
}

func (d *frameDumper) dumpOutbound(f wire.Frame) {
	d.dump("-->", f)
}

func (d *frameDumper) dumpInbound(f wire.Frame) {
	d.dump("<--", f)
}

func (d *frameDumper) dump(direction string, f wire.Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fmt.Fprintf(d.w, "\x1b[36m%s %s\x1b[0m\n", direction, f.Kind)
	if len(f.Payload) > 0 {
		d.cs.Fdump(d.w, f.Payload)
	}
}
