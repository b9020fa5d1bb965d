//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// TerminationSignals lists the signals that shut the renderer controller
// down. SIGTERM matters here: MCP hosts stop stdio servers with it.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}
