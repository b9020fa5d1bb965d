//go:build windows

package lifecycle

import "os"

// TerminationSignals lists the signals that shut the renderer controller
// down. Windows has no SIGTERM delivery, so interrupt is the only hook.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
