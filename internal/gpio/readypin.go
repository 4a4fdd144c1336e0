// internal/gpio/readypin.go
package gpio

import (
	"fmt"
	"os"
)

// ReadyPin polls a sysfs GPIO value file. The SCD30 drives its ready
// output high when a new measurement is available; the controller polls
// rather than waiting for an edge, so a plain value read is enough.
type ReadyPin struct {
	path string
}

// NewReadyPin polls the exported sysfs line for the given GPIO number.
func NewReadyPin(line uint) *ReadyPin {
	return &ReadyPin{path: fmt.Sprintf("/sys/class/gpio/gpio%d/value", line)}
}

// NewReadyPinPath polls an explicit value-file path (also used to point at
// a plain file in tests and on boards with a different GPIO layout).
func NewReadyPinPath(path string) *ReadyPin {
	return &ReadyPin{path: path}
}

// Asserted reports whether the line currently reads high.
// Read failures count as not ready; the controller's own timeout recovers
// from a persistently unreadable pin.
func (p *ReadyPin) Asserted() bool {
	data, err := os.ReadFile(p.path)
	return err == nil && len(data) > 0 && data[0] == '1'
}
