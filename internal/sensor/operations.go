// internal/sensor/operations.go
package sensor

import "math/bits"

// Operation is one unit of work against the sensor. Ordinals are scheduling
// priority: the lowest pending ordinal always runs first, so a soft reset
// preempts everything and measurements yield to configuration.
type Operation uint8

const (
	OpSoftReset Operation = iota
	OpReadFirmwareVersion
	OpConfigAutomaticCalibration
	OpConfigTemperatureOffset
	OpConfigAltitudeCompensation
	OpConfigMeasurementInterval
	OpConfigAmbientPressure
	OpCalibrate
	OpTakeMeasurement

	opNone Operation = 32
)

// OpSet is a set of operations keyed by ordinal. Duplicates are impossible
// and membership is one bit, so the whole pending queue is a uint32.
type OpSet uint32

func (s *OpSet) Set(op Operation) {
	*s |= 1 << op
}

func (s *OpSet) Clear(op Operation) {
	*s &^= 1 << op
}

func (s OpSet) Contains(op Operation) bool {
	return s&(1<<op) != 0
}

func (s OpSet) Empty() bool {
	return s == 0
}

// Lowest returns the lowest-ordinal member.
func (s OpSet) Lowest() (Operation, bool) {
	if s == 0 {
		return opNone, false
	}
	return Operation(bits.TrailingZeros32(uint32(s))), true
}

// configOperations is the fixed subset that a configuration change may
// legitimately request; anything else passed to Config is ignored.
var configOperations = func() OpSet {
	var s OpSet
	s.Set(OpConfigAutomaticCalibration)
	s.Set(OpConfigTemperatureOffset)
	s.Set(OpConfigAltitudeCompensation)
	s.Set(OpConfigMeasurementInterval)
	s.Set(OpConfigAmbientPressure)
	return s
}()
