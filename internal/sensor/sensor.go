// internal/sensor/sensor.go
package sensor

import (
	"fmt"
	"math"
	"time"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/config"
	"github.com/nomis/scd30/internal/modbus"
)

// Client abstracts the Modbus transport the controller needs.
// Requests return pending response handles; completion is polled from Loop.
type Client interface {
	ReadHoldingRegisters(device uint8, addr, quantity uint16) modbus.Response
	WriteHoldingRegister(device uint8, addr, value uint16) modbus.Response
}

// DataReadyPin reports the state of the sensor's measurement-ready output.
type DataReadyPin interface {
	Asserted() bool
}

// ReadingSink receives every successfully decoded measurement.
type ReadingSink interface {
	Add(timestamp uint32, temperatureC, relativeHumidityPC, co2PPM float32)
}

const (
	// DeviceAddress is the fixed Modbus address of the SCD30 module.
	DeviceAddress uint8 = 0x61

	firmwareVersionAddress      uint16 = 0x0020
	measurementIntervalAddress  uint16 = 0x0025
	measurementDataAddress      uint16 = 0x0028
	softResetAddress            uint16 = 0x0034
	ambientPressureAddress      uint16 = 0x0036
	altitudeCompensationAddress uint16 = 0x0038
	forcedRecalibrationAddress  uint16 = 0x0039
	ascConfigAddress            uint16 = 0x003A
	temperatureOffsetAddress    uint16 = 0x003B

	// ResetPreDelay is how long a reset waits before issuing the soft-reset
	// command, giving the sensor time to settle after whatever went wrong.
	ResetPreDelay      = 60 * time.Second
	resetPostDelay     = 5 * time.Second
	measurementTimeout = 30 * time.Second

	// MinimumCO2PPM is the plausibility floor; the sensor reports values
	// below this while its signal is invalid, so they decode to NaN.
	MinimumCO2PPM float32 = 200

	// Forced recalibration reference range accepted by the sensor.
	MinimumCalibrationPPM uint = 400
	MaximumCalibrationPPM uint = 2000
)

type measurementStatus uint8

const (
	measurementIdle measurementStatus = iota
	measurementPending
	measurementWaiting
)

// configRegister describes one tunable device register: where it lives,
// the desired value (re-read from the store at comparison time) and how to
// render it in logs. alwaysWrite registers skip the matching-value shortcut.
type configRegister struct {
	name        string
	address     uint16
	alwaysWrite bool
	value       func() uint16
	format      func(uint16) string
	verb        func(uint16) string
}

// Sensor serializes all interaction with the device through one in-flight
// Modbus request, executes a prioritized operation queue and keeps the
// latest decoded measurement. All methods run on the application tick.
type Sensor struct {
	log    *zap.SugaredLogger
	client Client
	ready  DataReadyPin
	store  *config.Store
	sink   ReadingSink

	now func() time.Time

	interval uint8
	pending  OpSet
	current  Operation
	response modbus.Response

	resetStart    time.Time
	resetWait     time.Duration
	resetComplete bool

	lastReading      uint32
	measurementStart time.Time
	measurement      measurementStatus

	calibrationPPM uint16

	firmwareMajor uint8
	firmwareMinor uint8

	temperatureC       float32
	relativeHumidityPC float32
	co2PPM             float32

	registers map[Operation]configRegister
}

// New creates a controller with all collaborators injected.
func New(log *zap.SugaredLogger, client Client, ready DataReadyPin, store *config.Store, sink ReadingSink) *Sensor {
	s := &Sensor{
		log:                log,
		client:             client,
		ready:              ready,
		store:              store,
		sink:               sink,
		now:                time.Now,
		current:            opNone,
		temperatureC:       math32.NaN(),
		relativeHumidityPC: math32.NaN(),
		co2PPM:             math32.NaN(),
	}

	s.registers = map[Operation]configRegister{
		OpConfigAutomaticCalibration: {
			name:    "automatic calibration",
			address: ascConfigAddress,
			value:   s.automaticCalibration,
			format: func(v uint16) string {
				if v != 0 {
					return "enabled"
				}
				return "disabled"
			},
			verb: func(v uint16) string {
				if v != 0 {
					return "Enabling"
				}
				return "Disabling"
			},
		},
		OpConfigTemperatureOffset: {
			name:    "temperature offset",
			address: temperatureOffsetAddress,
			value:   s.temperatureOffset,
			format: func(v uint16) string {
				return fmt.Sprintf("%d.%02d°C", v/100, v%100)
			},
		},
		OpConfigAltitudeCompensation: {
			name:    "altitude compensation",
			address: altitudeCompensationAddress,
			value:   s.altitudeCompensation,
			format: func(v uint16) string {
				return fmt.Sprintf("%dm", v)
			},
		},
		OpConfigMeasurementInterval: {
			name:    "measurement interval",
			address: measurementIntervalAddress,
			value:   s.measurementInterval,
			format: func(v uint16) string {
				return fmt.Sprintf("%ds", v)
			},
		},
		OpConfigAmbientPressure: {
			name:    "continuous measurement with ambient pressure",
			address: ambientPressureAddress,
			// Zero disables pressure compensation, so the write must go
			// out even when the device already reads zero.
			alwaysWrite: true,
			value:       s.ambientPressure,
			format: func(v uint16) string {
				return fmt.Sprintf("%d mbar", v)
			},
		},
	}

	return s
}

// Start arms the firmware-version read and a full configuration resync.
func (s *Sensor) Start() {
	s.pending.Set(OpReadFirmwareVersion)
	s.Config()
}

// Config requests a resync of device registers from persisted settings.
// With no arguments every tunable register is resynced; otherwise only the
// requested ones, and anything outside the configurable set is ignored.
// The sample-take interval is refreshed either way.
func (s *Sensor) Config(operations ...Operation) {
	if len(operations) == 0 {
		s.pending |= configOperations
	} else {
		for _, op := range operations {
			if configOperations.Contains(op) {
				s.pending.Set(op)
			}
		}
	}

	interval := s.store.Settings().TakeMeasurementInterval
	if interval > math.MaxUint8 {
		interval = math.MaxUint8
	}
	s.interval = uint8(interval)
}

// Reset abandons all queued work and re-initializes the sensor: a soft
// reset runs after wait has elapsed, followed by the firmware read and a
// full config resync. The measurement state is pending until it completes.
func (s *Sensor) Reset(wait time.Duration) {
	s.pending = 0
	s.pending.Set(OpSoftReset)
	s.current = opNone
	s.response = nil
	s.Start()
	s.resetStart = s.now()
	s.resetWait = wait
	s.lastReading = 0
	s.measurement = measurementPending
}

// Calibrate requests a one-shot forced recalibration to the given ambient
// CO₂ reference. Out-of-range values are dropped, not clamped.
func (s *Sensor) Calibrate(ppm uint) {
	value := ppm
	if value < MinimumCalibrationPPM {
		value = MinimumCalibrationPPM
	}
	if value > MaximumCalibrationPPM {
		value = MaximumCalibrationPPM
	}

	if value == ppm {
		s.calibrationPPM = uint16(value)
		s.pending.Set(OpCalibrate)
	}
}

// FirmwareVersion returns the device firmware as "major.minor".
func (s *Sensor) FirmwareVersion() string {
	return fmt.Sprintf("%d.%d", s.firmwareMajor, s.firmwareMinor)
}

func (s *Sensor) TemperatureC() float32 { return s.temperatureC }

func (s *Sensor) RelativeHumidityPC() float32 { return s.relativeHumidityPC }

func (s *Sensor) CO2PPM() float32 { return s.co2PPM }

// Loop advances the controller by one tick: trigger a measurement if one
// is due, pick the next pending operation if idle, then run one step of
// the current operation. Never blocks.
func (s *Sensor) Loop() {
	if s.measurement == measurementIdle && s.interval > 0 {
		now := uint32(s.now().Unix())

		if now > s.lastReading && now%uint32(s.interval) == 0 {
			s.log.Debugf("Take measurement")
			s.pending.Set(OpTakeMeasurement)
			s.measurement = measurementPending
		}
	}

	for {
		switch s.current {
		case opNone:
			op, ok := s.pending.Lowest()
			if !ok {
				return
			}
			s.current = op
			s.pending.Clear(op)
			continue

		case OpSoftReset:
			s.stepSoftReset()

		case OpReadFirmwareVersion:
			s.stepReadFirmwareVersion()

		case OpCalibrate:
			s.stepCalibrate()

		case OpTakeMeasurement:
			s.stepTakeMeasurement()

		default:
			if reg, ok := s.registers[s.current]; ok {
				s.stepConfigRegister(reg)
			} else {
				s.current = opNone
				continue
			}
		}
		return
	}
}

func (s *Sensor) finish() {
	s.response = nil
	s.current = opNone
}

func (s *Sensor) stepSoftReset() {
	if s.response == nil {
		if s.now().Sub(s.resetStart) >= s.resetWait {
			s.log.Debugf("Restarting sensor")
			s.response = s.client.WriteHoldingRegister(DeviceAddress, softResetAddress, 0x0001)
			s.resetComplete = false
		}
		return
	}
	if !s.response.Done() {
		return
	}

	ack, _ := s.response.Write()
	if s.response.Err() != nil || len(ack.Registers) < 1 || ack.Registers[0] != 0x0001 {
		s.log.Errorf("Failed to restart sensor")
		s.Reset(ResetPreDelay)
		return
	}

	if !s.resetComplete {
		s.log.Infof("Restarted sensor")
		s.resetStart = s.now()
		s.resetComplete = true
		return
	}

	// Let the sensor settle after the reset command before resuming.
	if s.now().Sub(s.resetStart) >= resetPostDelay {
		s.finish()
		s.measurement = measurementIdle
	}
}

func (s *Sensor) stepReadFirmwareVersion() {
	if s.response == nil {
		s.log.Debugf("Reading firmware version")
		s.response = s.client.ReadHoldingRegisters(DeviceAddress, firmwareVersionAddress, 1)
		return
	}
	if !s.response.Done() {
		return
	}

	data, _ := s.response.Read()
	if s.response.Err() != nil || len(data.Registers) < 1 {
		s.log.Warnf("Failed to read firmware version")
		s.Reset(ResetPreDelay)
		return
	}

	s.firmwareMajor = uint8(data.Registers[0] >> 8)
	s.firmwareMinor = uint8(data.Registers[0] & 0xFF)
	s.log.Debugf("Firmware version: %d.%d", s.firmwareMajor, s.firmwareMinor)

	s.finish()
}

// stepConfigRegister reads the register first and writes only on mismatch,
// unless the register is marked always-write. The read-to-write transition
// happens within one step; completion of the write finishes the operation.
func (s *Sensor) stepConfigRegister(reg configRegister) {
	if s.response == nil {
		s.log.Debugf("Reading %s configuration", reg.name)
		s.response = s.client.ReadHoldingRegisters(DeviceAddress, reg.address, 1)
		return
	}
	if !s.response.Done() {
		return
	}

	if ack, ok := s.response.Write(); ok {
		if s.response.Err() != nil || len(ack.Registers) < 1 {
			s.log.Errorf("Failed to write %s configuration", reg.name)
			s.Reset(ResetPreDelay)
			return
		}

		s.log.Infof("%s %s", titleCase(reg.name), reg.format(ack.Registers[0]))
	} else if data, ok := s.response.Read(); ok {
		if s.response.Err() != nil || len(data.Registers) < 1 {
			s.log.Errorf("Failed to read %s configuration", reg.name)
			s.Reset(ResetPreDelay)
			return
		}

		value := reg.value()

		if data.Registers[0] == value && !reg.alwaysWrite {
			s.log.Debugf("%s %s", titleCase(reg.name), reg.format(data.Registers[0]))
		} else {
			if reg.verb != nil {
				s.log.Infof("%s %s", reg.verb(value), reg.name)
			} else {
				s.log.Infof("Setting %s to %s", reg.name, reg.format(value))
			}
			s.response = s.client.WriteHoldingRegister(DeviceAddress, reg.address, value)
			return
		}
	}

	s.finish()
}

func (s *Sensor) stepCalibrate() {
	if s.response == nil {
		s.log.Infof("Writing calibration value of %d ppm", s.calibrationPPM)
		s.response = s.client.WriteHoldingRegister(DeviceAddress, forcedRecalibrationAddress, s.calibrationPPM)
		return
	}
	if !s.response.Done() {
		return
	}

	ack, _ := s.response.Write()
	if s.response.Err() != nil || len(ack.Registers) < 1 {
		s.log.Errorf("Failed to set calibration value")
		s.Reset(ResetPreDelay)
		return
	}

	s.log.Infof("Calibrated CO₂ ppm: %d", ack.Registers[0])
	s.finish()
}

func (s *Sensor) stepTakeMeasurement() {
	if s.response == nil {
		if s.ready.Asserted() {
			s.log.Debugf("Read measurement data")
			s.response = s.client.ReadHoldingRegisters(DeviceAddress, measurementDataAddress, 6)
		} else if s.measurement == measurementWaiting {
			if s.now().Sub(s.measurementStart) >= measurementTimeout {
				s.log.Errorf("Timeout waiting for measurement to be ready")
				s.Reset(ResetPreDelay)
			}
		} else {
			s.measurement = measurementWaiting
			s.measurementStart = s.now()
		}
		return
	}
	if !s.response.Done() {
		return
	}

	data, _ := s.response.Read()
	if s.response.Err() != nil || len(data.Registers) < 6 {
		s.log.Errorf("Failed to read measurement data")
		s.Reset(ResetPreDelay)
		return
	}

	now := uint32(s.now().Unix())
	co2 := wordsToFloat(data.Registers[0], data.Registers[1])
	s.temperatureC = wordsToFloat(data.Registers[2], data.Registers[3])
	s.relativeHumidityPC = wordsToFloat(data.Registers[4], data.Registers[5])

	s.log.Debugf("Temperature %.2f°C, relative humidity %.2f%%, CO₂ %.2f ppm",
		s.temperatureC, s.relativeHumidityPC, co2)

	if co2 >= MinimumCO2PPM {
		s.co2PPM = co2
	} else {
		s.co2PPM = math32.NaN()
	}

	s.sink.Add(now, s.temperatureC, s.relativeHumidityPC, s.co2PPM)

	s.lastReading = now
	s.measurement = measurementIdle

	s.finish()
}

// ---- desired register values (read from the store, not cached) ----

func (s *Sensor) automaticCalibration() uint16 {
	if s.store.Settings().SensorAutomaticCalibration {
		return 0x0001
	}
	return 0x0000
}

func (s *Sensor) temperatureOffset() uint16 {
	return clampUint16(s.store.Settings().SensorTemperatureOffset, 0, math.MaxUint16)
}

func (s *Sensor) altitudeCompensation() uint16 {
	return clampUint16(s.store.Settings().SensorAltitudeCompensation, 0, math.MaxUint16)
}

func (s *Sensor) measurementInterval() uint16 {
	return clampUint16(s.store.Settings().SensorMeasurementInterval, 2, 1800)
}

func (s *Sensor) ambientPressure() uint16 {
	value := s.store.Settings().SensorAmbientPressure
	if value == 0 {
		return 0
	}
	return clampUint16(value, 700, 1200)
}

// ---- helpers ----

// wordsToFloat reassembles two big-endian register words into an IEEE-754
// float, high word first.
func wordsToFloat(hi, lo uint16) float32 {
	return math32.Float32frombits(uint32(hi)<<16 | uint32(lo))
}

func clampUint16(v, min, max uint) uint16 {
	if v < min {
		v = min
	}
	if v > max {
		v = max
	}
	return uint16(v)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'a' && b[0] <= 'z' {
		b[0] -= 'a' - 'A'
	}
	return string(b)
}
