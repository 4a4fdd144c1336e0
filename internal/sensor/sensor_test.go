// internal/sensor/sensor_test.go
package sensor

import (
	"testing"
	"time"

	"github.com/chewxy/math32"
	"go.uber.org/zap"

	"github.com/nomis/scd30/internal/config"
	"github.com/nomis/scd30/internal/modbus"
)

// ---- fakes ----

type fakeResponse struct {
	write bool
	done  bool
	regs  []uint16
	err   error
}

func (f *fakeResponse) Done() bool { return f.done }
func (f *fakeResponse) Err() error { return f.err }

func (f *fakeResponse) Read() (modbus.ReadResult, bool) {
	if f.write {
		return modbus.ReadResult{}, false
	}
	return modbus.ReadResult{Registers: f.regs}, true
}

func (f *fakeResponse) Write() (modbus.WriteResult, bool) {
	if !f.write {
		return modbus.WriteResult{}, false
	}
	return modbus.WriteResult{Registers: f.regs}, true
}

func (f *fakeResponse) complete(regs ...uint16) {
	f.regs = regs
	f.done = true
}

type issued struct {
	write    bool
	device   uint8
	addr     uint16
	quantity uint16
	value    uint16
	resp     *fakeResponse
}

type fakeClient struct {
	t        *testing.T
	requests []issued
}

// checkSingle enforces the one-in-flight invariant on every issue.
func (c *fakeClient) checkSingle() {
	c.t.Helper()
	for i, req := range c.requests {
		if !req.resp.done {
			c.t.Fatalf("request %d still outstanding when a new request was issued", i)
		}
	}
}

func (c *fakeClient) ReadHoldingRegisters(device uint8, addr, quantity uint16) modbus.Response {
	c.checkSingle()
	r := &fakeResponse{}
	c.requests = append(c.requests, issued{device: device, addr: addr, quantity: quantity, resp: r})
	return r
}

func (c *fakeClient) WriteHoldingRegister(device uint8, addr, value uint16) modbus.Response {
	c.checkSingle()
	r := &fakeResponse{write: true}
	c.requests = append(c.requests, issued{write: true, device: device, addr: addr, value: value, resp: r})
	return r
}

func (c *fakeClient) last() *issued {
	c.t.Helper()
	if len(c.requests) == 0 {
		c.t.Fatal("no requests issued")
	}
	return &c.requests[len(c.requests)-1]
}

type fakePin struct {
	high bool
}

func (p *fakePin) Asserted() bool { return p.high }

type added struct {
	ts               uint32
	temp, rhum, co2p float32
}

type fakeSink struct {
	readings []added
}

func (s *fakeSink) Add(ts uint32, temp, rhum, co2p float32) {
	s.readings = append(s.readings, added{ts, temp, rhum, co2p})
}

// ---- fixture ----

type fixture struct {
	t      *testing.T
	sensor *Sensor
	client *fakeClient
	pin    *fakePin
	sink   *fakeSink
	store  *config.Store
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store, err := config.Load(t.TempDir() + "/settings.yaml")
	if err != nil {
		t.Fatalf("Load() err=%v", err)
	}

	f := &fixture{
		t:      t,
		client: &fakeClient{t: t},
		pin:    &fakePin{},
		sink:   &fakeSink{},
		store:  store,
		// Not a multiple of any sampling interval used below, so a
		// measurement never triggers unless a test arranges it.
		now: time.Unix(1700000001, 0),
	}

	f.sensor = New(zap.NewNop().Sugar(), f.client, f.pin, store, f.sink)
	f.sensor.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func floatWords(v float32) (uint16, uint16) {
	bits := math32.Float32bits(v)
	return uint16(bits >> 16), uint16(bits & 0xFFFF)
}

// ---- tests ----

func TestStart_FirmwareReadRunsBeforeConfig(t *testing.T) {
	f := newFixture(t)
	f.sensor.Start()

	f.sensor.Loop()

	req := f.client.last()
	if req.write || req.addr != firmwareVersionAddress || req.quantity != 1 {
		t.Fatalf("expected firmware version read, got %+v", req)
	}
	if req.device != DeviceAddress {
		t.Fatalf("expected device 0x61, got 0x%02x", req.device)
	}

	// Still in flight: no new request on the next tick.
	f.sensor.Loop()
	if len(f.client.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(f.client.requests))
	}

	req.resp.complete(0x0342)
	f.sensor.Loop()

	if got := f.sensor.FirmwareVersion(); got != "3.66" {
		t.Fatalf("firmware version: got %q", got)
	}

	// Next tick starts the lowest-ordinal config operation.
	f.sensor.Loop()
	req = f.client.last()
	if req.write || req.addr != ascConfigAddress {
		t.Fatalf("expected automatic calibration read, got %+v", req)
	}
}

func TestLoop_LowestPendingOperationWins(t *testing.T) {
	f := newFixture(t)

	f.sensor.pending.Set(OpTakeMeasurement)
	f.sensor.pending.Set(OpConfigAmbientPressure)
	f.sensor.pending.Set(OpConfigTemperatureOffset)

	f.sensor.Loop()

	if f.sensor.current != OpConfigTemperatureOffset {
		t.Fatalf("expected temperature offset op, got %d", f.sensor.current)
	}
	if f.sensor.pending.Contains(OpConfigTemperatureOffset) {
		t.Fatal("current operation still pending")
	}
	if req := f.client.last(); req.addr != temperatureOffsetAddress {
		t.Fatalf("expected read of 0x%04x, got 0x%04x", temperatureOffsetAddress, req.addr)
	}
}

func TestConfigRegister_MatchingValueSkipsWrite(t *testing.T) {
	f := newFixture(t)

	f.sensor.pending.Set(OpConfigTemperatureOffset)
	f.sensor.Loop()

	// Device already holds the desired value (default offset 0).
	f.client.last().resp.complete(0)
	f.sensor.Loop()

	if len(f.client.requests) != 1 {
		t.Fatalf("expected no write, got %d requests", len(f.client.requests))
	}
	if f.sensor.current != opNone {
		t.Fatal("operation not finished")
	}
}

func TestConfigRegister_MismatchWritesInSameStep(t *testing.T) {
	f := newFixture(t)

	if err := f.store.Update(func(s *config.Settings) {
		s.SensorTemperatureOffset = 250
	}); err != nil {
		t.Fatalf("Update() err=%v", err)
	}

	f.sensor.pending.Set(OpConfigTemperatureOffset)
	f.sensor.Loop()
	f.client.last().resp.complete(100)
	f.sensor.Loop()

	req := f.client.last()
	if !req.write || req.addr != temperatureOffsetAddress || req.value != 250 {
		t.Fatalf("expected write of 250, got %+v", req)
	}

	req.resp.complete(250)
	f.sensor.Loop()

	if f.sensor.current != opNone || !f.sensor.pending.Empty() {
		t.Fatal("operation not finished cleanly")
	}
}

func TestConfigRegister_AmbientPressureAlwaysWrites(t *testing.T) {
	f := newFixture(t)

	// Desired and device value are both zero, but zero has a side effect
	// (disables pressure compensation) so the write must still go out.
	f.sensor.pending.Set(OpConfigAmbientPressure)
	f.sensor.Loop()
	f.client.last().resp.complete(0)
	f.sensor.Loop()

	req := f.client.last()
	if !req.write || req.addr != ambientPressureAddress || req.value != 0 {
		t.Fatalf("expected write of 0, got %+v", req)
	}
}

func TestConfig_IgnoresNonConfigurableOperations(t *testing.T) {
	f := newFixture(t)

	f.sensor.Config(OpSoftReset, OpTakeMeasurement, OpCalibrate)

	if !f.sensor.pending.Empty() {
		t.Fatalf("expected no pending operations, got %b", f.sensor.pending)
	}

	f.sensor.Config(OpConfigAltitudeCompensation)
	if !f.sensor.pending.Contains(OpConfigAltitudeCompensation) || f.sensor.pending != 1<<OpConfigAltitudeCompensation {
		t.Fatalf("expected only altitude compensation pending, got %b", f.sensor.pending)
	}
}

func TestConfig_EmptyRequestsFullResync(t *testing.T) {
	f := newFixture(t)

	f.sensor.Config()

	if f.sensor.pending != configOperations {
		t.Fatalf("expected full configurable set, got %b", f.sensor.pending)
	}
	if f.sensor.interval != 5 {
		t.Fatalf("expected default sample interval 5, got %d", f.sensor.interval)
	}
}

func TestCalibrate_InRangeEnqueuesExactValue(t *testing.T) {
	f := newFixture(t)

	f.sensor.Calibrate(450)

	if !f.sensor.pending.Contains(OpCalibrate) {
		t.Fatal("calibrate not enqueued")
	}
	if f.sensor.calibrationPPM != 450 {
		t.Fatalf("expected 450 ppm, got %d", f.sensor.calibrationPPM)
	}

	f.sensor.Loop()
	req := f.client.last()
	if !req.write || req.addr != forcedRecalibrationAddress || req.value != 450 {
		t.Fatalf("expected calibration write of 450, got %+v", req)
	}
}

func TestCalibrate_OutOfRangeDropped(t *testing.T) {
	f := newFixture(t)

	f.sensor.Calibrate(MaximumCalibrationPPM + 1000)
	f.sensor.Calibrate(MinimumCalibrationPPM - 1)

	if f.sensor.pending.Contains(OpCalibrate) {
		t.Fatal("out-of-range calibration must be dropped, not clamped")
	}
}

func TestMeasurement_DecodeAndForward(t *testing.T) {
	f := newFixture(t)
	f.sensor.interval = 5
	f.now = time.Unix(1700000005, 0)
	f.pin.high = true

	f.sensor.Loop()

	req := f.client.last()
	if req.write || req.addr != measurementDataAddress || req.quantity != 6 {
		t.Fatalf("expected measurement read, got %+v", req)
	}

	co2Hi, co2Lo := floatWords(600)
	tHi, tLo := floatWords(21.5)
	hHi, hLo := floatWords(48.25)
	req.resp.complete(co2Hi, co2Lo, tHi, tLo, hHi, hLo)

	f.sensor.Loop()

	if len(f.sink.readings) != 1 {
		t.Fatalf("expected 1 reading, got %d", len(f.sink.readings))
	}
	got := f.sink.readings[0]
	if got.ts != 1700000005 {
		t.Fatalf("timestamp: got %d", got.ts)
	}
	if got.temp != 21.5 || got.rhum != 48.25 || got.co2p != 600 {
		t.Fatalf("decoded values: got %+v", got)
	}

	// Same second: no re-trigger.
	f.sensor.Loop()
	if len(f.client.requests) != 1 {
		t.Fatalf("measurement re-triggered within the same second")
	}
}

func TestMeasurement_ImplausibleCO2BecomesNaN(t *testing.T) {
	f := newFixture(t)
	f.sensor.interval = 5
	f.now = time.Unix(1700000005, 0)
	f.pin.high = true

	f.sensor.Loop()

	co2Hi, co2Lo := floatWords(150)
	tHi, tLo := floatWords(20)
	hHi, hLo := floatWords(50)
	f.client.last().resp.complete(co2Hi, co2Lo, tHi, tLo, hHi, hLo)

	f.sensor.Loop()

	if !math32.IsNaN(f.sink.readings[0].co2p) {
		t.Fatalf("expected NaN CO2, got %f", f.sink.readings[0].co2p)
	}
	if !math32.IsNaN(f.sensor.CO2PPM()) {
		t.Fatalf("expected NaN cached CO2, got %f", f.sensor.CO2PPM())
	}
}

func TestMeasurement_ReadyTimeoutResets(t *testing.T) {
	f := newFixture(t)
	f.sensor.interval = 5
	f.now = time.Unix(1700000005, 0)

	f.sensor.Loop() // triggers, pin low: enters waiting
	if f.sensor.measurement != measurementWaiting {
		t.Fatalf("expected waiting state, got %d", f.sensor.measurement)
	}

	f.advance(measurementTimeout - time.Second)
	f.sensor.Loop()
	if f.sensor.pending.Contains(OpSoftReset) {
		t.Fatal("reset before timeout elapsed")
	}

	f.advance(2 * time.Second)
	f.sensor.Loop()

	if !f.sensor.pending.Contains(OpSoftReset) {
		t.Fatal("expected soft reset pending after timeout")
	}
	if !f.sensor.pending.Contains(OpReadFirmwareVersion) || f.sensor.pending&configOperations != configOperations {
		t.Fatalf("expected full re-initialization queue, got %b", f.sensor.pending)
	}
}

func TestMalformedResponseResets(t *testing.T) {
	f := newFixture(t)

	f.sensor.pending.Set(OpReadFirmwareVersion)
	f.sensor.Loop()
	f.client.last().resp.complete() // short payload
	f.sensor.Loop()

	if !f.sensor.pending.Contains(OpSoftReset) {
		t.Fatal("expected reset after malformed response")
	}
	if f.sensor.current != opNone || f.sensor.response != nil {
		t.Fatal("expected operation state cleared")
	}
}

func TestReset_FullCycle(t *testing.T) {
	f := newFixture(t)

	f.sensor.Reset(ResetPreDelay)

	// Pre-delay not yet elapsed: nothing issued.
	f.sensor.Loop()
	if len(f.client.requests) != 0 {
		t.Fatalf("reset command issued before pre-delay elapsed")
	}

	f.advance(ResetPreDelay)
	f.sensor.Loop()

	req := f.client.last()
	if !req.write || req.addr != softResetAddress || req.value != 0x0001 {
		t.Fatalf("expected soft reset write, got %+v", req)
	}

	req.resp.complete(0x0001)
	f.sensor.Loop() // acknowledges, starts post-delay

	f.sensor.Loop() // post-delay not elapsed
	if f.sensor.current != OpSoftReset {
		t.Fatal("soft reset finished before post-delay elapsed")
	}

	f.advance(resetPostDelay)
	f.sensor.Loop()
	if f.sensor.current != opNone || f.sensor.measurement != measurementIdle {
		t.Fatal("soft reset did not finish after post-delay")
	}

	// Re-initialization continues with the firmware read.
	f.sensor.Loop()
	if req := f.client.last(); req.write || req.addr != firmwareVersionAddress {
		t.Fatalf("expected firmware read after reset, got %+v", req)
	}
}

func TestReset_BadEchoRestartsReset(t *testing.T) {
	f := newFixture(t)

	f.sensor.Reset(0)
	f.sensor.Loop()
	f.client.last().resp.complete(0x0000) // wrong echo
	f.sensor.Loop()

	if !f.sensor.pending.Contains(OpSoftReset) {
		t.Fatal("expected reset re-armed after bad echo")
	}
	if f.sensor.resetWait != ResetPreDelay {
		t.Fatalf("expected default pre-delay, got %v", f.sensor.resetWait)
	}
}
