// internal/report/reading.go
package report

import (
	"errors"

	"github.com/chewxy/math32"
)

// Field encodings for a stored reading. Each value is quantized into a
// fixed-width integer with one reserved sentinel for "not available", so a
// whole reading packs into 10 bytes.
const (
	tempBits = 14
	tempDiv  = 100
	tempMin  = -(1 << (tempBits - 1)) + 1 // -81.91°C
	tempMax  = (1 << (tempBits - 1)) - 1  // 81.91°C
	tempNaN  = tempMin - 1

	rhumBits = 14
	rhumDiv  = 100
	rhumMin  = 0
	rhumMax  = (1 << rhumBits) - 2 // 163.82%
	rhumNaN  = rhumMax + 1

	co2Bits = 20
	co2Div  = 20
	co2Min  = 0
	co2Max  = (1 << co2Bits) - 2 // 41942.96 ppm
	co2NaN  = co2Max + 1
)

// ReadingSize is the packed wire/storage size of one reading.
const ReadingSize = 10

// Reading is one immutable measurement record. The value fields hold the
// quantized integer encodings; accessors decode back to floats.
type Reading struct {
	Timestamp uint32

	temp int16
	rhum uint16
	co2  uint32
}

// NewReading quantizes a measurement. In-range values are rounded and
// clamped to the field range; non-finite or subnormal inputs (including
// zero, which the sensor never legitimately reports) become the sentinel.
func NewReading(timestamp uint32, temperatureC, relativeHumidityPC, co2PPM float32) Reading {
	r := Reading{Timestamp: timestamp}

	if isNormal(temperatureC) {
		r.temp = int16(quantize(temperatureC, tempDiv, tempMin, tempMax))
	} else {
		r.temp = tempNaN
	}

	if isNormal(relativeHumidityPC) {
		r.rhum = uint16(quantize(relativeHumidityPC, rhumDiv, rhumMin, rhumMax))
	} else {
		r.rhum = rhumNaN
	}

	if isNormal(co2PPM) {
		r.co2 = uint32(quantize(co2PPM, co2Div, co2Min, co2Max))
	} else {
		r.co2 = co2NaN
	}

	return r
}

// TemperatureC decodes the stored temperature, NaN when not available.
func (r Reading) TemperatureC() float32 {
	if r.temp == tempNaN {
		return math32.NaN()
	}
	return float32(r.temp) / tempDiv
}

// RelativeHumidityPC decodes the stored humidity, NaN when not available.
func (r Reading) RelativeHumidityPC() float32 {
	if r.rhum == rhumNaN {
		return math32.NaN()
	}
	return float32(r.rhum) / rhumDiv
}

// CO2PPM decodes the stored CO₂ concentration, NaN when not available.
func (r Reading) CO2PPM() float32 {
	if r.co2 == co2NaN {
		return math32.NaN()
	}
	return float32(r.co2) / co2Div
}

// MarshalBinary packs the reading into its 10-byte layout:
// little-endian timestamp, then a 48-bit little-endian word holding
// temperature in bits 0-13 (two's complement), humidity in bits 14-27 and
// CO₂ in bits 28-47.
func (r Reading) MarshalBinary() ([]byte, error) {
	out := make([]byte, ReadingSize)

	out[0] = byte(r.Timestamp)
	out[1] = byte(r.Timestamp >> 8)
	out[2] = byte(r.Timestamp >> 16)
	out[3] = byte(r.Timestamp >> 24)

	packed := uint64(uint16(r.temp)&(1<<tempBits-1)) |
		uint64(r.rhum&(1<<rhumBits-1))<<tempBits |
		uint64(r.co2&(1<<co2Bits-1))<<(tempBits+rhumBits)

	for i := 0; i < 6; i++ {
		out[4+i] = byte(packed >> (8 * i))
	}

	return out, nil
}

// UnmarshalBinary unpacks a 10-byte reading.
func (r *Reading) UnmarshalBinary(data []byte) error {
	if len(data) != ReadingSize {
		return errors.New("report: reading must be 10 bytes")
	}

	r.Timestamp = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24

	var packed uint64
	for i := 0; i < 6; i++ {
		packed |= uint64(data[4+i]) << (8 * i)
	}

	temp := uint16(packed & (1<<tempBits - 1))
	if temp >= 1<<(tempBits-1) {
		r.temp = int16(temp) - (1 << tempBits)
	} else {
		r.temp = int16(temp)
	}
	r.rhum = uint16(packed >> tempBits & (1<<rhumBits - 1))
	r.co2 = uint32(packed >> (tempBits + rhumBits) & (1<<co2Bits - 1))

	return nil
}

// minNormalFloat32 is the smallest positive normal float32 (0x1p-126).
const minNormalFloat32 = 1.1754943508222875e-38

func isNormal(f float32) bool {
	return !math32.IsNaN(f) && !math32.IsInf(f, 0) && math32.Abs(f) >= minNormalFloat32
}

// quantize rounds v*mul to the nearest integer, ties away from zero, and
// clamps in the float domain so out-of-range inputs cannot overflow the
// integer conversion.
func quantize(v float32, mul float32, min, max int32) int32 {
	f := math32.Round(v * mul)
	if f < float32(min) {
		return min
	}
	if f > float32(max) {
		return max
	}
	return int32(f)
}
