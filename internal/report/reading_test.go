// internal/report/reading_test.go
package report

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReading_RoundTrip(t *testing.T) {
	r := NewReading(1700000000, 21.5, 48.25, 600)

	assert.Equal(t, uint32(1700000000), r.Timestamp)
	assert.Equal(t, float32(21.5), r.TemperatureC())
	assert.Equal(t, float32(48.25), r.RelativeHumidityPC())
	assert.Equal(t, float32(600), r.CO2PPM())
}

func TestNewReading_Resolution(t *testing.T) {
	// Temperature and humidity carry 0.01 resolution, CO₂ 0.05.
	r := NewReading(1, 21.504, 48.249, 600.03)

	assert.Equal(t, float32(21.5), r.TemperatureC())
	assert.Equal(t, float32(48.25), r.RelativeHumidityPC())
	assert.Equal(t, float32(600.05), r.CO2PPM())

	r = NewReading(1, -0.004, 0.004, 0.01)
	assert.Equal(t, float32(0), r.TemperatureC())
	assert.Equal(t, float32(0), r.RelativeHumidityPC())
	assert.Equal(t, float32(0), r.CO2PPM())
}

func TestNewReading_Clamping(t *testing.T) {
	r := NewReading(1, 100, 200, 1e9)

	assert.Equal(t, float32(81.91), r.TemperatureC())
	assert.Equal(t, float32(163.82), r.RelativeHumidityPC())
	assert.Equal(t, float32(52428.7), r.CO2PPM())

	r = NewReading(1, -100, -5, -1)
	assert.Equal(t, float32(-81.91), r.TemperatureC())
	assert.Equal(t, float32(0), r.RelativeHumidityPC())
	assert.Equal(t, float32(0), r.CO2PPM())
}

func TestNewReading_SentinelForNonNormal(t *testing.T) {
	for _, v := range []float32{
		math32.NaN(),
		math32.Inf(1),
		math32.Inf(-1),
		0,
		math32.Copysign(0, -1),
		math32.Float32frombits(1), // smallest subnormal
	} {
		r := NewReading(1, v, v, v)

		assert.True(t, math32.IsNaN(r.TemperatureC()), "temp for input %f", v)
		assert.True(t, math32.IsNaN(r.RelativeHumidityPC()), "rhum for input %f", v)
		assert.True(t, math32.IsNaN(r.CO2PPM()), "co2 for input %f", v)
	}
}

func TestReading_MarshalRoundTrip(t *testing.T) {
	in := NewReading(1700000000, -5.25, 48.25, 610.4)

	data, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, ReadingSize)

	var out Reading
	require.NoError(t, out.UnmarshalBinary(data))
	assert.Equal(t, in, out)
}

func TestReading_MarshalSentinelLayout(t *testing.T) {
	// All three sentinels: temperature -8192, humidity 16383, CO₂ 1048575
	// pack into a 48-bit word of 0xFFFFFFFFE000.
	nan := math32.NaN()
	r := NewReading(1000, nan, nan, nan)

	data, err := r.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xE8, 0x03, 0x00, 0x00, 0x00, 0xE0, 0xFF, 0xFF, 0xFF, 0xFF}, data)

	var out Reading
	require.NoError(t, out.UnmarshalBinary(data))
	assert.True(t, math32.IsNaN(out.TemperatureC()))
	assert.True(t, math32.IsNaN(out.RelativeHumidityPC()))
	assert.True(t, math32.IsNaN(out.CO2PPM()))
}

func TestReading_UnmarshalLengthError(t *testing.T) {
	var r Reading
	assert.Error(t, r.UnmarshalBinary(make([]byte, ReadingSize-1)))
	assert.Error(t, r.UnmarshalBinary(make([]byte, ReadingSize+1)))
}
