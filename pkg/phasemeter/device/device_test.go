package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeVolts(t *testing.T) {
	assert.Equal(t, 5.0, Range5V.Volts())
	assert.Equal(t, 0.5, Range500mV.Volts())
	assert.Equal(t, "+-500mV", Range500mV.String())
	assert.Equal(t, "+-5V", Range(8).String())
	assert.True(t, math.IsNaN(Range(99).Volts()))
	assert.False(t, Range(-1).Valid())
}

func TestVoltsToADC(t *testing.T) {
	// 1 V on a 5 V range with 8 bit resolution scaled to int16
	assert.Equal(t, int16(6528), VoltsToADC(1.0, Range5V, 32640))
	assert.Equal(t, int16(-32640), VoltsToADC(-5, Range5V, 32640))
	assert.Equal(t, int16(math.MaxInt16), VoltsToADC(10, Range5V, 32767))
	assert.InDelta(t, 1.0, ADCToVolts(6528, Range5V, 32640), 1e-12)
}

func TestParse(t *testing.T) {
	c, err := ParseCoupling("dc50")
	require.NoError(t, err)
	assert.Equal(t, CouplingDC50, c)
	_, err = ParseCoupling("GND")
	assert.Error(t, err)

	d, err := ParseDirection("Falling")
	require.NoError(t, err)
	assert.Equal(t, Falling, d)
	_, err = ParseDirection("both")
	assert.Error(t, err)
}
