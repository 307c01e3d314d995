package window

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sliceEqualFloat64(f1, f2 []float64, epsilon float64) bool {
	if len(f1) != len(f2) {
		return false
	}
	for i := 0; i < len(f1); i++ {
		if math.Abs(f1[i]-f2[i]) > epsilon {
			return false
		}
	}
	return true
}

// the extractor's numerical contract is the symmetric form 0.5-0.5*cos(2*pi*n/(N-1))
func TestHannIsSymmetricForm(t *testing.T) {
	for _, n := range []int{2, 7, 64, 1024, 1025} {
		want := make([]float64, n)
		for i := range want {
			want[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
		}
		got, err := New(Hann, n)
		require.NoError(t, err)
		if !sliceEqualFloat64(got, want, 1e-12) {
			t.Errorf("Hann(%d) = %v..., want %v...", n, got[:2], want[:2])
		}
	}
}

func TestHannSymmetric(t *testing.T) {
	w, err := New(Hann, 9)
	require.NoError(t, err)
	assert.InDelta(t, 0, w[0], 1e-15)
	assert.InDelta(t, 0, w[8], 1e-15)
	assert.InDelta(t, 1, w[4], 1e-15)
	for i := 0; i < len(w)/2; i++ {
		assert.InDelta(t, w[i], w[len(w)-1-i], 1e-15)
	}
}

func TestCosineWindows(t *testing.T) {
	hamming, err := New(Hamming, 11)
	require.NoError(t, err)
	assert.InDelta(t, 0.08, hamming[0], 1e-2)
	assert.InDelta(t, 1, hamming[5], 1e-2)

	blackman, err := New(Blackman, 11)
	require.NoError(t, err)
	assert.InDelta(t, 0, blackman[0], 1e-12)
	assert.InDelta(t, 1, blackman[5], 1e-12)
}

func TestCoherentGain(t *testing.T) {
	// sum of a symmetric Hann window is (N-1)/2
	n := 1024
	hann, err := New(Hann, n)
	require.NoError(t, err)
	assert.InDelta(t, float64(n-1)/2/float64(n), CoherentGain(hann), 1e-12)

	rect, err := New(Rectangular, 16)
	require.NoError(t, err)
	assert.Equal(t, 1.0, CoherentGain(rect))
	assert.Equal(t, 0.0, CoherentGain(nil))
}

func TestNew(t *testing.T) {
	w, err := New(Hann, 16)
	require.NoError(t, err)
	assert.Len(t, w, 16)

	_, err = New(Type(42), 16)
	assert.Error(t, err)
	_, err = New(Hann, 0)
	assert.Error(t, err)

	assert.Equal(t, "hann", Hann.String())
	assert.Equal(t, "window(42)", Type(42).String())

	one, err := New(Hann, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1}, one)
}
