// Copyright 2020 James P. Ancona

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

// 	http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweptToneParameters(t *testing.T) {
	tt := []struct {
		name        string
		rate        int
		start, stop float64
		ok          bool
	}{
		{"audio sweep", 48000, 1000, 3000, true},
		{"zero rate", 0, 1000, 3000, false},
		{"reversed", 48000, 3000, 1000, false},
		{"above nyquist", 48000, 1000, 30000, false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			tone := NewSweptTone(tc.rate, tc.start, tc.stop)
			assert.Equal(t, tc.ok, tone.GenerateSweptTone())
			if tc.ok {
				assert.Len(t, tone.Samples(), tc.rate)
			} else {
				assert.Nil(t, tone.Samples())
			}
		})
	}
}

func TestSweptToneReset(t *testing.T) {
	tone := NewSweptTone(8000, 100, 300)
	require.True(t, tone.GenerateSweptTone())
	assert.InDelta(t, 1.0, cmplx.Abs(tone.Samples()[123]), 1e-9)
	tone.Reset()
	assert.Nil(t, tone.Samples())
}

// capture returns count samples of the reference shifted by offset Hz, interleaved.
func capture(tone *SweptTone, count int, offset float64) []float32 {
	ref := tone.Samples()
	out := make([]float32, 0, 2*count)
	for i := 0; i < count; i++ {
		x := float64(i) / float64(tone.SampleRate)
		v := ref[i] * cmplx.Rect(1, 2*math.Pi*offset*x)
		out = append(out, float32(real(v)), float32(imag(v)))
	}
	return out
}

func TestDechirperOffset(t *testing.T) {
	tone := NewSweptTone(48000, 1000, 3000)
	require.True(t, tone.GenerateSweptTone())
	d := NewDechirper(tone)

	for _, offset := range []float64{0, 200, -350} {
		got, ok := d.Offset(capture(tone, 8192, offset))
		require.True(t, ok)
		// one bin is 48000/8192 Hz
		assert.InDelta(t, offset, got, 48000.0/8192, "offset %v", offset)
	}
}

func TestDechirperDecode(t *testing.T) {
	tone := NewSweptTone(48000, 1000, 3000)
	d := NewDechirper(tone)
	var offsets []float64
	d.OnOffset = func(hz float64) { offsets = append(offsets, hz) }

	// nothing to correlate against before the tone is generated
	d.Decode(make([]float32, 100))
	assert.Empty(t, offsets)

	require.True(t, tone.GenerateSweptTone())
	d.Decode(capture(tone, 4096, 500))
	require.Len(t, offsets, 1)
	assert.InDelta(t, 500, offsets[0], 48000.0/4096)
}
