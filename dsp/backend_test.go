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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jancona/hpsdrengine/radio"
)

// toneBlock returns a complex exponential on FFT bin k of a 1024 sample block.
func toneBlock(k int, amplitude float64) []radio.IQSample {
	in := make([]radio.IQSample, radio.BufferSize)
	for i := range in {
		ph := 2 * math.Pi * float64(k) * float64(i) / float64(radio.BufferSize)
		in[i] = radio.IQSample{I: float32(amplitude * math.Cos(ph)), Q: float32(amplitude * math.Sin(ph))}
	}
	return in
}

func rms(out []radio.AudioSample) float64 {
	sum := 0.0
	for _, s := range out {
		sum += float64(s.L) * float64(s.L)
	}
	return math.Sqrt(sum / float64(len(out)))
}

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := NewBackend(0)
	require.NoError(t, err)
	require.NoError(t, b.Init(0))
	require.NoError(t, b.SetSampleRate(48000))
	return b.(*Backend)
}

func TestNewBackend(t *testing.T) {
	_, err := NewBackend(-1)
	assert.Error(t, err)
	_, err = NewBackend(radio.MaxReceivers)
	assert.Error(t, err)

	b, err := NewBackend(2)
	require.NoError(t, err)
	assert.Error(t, b.Init(1))
	assert.NoError(t, b.Init(2))
	assert.Error(t, b.SetSampleRate(0))
}

func TestBinFrequency(t *testing.T) {
	assert.Equal(t, 0.0, binFrequency(0, 1024, 48000))
	assert.Equal(t, 937.5, binFrequency(20, 1024, 48000))
	assert.Equal(t, -937.5, binFrequency(1004, 1024, 48000))
	assert.Equal(t, -24000.0, binFrequency(512, 1024, 48000))
}

func TestBackendFilter(t *testing.T) {
	tt := []struct {
		name   string
		bin    int
		passes bool
	}{
		{"upper sideband tone", 20, true},
		{"lower sideband tone", -20, false},
		{"below passband", 2, false},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestBackend(t)
			b.SetMode(radio.USB)
			b.SetFilter(150, 2850)
			out := make([]radio.AudioSample, radio.BufferSize)
			b.Process(toneBlock(tc.bin, 0.5), out)
			if tc.passes {
				assert.InDelta(t, 0.5/math.Sqrt2, rms(out), 1e-3)
			} else {
				assert.Less(t, rms(out), 1e-4)
			}
		})
	}
}

func TestBackendSpectrumAndSMeter(t *testing.T) {
	b := newTestBackend(t)
	out := make([]radio.AudioSample, radio.BufferSize)
	spectrum := b.Process(toneBlock(20, 0.1), out)
	require.Len(t, spectrum, radio.BufferSize)

	peak := 0
	for i, v := range spectrum {
		if v > spectrum[peak] {
			peak = i
		}
	}
	// DC sits in the middle of the display
	assert.Equal(t, radio.BufferSize/2+20, peak)
	assert.InDelta(t, -20, b.SMeter(), 0.01)
}

func TestBackendFM(t *testing.T) {
	b := newTestBackend(t)
	b.SetMode(radio.FM)
	b.SetFilter(-3000, 3000)
	out := make([]radio.AudioSample, radio.BufferSize)
	b.Process(toneBlock(20, 0.5), out)
	// a steady tone is a constant frequency deviation
	for i := 1; i < len(out); i += 100 {
		assert.InDelta(t, 2*937.5/48000, out[i].L, 1e-4)
	}
}

func TestBackendAM(t *testing.T) {
	b := newTestBackend(t)
	b.SetMode(radio.AM)
	b.SetFilter(-3000, 3000)
	out := make([]radio.AudioSample, radio.BufferSize)
	b.Process(toneBlock(0, 0.5), out)
	// the carrier tracker removes a steady carrier over time
	assert.Less(t, math.Abs(float64(out[len(out)-1].L)), math.Abs(float64(out[0].L)))
}

func TestBackendAGC(t *testing.T) {
	b := newTestBackend(t)
	b.SetMode(radio.USB)
	b.SetFilter(150, 2850)
	b.SetAGCMode(radio.AGCFast)
	out := make([]radio.AudioSample, radio.BufferSize)

	b.Process(toneBlock(20, 0.01), out)
	assert.Greater(t, b.gain, 1.0)

	// gain may grow by one step past the target before it is pulled back
	b.Process(toneBlock(20, 1), out)
	for _, s := range out {
		assert.LessOrEqual(t, math.Abs(float64(s.L)), agcTarget*agcGrowth[radio.AGCFast]+1e-6)
	}

	b.SetAGCMode(radio.AGCOff)
	assert.Equal(t, 1.0, b.gain)
}

func TestBackendEmptyBlock(t *testing.T) {
	b := newTestBackend(t)
	assert.Nil(t, b.Process(nil, nil))
}
