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

// Package dsp is a small block-based receiver: FFT bin masking for the filter,
// AM, FM and SSB demodulation, and a peak tracking AGC.
package dsp

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/dsputils"
	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/window"
	"github.com/pkg/errors"

	"github.com/jancona/hpsdrengine/radio"
)

const (
	agcTarget  = 0.5
	agcMaxGain = 1000.0
	// amDCRate is the per-sample weight of the AM carrier tracker.
	amDCRate = 0.001
)

// growth per sample while the signal stays under the AGC target
var agcGrowth = map[radio.AGCMode]float64{
	radio.AGCLong:   1.00002,
	radio.AGCSlow:   1.00005,
	radio.AGCMedium: 1.0001,
	radio.AGCFast:   1.0005,
}

// Backend implements radio.DSPBackend.
type Backend struct {
	rx         int
	sampleRate int
	mode       radio.DSPMode
	agc        radio.AGCMode
	lo, hi     float64

	window   []float64
	spectrum []float32
	gain     float64
	dc       float64
	prev     complex128
	smeter   float32
}

// NewBackend is a radio.BackendFactory.
func NewBackend(rx int) (radio.DSPBackend, error) {
	if rx < 0 || rx >= radio.MaxReceivers {
		return nil, errors.Errorf("receiver %d out of range", rx)
	}
	return &Backend{rx: rx, sampleRate: 48000, mode: radio.LSB, lo: -2850, hi: -150, gain: 1}, nil
}

func (b *Backend) Init(rx int) error {
	if rx != b.rx {
		return errors.Errorf("backend created for receiver %d, initialised for %d", b.rx, rx)
	}
	b.gain = 1
	b.dc = 0
	b.prev = 0
	return nil
}

func (b *Backend) SetSampleRate(hz int) error {
	if hz <= 0 {
		return errors.Errorf("invalid sample rate %d", hz)
	}
	b.sampleRate = hz
	return nil
}

func (b *Backend) SetFilter(lo, hi float64) {
	b.lo, b.hi = lo, hi
}

func (b *Backend) SetMode(m radio.DSPMode) {
	b.mode = m
	b.prev = 0
	b.dc = 0
}

func (b *Backend) SetAGCMode(m radio.AGCMode) {
	b.agc = m
	if m == radio.AGCOff {
		b.gain = 1
	}
}

func (b *Backend) SMeter() float32 {
	return b.smeter
}

func (b *Backend) Close() {}

// binFrequency is the signed frequency of FFT bin k of n.
func binFrequency(k, n, sampleRate int) float64 {
	if k >= n/2 {
		k -= n
	}
	return float64(k) * float64(sampleRate) / float64(n)
}

// Process demodulates one block into out and returns the block spectrum in dB,
// DC in the middle.
func (b *Backend) Process(in []radio.IQSample, out []radio.AudioSample) []float32 {
	if len(in) == 0 {
		return b.spectrum
	}
	n := dsputils.NextPowerOf2(len(in))
	if len(b.window) != len(in) {
		b.window = window.Blackman(len(in))
		b.spectrum = make([]float32, n)
	}

	raw := make([]complex128, n)
	windowed := make([]complex128, n)
	power := 0.0
	for i, s := range in {
		c := complex(float64(s.I), float64(s.Q))
		raw[i] = c
		windowed[i] = c * complex(b.window[i], 0)
		power += real(c)*real(c) + imag(c)*imag(c)
	}
	b.smeter = float32(10 * math.Log10(power/float64(len(in))+1e-20))

	display := fft.FFT(windowed)
	half := n / 2
	for k, v := range display {
		idx := k + half
		if k >= half {
			idx = k - half
		}
		p := (real(v)*real(v) + imag(v)*imag(v)) / float64(n*n)
		b.spectrum[idx] = float32(10 * math.Log10(p+1e-20))
	}

	bins := fft.FFT(raw)
	for k := range bins {
		f := binFrequency(k, n, b.sampleRate)
		if f < b.lo || f > b.hi {
			bins[k] = 0
		}
	}
	filtered := fft.IFFT(bins)

	for i := range in {
		v := b.demodulate(filtered[i])
		v *= b.agcGain(v)
		if i < len(out) {
			out[i] = radio.AudioSample{L: float32(v), R: float32(v)}
		}
	}
	return b.spectrum
}

func (b *Backend) demodulate(y complex128) float64 {
	switch b.mode {
	case radio.AM, radio.SAM:
		a := cmplx.Abs(y)
		b.dc += (a - b.dc) * amDCRate
		return a - b.dc
	case radio.FM:
		d := cmplx.Phase(y*cmplx.Conj(b.prev)) / math.Pi
		b.prev = y
		return d
	}
	return real(y)
}

func (b *Backend) agcGain(v float64) float64 {
	growth, ok := agcGrowth[b.agc]
	if !ok {
		return 1
	}
	if p := math.Abs(v) * b.gain; p > agcTarget {
		b.gain = agcTarget / math.Abs(v)
	} else if b.gain < agcMaxGain {
		b.gain *= growth
	}
	return b.gain
}
