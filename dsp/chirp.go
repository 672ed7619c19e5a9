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
	"log"
	"math"
	"math/cmplx"
	"sync"

	"github.com/mjibson/go-dsp/dsputils"
	"github.com/mjibson/go-dsp/fft"
)

// SweptTone is a linear chirp from Start to Stop Hz lasting one second.
type SweptTone struct {
	SampleRate int
	Start      float64
	Stop       float64

	mu      sync.Mutex
	samples []complex128
}

// NewSweptTone creates an ungenerated tone.
func NewSweptTone(sampleRate int, start, stop float64) *SweptTone {
	return &SweptTone{SampleRate: sampleRate, Start: start, Stop: stop}
}

// GenerateSweptTone computes the reference samples. It returns false for
// parameters that cannot describe a chirp.
func (t *SweptTone) GenerateSweptTone() bool {
	if t.SampleRate <= 0 || t.Start < 0 || t.Stop <= t.Start || t.Stop > float64(t.SampleRate)/2 {
		log.Printf("[ERROR] SweptTone: invalid sweep %v to %v Hz at %d Hz", t.Start, t.Stop, t.SampleRate)
		return false
	}
	n := t.SampleRate
	fs := float64(t.SampleRate)
	k := (t.Stop - t.Start) / 2
	samples := make([]complex128, n)
	for i := range samples {
		x := float64(i) / fs
		samples[i] = cmplx.Rect(1, 2*math.Pi*(t.Start*x+k*x*x))
	}
	t.mu.Lock()
	t.samples = samples
	t.mu.Unlock()
	return true
}

// Reset discards the generated samples.
func (t *SweptTone) Reset() {
	t.mu.Lock()
	t.samples = nil
	t.mu.Unlock()
}

// Samples returns the generated reference, or nil before GenerateSweptTone.
func (t *SweptTone) Samples() []complex128 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.samples
}

// Dechirper measures the frequency offset of a captured chirp by mixing it
// with the conjugate reference and locating the resulting tone.
type Dechirper struct {
	tone *SweptTone
	// OnOffset, if set, receives every measured offset in Hz.
	OnOffset func(hz float64)
}

// NewDechirper creates a decoder against tone.
func NewDechirper(tone *SweptTone) *Dechirper {
	return &Dechirper{tone: tone}
}

// Decode implements radio.ChirpDecoder. samples holds interleaved I,Q values.
func (d *Dechirper) Decode(samples []float32) {
	offset, ok := d.Offset(samples)
	if !ok {
		return
	}
	log.Printf("[INFO] chirp offset %.2f Hz", offset)
	if d.OnOffset != nil {
		d.OnOffset(offset)
	}
}

// Offset returns the frequency offset of samples against the reference.
func (d *Dechirper) Offset(samples []float32) (float64, bool) {
	ref := d.tone.Samples()
	count := len(samples) / 2
	if count > len(ref) {
		count = len(ref)
	}
	if count == 0 {
		return 0, false
	}
	n := dsputils.NextPowerOf2(count)
	mixed := make([]complex128, n)
	for i := 0; i < count; i++ {
		s := complex(float64(samples[2*i]), float64(samples[2*i+1]))
		mixed[i] = s * cmplx.Conj(ref[i])
	}
	bins := fft.FFT(mixed)
	peak, best := 0, -1.0
	for k, v := range bins {
		if p := real(v)*real(v) + imag(v)*imag(v); p > best {
			peak, best = k, p
		}
	}
	return binFrequency(peak, n, d.tone.SampleRate), true
}
