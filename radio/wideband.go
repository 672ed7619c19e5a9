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

package radio

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const log10Epsilon = 1.5e-45

// Averager smooths dB spectra in the power domain. It averages linearly until
// count frames have been seen, then switches to an exponential average with
// the same time constant.
type Averager struct {
	count  int
	frames int
	avg    []float64
}

// NewAverager creates an averager for spectra of size bins.
func NewAverager(size, count int) *Averager {
	if count < 1 {
		count = 1
	}
	return &Averager{count: count, avg: make([]float64, size)}
}

// Process averages in into out. in and out may be the same slice.
func (a *Averager) Process(in, out []float32) {
	if a.frames < a.count {
		a.frames++
	}
	k := 1.0 / float64(a.frames)
	for i, db := range in {
		if i >= len(a.avg) {
			break
		}
		p := math.Pow(10, float64(db)/10)
		a.avg[i] += (p - a.avg[i]) * k
		out[i] = float32(10 * math.Log10(a.avg[i]+log10Epsilon))
	}
}

// Reset restarts the linear phase.
func (a *Averager) Reset() {
	a.frames = 0
	for i := range a.avg {
		a.avg[i] = 0
	}
}

// Wideband turns raw ADC blocks into dB spectra.
type Wideband struct {
	size   int
	window []float64
	fft    *fourier.CmplxFFT
	seq    []complex128
	coeff  []complex128

	// mu guards averaging state independently of the engine lock
	mu        sync.Mutex
	averaging bool
	averager  *Averager
}

// NewWideband creates a processor for blocks of size 16 bit samples.
func NewWideband(size, averagingCount int, averaging bool) *Wideband {
	w := make([]float64, size)
	for i := range w {
		w[i] = 1
	}
	return &Wideband{
		size:      size,
		window:    window.BlackmanHarris(w),
		fft:       fourier.NewCmplxFFT(size),
		seq:       make([]complex128, size),
		averaging: averaging,
		averager:  NewAverager(size/2, averagingCount),
	}
}

// Size returns the block size in samples.
func (w *Wideband) Size() int {
	return w.size
}

// SetAveraging turns spectrum averaging on or off.
func (w *Wideband) SetAveraging(on bool) {
	w.mu.Lock()
	if on && !w.averaging {
		w.averager.Reset()
	}
	w.averaging = on
	w.mu.Unlock()
}

// SetAveragingCount changes the averaging length and restarts averaging.
func (w *Wideband) SetAveragingCount(n int) {
	w.mu.Lock()
	w.averager = NewAverager(w.size/2, n)
	w.mu.Unlock()
}

// Process converts one block of little-endian 16 bit samples into size/2 dB bins.
func (w *Wideband) Process(block []byte) ([]float32, error) {
	if len(block) != 2*w.size {
		return nil, fmt.Errorf("%w: wideband block length %d, want %d", ErrShortFrame, len(block), 2*w.size)
	}
	norm := 1.0 / float64(4*len(block))
	for i := 0; i < w.size; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(block[2*i:]))) * norm * w.window[i]
		w.seq[i] = complex(s, s)
	}
	w.coeff = w.fft.Coefficients(w.coeff, w.seq)

	spectrum := make([]float32, w.size/2)
	for i := range spectrum {
		c := w.coeff[i]
		spectrum[i] = float32(10 * math.Log10(real(c)*real(c)+imag(c)*imag(c)+log10Epsilon))
	}

	w.mu.Lock()
	if w.averaging {
		w.averager.Process(spectrum, spectrum)
	}
	w.mu.Unlock()
	return spectrum, nil
}
