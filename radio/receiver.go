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
	"fmt"
	"strings"
	"sync"
	"time"
)

// BufferSize is the number of samples per receiver in one DSP block.
const BufferSize = 1024

// DSPMode is the demodulation mode of a receiver.
type DSPMode int

// DSPMode values
const (
	LSB DSPMode = iota
	USB
	DSB
	CWL
	CWU
	FM
	AM
	DIGU
	DIGL
	SAM
)

var dspModeNames = [...]string{"LSB", "USB", "DSB", "CWL", "CWU", "FM", "AM", "DIGU", "DIGL", "SAM"}

func (m DSPMode) String() string {
	if m >= 0 && int(m) < len(dspModeNames) {
		return dspModeNames[m]
	}
	return fmt.Sprintf("DSPMode(%d)", int(m))
}

// ParseDSPMode accepts the names produced by String, in any case.
func ParseDSPMode(s string) (DSPMode, error) {
	for i, n := range dspModeNames {
		if strings.EqualFold(n, s) {
			return DSPMode(i), nil
		}
	}
	return LSB, fmt.Errorf("unknown DSP mode %q", s)
}

// AGCMode selects the AGC time constants.
type AGCMode int

// AGCMode values
const (
	AGCOff AGCMode = iota
	AGCLong
	AGCSlow
	AGCMedium
	AGCFast
)

var agcModeNames = [...]string{"off", "long", "slow", "medium", "fast"}

func (m AGCMode) String() string {
	if m >= 0 && int(m) < len(agcModeNames) {
		return agcModeNames[m]
	}
	return fmt.Sprintf("AGCMode(%d)", int(m))
}

// ParseAGCMode accepts the names produced by String. An empty name means medium.
func ParseAGCMode(s string) (AGCMode, error) {
	if s == "" {
		return AGCMedium, nil
	}
	for i, n := range agcModeNames {
		if strings.EqualFold(n, s) {
			return AGCMode(i), nil
		}
	}
	return AGCOff, fmt.Errorf("unknown AGC mode %q", s)
}

// AudioSample is one stereo output sample.
type AudioSample struct {
	L float32
	R float32
}

// DSPBackend is a per-receiver processing engine, selected once per session.
type DSPBackend interface {
	Init(rx int) error
	SetSampleRate(hz int) error
	SetFilter(lo, hi float64)
	SetMode(DSPMode)
	SetAGCMode(AGCMode)
	// Process consumes one block of IQ samples, fills out with audio and
	// returns the receiver's spectrum. The returned slice may be reused.
	Process(in []IQSample, out []AudioSample) []float32
	SMeter() float32
	Close()
}

// BackendFactory creates the DSP backend for receiver rx.
type BackendFactory func(rx int) (DSPBackend, error)

// ReceiverSettings are the user-visible parameters of one receiver.
type ReceiverSettings struct {
	Frequency    uint32
	Mode         DSPMode
	AGC          AGCMode
	FilterLo     float64
	FilterHi     float64
	Volume       float32
	DisplayDelay time.Duration
}

// Receiver is one logical demodulation channel.
type Receiver struct {
	ID int

	// proc serialises processing against disconnect.
	proc      sync.Mutex
	connected bool
	backend   DSPBackend

	mu       sync.Mutex
	settings ReceiverSettings
	band     HamBand

	// in and out are owned by the dispatch goroutine.
	in           []IQSample
	out          []AudioSample
	spectrum     []float32
	lastSpectrum time.Time
}

func newReceiver(id int, backend DSPBackend, s ReceiverSettings) *Receiver {
	return &Receiver{
		ID:       id,
		backend:  backend,
		settings: s,
		band:     BandForFrequency(s.Frequency),
		in:       make([]IQSample, BufferSize),
		out:      make([]AudioSample, BufferSize),
	}
}

// Settings returns a copy of the receiver's settings.
func (r *Receiver) Settings() ReceiverSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Band returns the band containing the receiver frequency.
func (r *Receiver) Band() HamBand {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.band
}

func (r *Receiver) setFrequency(f uint32) HamBand {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings.Frequency = f
	r.band = BandForFrequency(f)
	return r.band
}

// SetMode changes the demodulation mode.
func (r *Receiver) SetMode(m DSPMode) {
	r.mu.Lock()
	r.settings.Mode = m
	r.mu.Unlock()
	r.proc.Lock()
	r.backend.SetMode(m)
	r.proc.Unlock()
}

// SetAGCMode changes the AGC mode.
func (r *Receiver) SetAGCMode(m AGCMode) {
	r.mu.Lock()
	r.settings.AGC = m
	r.mu.Unlock()
	r.proc.Lock()
	r.backend.SetAGCMode(m)
	r.proc.Unlock()
}

// SetFilter changes the filter passband in Hz relative to the carrier.
func (r *Receiver) SetFilter(lo, hi float64) {
	r.mu.Lock()
	r.settings.FilterLo = lo
	r.settings.FilterHi = hi
	r.mu.Unlock()
	r.proc.Lock()
	r.backend.SetFilter(lo, hi)
	r.proc.Unlock()
}

// SetAudioVolume sets the output gain applied to demodulated audio.
func (r *Receiver) SetAudioVolume(v float32) {
	r.mu.Lock()
	r.settings.Volume = v
	r.mu.Unlock()
}

// Connected reports whether the receiver takes part in DSP dispatch.
func (r *Receiver) Connected() bool {
	r.proc.Lock()
	defer r.proc.Unlock()
	return r.connected
}

// SetConnected enables or disables processing. Once SetConnected(false)
// returns, no further block is processed on this receiver.
func (r *Receiver) SetConnected(v bool) {
	r.proc.Lock()
	r.connected = v
	r.proc.Unlock()
}

// process runs one DSP block if the receiver is connected.
func (r *Receiver) process() bool {
	r.proc.Lock()
	defer r.proc.Unlock()
	if !r.connected {
		return false
	}
	r.spectrum = r.backend.Process(r.in, r.out)
	if v := r.Settings().Volume; v != 1 {
		for i := range r.out {
			r.out[i].L *= v
			r.out[i].R *= v
		}
	}
	return true
}

func (r *Receiver) sMeter() float32 {
	r.proc.Lock()
	defer r.proc.Unlock()
	return r.backend.SMeter()
}

// spectrumDue reports whether the display delay has elapsed since the last
// delivered spectrum, and restarts the timer when it has.
func (r *Receiver) spectrumDue(now time.Time) bool {
	delay := r.Settings().DisplayDelay
	if now.Sub(r.lastSpectrum) < delay {
		return false
	}
	r.lastSpectrum = now
	return true
}

func (r *Receiver) close() {
	r.proc.Lock()
	r.connected = false
	r.backend.Close()
	r.proc.Unlock()
}
