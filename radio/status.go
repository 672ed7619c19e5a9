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
	"sync"
)

// SyncStatus is the link state shown to the user.
type SyncStatus int

// SyncStatus values
const (
	SyncOK SyncStatus = iota
	SyncLost
)

// Telemetry holds the analog readings cycled through the round robin slots.
type Telemetry struct {
	PTT, Dash, Dot bool
	HermesIO       [4]bool

	PenelopeForwardVolts float64
	PenelopeForwardPower float64
	AlexForwardVolts     float64
	AlexForwardPower     float64
	AlexReverseVolts     float64
	AlexReversePower     float64
	AIN3Volts            float64
	AIN4Volts            float64
	SupplyVolts          float64
}

// StatusSink receives live status from the engine. Slices passed to it are
// copies owned by the sink.
type StatusSink interface {
	SetFirmware(FirmwareInfo)
	SetADCOverflow(bool)
	SetProtocolSync(SyncStatus)
	SetTelemetry(Telemetry)
	SetSpectrum(rx int, spectrum []float32)
	SetWidebandSpectrum(spectrum []float32)
	SetSMeter(rx int, value float32)
}

// Status is a StatusSink that keeps the latest value of everything.
type Status struct {
	mu        sync.RWMutex
	firmware  FirmwareInfo
	overflow  bool
	sync      SyncStatus
	syncLost  int
	telemetry Telemetry
	spectra   map[int][]float32
	wideband  []float32
	smeter    map[int]float32

	// OnWideband, if set, is called with every wideband spectrum.
	OnWideband func([]float32)
}

// NewStatus creates an empty Status.
func NewStatus() *Status {
	return &Status{spectra: map[int][]float32{}, smeter: map[int]float32{}}
}

func (s *Status) SetFirmware(f FirmwareInfo) {
	s.mu.Lock()
	s.firmware = f
	s.mu.Unlock()
}

func (s *Status) SetADCOverflow(v bool) {
	s.mu.Lock()
	s.overflow = v
	s.mu.Unlock()
}

func (s *Status) SetProtocolSync(v SyncStatus) {
	s.mu.Lock()
	if v == SyncLost {
		s.syncLost++
	}
	s.sync = v
	s.mu.Unlock()
}

func (s *Status) SetTelemetry(t Telemetry) {
	s.mu.Lock()
	s.telemetry = t
	s.mu.Unlock()
}

func (s *Status) SetSpectrum(rx int, spectrum []float32) {
	s.mu.Lock()
	s.spectra[rx] = spectrum
	s.mu.Unlock()
}

func (s *Status) SetWidebandSpectrum(spectrum []float32) {
	s.mu.Lock()
	s.wideband = spectrum
	cb := s.OnWideband
	s.mu.Unlock()
	if cb != nil {
		cb(spectrum)
	}
}

func (s *Status) SetSMeter(rx int, value float32) {
	s.mu.Lock()
	s.smeter[rx] = value
	s.mu.Unlock()
}

// Firmware returns the last reported firmware versions.
func (s *Status) Firmware() FirmwareInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firmware
}

// ADCOverflow reports whether an overflow was seen since the last reset.
func (s *Status) ADCOverflow() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overflow
}

// ProtocolSync returns the link state and how many times it was reported lost.
func (s *Status) ProtocolSync() (SyncStatus, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sync, s.syncLost
}

// Telemetry returns the latest round robin readings.
func (s *Status) Telemetry() Telemetry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.telemetry
}

// Spectrum returns the latest spectrum for rx.
func (s *Status) Spectrum(rx int) []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.spectra[rx]
}

// WidebandSpectrum returns the latest wideband spectrum.
func (s *Status) WidebandSpectrum() []float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wideband
}

// SMeter returns the latest S-meter reading for rx.
func (s *Status) SMeter(rx int) float32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.smeter[rx]
}
