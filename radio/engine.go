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
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Engine.
type Option func(*Engine)

// WithStatusSink sends live status to sink instead of a private Status.
func WithStatusSink(sink StatusSink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithEvents publishes messages and state changes on events.
func WithEvents(events *Events) Option {
	return func(e *Engine) { e.events = events }
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = NewMetrics(reg) }
}

// WithBackendFactory selects the DSP backend used for every receiver.
func WithBackendFactory(f BackendFactory) Option {
	return func(e *Engine) { e.newBackend = f }
}

// WithChirpDecoder sets the consumer of captured chirp buffers.
func WithChirpDecoder(d ChirpDecoder) Option {
	return func(e *Engine) { e.decoder = d }
}

// WithToneGenerator sets the reference chirp generator used in chirp mode.
func WithToneGenerator(g ToneGenerator) Option {
	return func(e *Engine) { e.tone = g }
}

// WithFatalHandler replaces log.Fatalf for unrecoverable configuration errors.
func WithFatalHandler(f func(format string, v ...interface{})) Option {
	return func(e *Engine) { e.fatal = f }
}

// Engine drives one HPSDR board: discovery, firmware negotiation, the worker
// set and the live register state.
type Engine struct {
	events     *Events
	sink       StatusSink
	metrics    *Metrics
	newBackend BackendFactory
	decoder    ChirpDecoder
	tone       ToneGenerator
	fatal      func(format string, v ...interface{})
	now        func() time.Time
	// onWorkerStart runs as each streaming worker's setup; an error aborts Start.
	onWorkerStart func(name string) error
	// onWorkerStop, if set, is called before each worker is stopped.
	onWorkerStop func(name string)

	// mu is held for the whole of Start and Stop and by every setter.
	mu       sync.Mutex
	cfg      Config
	set      settings
	state    EngineState
	devices  []Device
	device   *Device
	firmware FirmwareInfo
	current  int
	s        *session
}

// NewEngine validates cfg and creates a stopped engine.
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	set, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:   cfg,
		set:   set,
		fatal: log.Fatalf,
		now:   time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.events == nil {
		e.events = NewEvents()
	}
	if e.sink == nil {
		e.sink = NewStatus()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry())
	}
	return e, nil
}

// Events returns the engine's event distributor.
func (e *Engine) Events() *Events {
	return e.events
}

// State reports whether the engine is streaming.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Firmware returns the firmware versions read by the last negotiation.
func (e *Engine) Firmware() FirmwareInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firmware
}

// Session returns the id of the running session, or "" when stopped.
func (e *Engine) Session() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return ""
	}
	return e.s.id
}

// Devices returns the boards found by the last discovery.
func (e *Engine) Devices() []Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Device(nil), e.devices...)
}

// Receiver returns receiver rx of the running session.
func (e *Engine) Receiver(rx int) (*Receiver, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s == nil {
		return nil, errors.New("engine is not running")
	}
	if rx < 0 || rx >= len(e.s.receivers) {
		return nil, fmt.Errorf("receiver %d out of range", rx)
	}
	return e.s.receivers[rx], nil
}

// Discover clears the device list and searches for boards, using a directed
// request when a device address is configured.
func (e *Engine) Discover() ([]Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.discover(); err != nil {
		return nil, err
	}
	return append([]Device(nil), e.devices...), nil
}

func (e *Engine) discover() error {
	e.devices = nil
	e.device = nil
	if e.cfg.Device != "" {
		d, err := DiscoverDevice(e.cfg.Device, e.cfg.DiscoveryTimeout)
		if err != nil {
			return err
		}
		e.devices = []Device{*d}
	} else {
		devices, err := DiscoverDevices(e.cfg.DiscoveryTimeout)
		if err != nil {
			return err
		}
		e.devices = devices
	}
	for _, d := range e.devices {
		e.events.Message("Found %s at %v (%v), firmware %d.", d.Name, d.Network.Address, d.Network.MacAddress, d.SoftwareVersion)
	}
	if len(e.devices) == 0 {
		return ErrNoDevice
	}
	return nil
}

// SelectDevice chooses the board the next Start talks to.
func (e *Engine) SelectDevice(d Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.device = &d
}

// selectDevice returns the chosen board, discovering and taking the first idle
// one if none was chosen.
func (e *Engine) selectDevice() (Device, error) {
	if e.device != nil {
		return *e.device, nil
	}
	if len(e.devices) == 0 {
		if err := e.discover(); err != nil {
			return Device{}, err
		}
	}
	for _, d := range e.devices {
		if !d.Busy() {
			e.device = &d
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: every board is busy", ErrNoDevice)
}

func (e *Engine) publish(code SystemError, id string) {
	e.events.SystemState(SystemState{
		Error:      code,
		Interface:  e.set.iface,
		ServerMode: e.set.mode,
		State:      e.state,
		Session:    id,
	})
}

// Start discovers a board if needed, negotiates firmware and starts streaming.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == DataEngineUp {
		return nil
	}
	device, err := e.selectDevice()
	if err != nil {
		e.events.Message("%v", err)
		e.publish(HwIOError, "")
		return err
	}
	e.events.Message("Using %s at %v.", device.Name, device.Network.Address)

	fw, err := e.negotiateFirmware(ctx, device)
	e.firmware = fw
	e.sink.SetFirmware(fw)
	if err != nil {
		e.events.Message("%v", err)
		code := FirmwareError
		if !errors.Is(err, ErrBoardMismatch) && !errors.Is(err, ErrFirmwareLimit) {
			code = HwIOError
		}
		e.publish(code, "")
		return err
	}
	return e.start(ctx, device)
}

// start builds the streaming session. Any failure stops whatever already
// started, in teardown order, before returning.
func (e *Engine) start(ctx context.Context, device Device) error {
	s, err := e.newSession(ctx, device)
	if err != nil {
		e.events.Message("%v", err)
		e.publish(HwIOError, "")
		return err
	}
	s.id = uuid.NewString()
	s.current.Store(int32(e.current))

	fail := func(code SystemError, err error) error {
		s.stopWorkers()
		s.close()
		e.events.Message("%v", err)
		e.publish(code, "")
		return err
	}

	if e.newBackend == nil {
		return fail(ServerModeError, fmt.Errorf("%w: no DSP backend", ErrInvalidServerMode))
	}
	for rx, rs := range e.set.channels {
		r, err := e.newReceiver(rx, rs)
		if err != nil {
			return fail(ServerModeError, err)
		}
		s.receivers = append(s.receivers, r)
	}

	chirpMode := e.set.mode == ChirpWSPRMode
	wideband := e.cfg.Wideband && !chirpMode
	if wideband {
		s.wideband = NewWideband(e.firmware.WidebandSize(), e.cfg.AveragingCount, e.cfg.Averaging)
	}
	if chirpMode {
		epoch := e.cfg.ChirpEpoch
		if epoch == 0 {
			epoch, _ = s.control.SampleRate()
		}
		s.chirp = NewChirpSynchronizer(epoch, func(buf []float32) {
			s.chirpQ.Put(buf)
			e.metrics.chirpBuffers.Inc()
		})
		if e.tone != nil && !e.tone.GenerateSweptTone() {
			return fail(ChirpDataProcessThreadError, errors.New("unable to generate the reference chirp"))
		}
	}
	s.attachDemux()

	steps := []struct {
		enabled bool
		w       *worker
		loop    func()
		code    SystemError
	}{
		{wideband, s.widebandProc, s.widebandLoop, WideBandDataProcessThreadError},
		{chirpMode, s.chirpProc, s.chirpLoop, ChirpDataProcessThreadError},
		{true, s.dataReceiver, s.receiveLoop, DataReceiverThreadError},
		{true, s.dataProcessor, s.processLoop, DataProcessThreadError},
		{true, s.audio, s.audioLoop, AudioThreadError},
	}
	for _, step := range steps {
		if !step.enabled {
			continue
		}
		if err := step.w.Start(e.workerSetup(step.w.name), step.loop); err != nil {
			return fail(step.code, err)
		}
	}

	if err := s.sendInit(); err != nil {
		return fail(HwIOError, err)
	}
	if err := s.send(EncodeCommand(metisStartStop, startCommand(wideband))); err != nil {
		return fail(HwIOError, err)
	}
	e.s = s
	e.state = DataEngineUp
	e.events.Message("Metis started.")
	e.publish(NoError, s.id)
	return nil
}

func (e *Engine) workerSetup(name string) func() error {
	if e.onWorkerStart == nil {
		return nil
	}
	return func() error { return e.onWorkerStart(name) }
}

func (e *Engine) newReceiver(rx int, rs ReceiverSettings) (*Receiver, error) {
	backend, err := e.newBackend(rx)
	if err != nil {
		return nil, fmt.Errorf("receiver %d backend: %w", rx, err)
	}
	if err := backend.Init(rx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("receiver %d backend init: %w", rx, err)
	}
	if err := backend.SetSampleRate(e.cfg.SampleRate); err != nil {
		backend.Close()
		return nil, fmt.Errorf("receiver %d backend sample rate: %w", rx, err)
	}
	backend.SetMode(rs.Mode)
	backend.SetFilter(rs.FilterLo, rs.FilterHi)
	backend.SetAGCMode(rs.AGC)
	r := newReceiver(rx, backend, rs)
	r.SetConnected(true)
	return r, nil
}

// Stop tears the session down: stop command, workers in reverse data flow
// order, queues, receivers, then the state event. Stopping a stopped engine
// is a no-op.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.s
	if s == nil {
		return nil
	}
	s.control.SetTimeStamp(false)
	err := s.send(EncodeCommand(metisStartStop, metisStop))
	if err != nil {
		log.Printf("[ERROR] %v", err)
	}
	e.events.Message("Metis stopped.")

	s.stopWorkers()
	e.devices = nil
	e.device = nil
	if n := s.au.Drain(); n > 0 {
		log.Printf("[DEBUG] Dropped %d queued audio blocks", n)
	}
	s.iq.Drain()
	s.wb.Drain()
	s.chirpQ.Drain()
	s.close()
	if s.chirp != nil && e.tone != nil {
		e.tone.Reset()
	}

	e.s = nil
	e.state = DataEngineDown
	e.firmware = FirmwareInfo{}
	e.publish(NoError, "")
	return err
}

// SetReceivers changes the receiver count. The engine must be stopped.
func (e *Engine) SetReceivers(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == DataEngineUp {
		return errors.New("receiver count can only change while stopped")
	}
	cfg := e.cfg
	cfg.Receivers = n
	set, err := cfg.resolve()
	if err != nil {
		return err
	}
	e.cfg, e.set = cfg, set
	if e.current >= n {
		e.current = 0
	}
	return nil
}

// SetCurrentReceiver selects the receiver that feeds audio and the S-meter.
func (e *Engine) SetCurrentReceiver(rx int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rx < 0 || rx >= e.cfg.Receivers {
		return fmt.Errorf("receiver %d out of range", rx)
	}
	e.current = rx
	if e.s != nil {
		e.s.current.Store(int32(rx))
		e.s.control.SetBand(e.s.receivers[rx].Band())
	}
	return nil
}

// SetFrequency tunes receiver rx. The register update goes out in the next
// matching C&C slot.
func (e *Engine) SetFrequency(rx int, f uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rx < 0 || rx >= e.cfg.Receivers {
		return fmt.Errorf("receiver %d out of range", rx)
	}
	e.set.channels[rx].Frequency = f
	if s := e.s; s != nil {
		if err := s.control.SetFrequency(rx, f); err != nil {
			return err
		}
		band := s.receivers[rx].setFrequency(f)
		if rx == e.current {
			s.control.SetBand(band)
		}
	}
	log.Printf("[DEBUG] Receiver %d tuned to %s", rx, humanize.SI(float64(f), "Hz"))
	return nil
}

// SetSampleRate changes the receive sample rate. An unsupported rate is fatal.
func (e *Engine) SetSampleRate(hz int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, _, err := SpeedForSampleRate(hz); err != nil {
		e.fatal("[ERROR] %v", err)
		return err
	}
	e.cfg.SampleRate = hz
	if s := e.s; s != nil {
		if err := s.control.SetSampleRate(hz); err != nil {
			return err
		}
		for _, r := range s.receivers {
			r.proc.Lock()
			err := r.backend.SetSampleRate(hz)
			r.proc.Unlock()
			if err != nil {
				return fmt.Errorf("receiver %d: %w", r.ID, err)
			}
		}
	}
	e.events.Message("Sample rate set to %s.", humanize.SI(float64(hz), "Hz"))
	return nil
}

// SetFrontEnd sets the attenuator, dither and random ADC options.
func (e *Engine) SetFrontEnd(attenuator, dither, random bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Attenuator, e.cfg.Dither, e.cfg.Random = attenuator, dither, random
	if e.s != nil {
		e.s.control.SetFrontEnd(attenuator, dither, random)
	}
}

// SetMOX keys or unkeys the transmitter.
func (e *Engine) SetMOX(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s != nil {
		e.s.control.SetMOX(v)
	}
}

// SetWidebandAveraging turns wideband spectrum averaging on or off.
func (e *Engine) SetWidebandAveraging(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Averaging = on
	if e.s != nil && e.s.wideband != nil {
		e.s.wideband.SetAveraging(on)
	}
}

// SetWidebandAveragingCount sets the wideband averaging length.
func (e *Engine) SetWidebandAveragingCount(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid averaging count %d", n)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.AveragingCount = n
	if e.s != nil && e.s.wideband != nil {
		e.s.wideband.SetAveragingCount(n)
	}
	return nil
}
