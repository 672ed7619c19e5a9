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
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRadio is a Hermes-like board on the loopback interface. It streams EP6
// datagrams, and EP4 datagrams when wideband is requested, between a start
// and a stop command.
type fakeRadio struct {
	t    *testing.T
	conn *net.UDPConn
	// status is the C&C block sent in every sub-frame
	status ControlBytes
	// truncate makes the streamer send EP6 datagrams of the wrong length
	truncate atomic.Bool

	mu sync.Mutex
	// chirpEvery marks the first mic sample of every chirpEvery'th datagram
	chirpEvery uint32
	commands []byte
	ep2      int
	stop     chan struct{}
	done     chan struct{}
}

func newFakeRadio(t *testing.T, status ControlBytes) *fakeRadio {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	r := &fakeRadio{t: t, conn: conn, status: status}
	go r.serve()
	t.Cleanup(func() {
		conn.Close()
		r.mu.Lock()
		r.halt()
		r.mu.Unlock()
	})
	return r
}

func (r *fakeRadio) device() Device {
	var d Device
	d.Name = "Hermes"
	d.Board = boardHermes
	d.Status = 2
	d.Network.Address = r.conn.LocalAddr().(*net.UDPAddr)
	return d
}

func (r *fakeRadio) serve() {
	buf := make([]byte, 2*DatagramSize)
	for {
		n, from, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		switch {
		case n == commandSize && buf[2] == metisStartStop:
			r.mu.Lock()
			r.commands = append(r.commands, buf[3])
			r.halt()
			if buf[3] != metisStop {
				r.stream(from, buf[3]&metisStartBandscope != 0)
			}
			r.mu.Unlock()
		case n == DatagramSize && buf[3] == byte(EP2):
			r.mu.Lock()
			r.ep2++
			r.mu.Unlock()
		}
	}
}

// halt stops the streamer. r.mu must be held.
func (r *fakeRadio) halt() {
	if r.stop != nil {
		close(r.stop)
		<-r.done
		r.stop = nil
	}
}

// stream starts the streamer towards to. r.mu must be held.
func (r *fakeRadio) stream(to *net.UDPAddr, wideband bool) {
	stop, done := make(chan struct{}), make(chan struct{})
	r.stop, r.done = stop, done
	status, every := r.status, r.chirpEvery
	go func() {
		defer close(done)
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		var seq, wbSeq uint32
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
			}
			m := MetisMessage{EndPoint: EP6, SequenceNumber: seq}
			putFrameHeader(m.Frame1[:], status)
			putFrameHeader(m.Frame2[:], status)
			if every > 0 && seq%every == 0 {
				m.Frame1[frameHeaderSize+7] = 0x01
			}
			seq++
			b := m.Bytes()
			if r.truncate.Load() {
				b = b[:DatagramSize/2]
			}
			if _, err := r.conn.WriteToUDP(b, to); err != nil {
				return
			}
			if wideband {
				w := MetisMessage{EndPoint: EP4, SequenceNumber: wbSeq}
				wbSeq++
				r.conn.WriteToUDP(w.Bytes(), to)
			}
		}
	}()
}

func (r *fakeRadio) setChirpEvery(n uint32) {
	r.mu.Lock()
	r.chirpEvery = n
	r.mu.Unlock()
}

// waitCommands waits until n start/stop commands have arrived and returns them.
func (r *fakeRadio) waitCommands(n int) []byte {
	r.t.Helper()
	assert.Eventually(r.t, func() bool { return len(r.Commands()) >= n }, 2*time.Second, 5*time.Millisecond)
	return r.Commands()
}

func (r *fakeRadio) Commands() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.commands...)
}

func (r *fakeRadio) EP2() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ep2
}

// hermesStatus reports Hermes firmware fw in round robin slot 0.
func hermesStatus(fw byte) ControlBytes {
	return ControlBytes{0x00, 0x00, 0x00, 0x00, fw}
}

type backendRecorder struct {
	mu       sync.Mutex
	backends []*fakeBackend
}

func (b *backendRecorder) factory(rx int) (DSPBackend, error) {
	be, err := newFakeBackend(rx)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.backends = append(b.backends, be.(*fakeBackend))
	b.mu.Unlock()
	return be, nil
}

func (b *backendRecorder) all() []*fakeBackend {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*fakeBackend(nil), b.backends...)
}

type nameRecorder struct {
	mu    sync.Mutex
	names []string
}

func (n *nameRecorder) record(name string) {
	n.mu.Lock()
	n.names = append(n.names, name)
	n.mu.Unlock()
}

func (n *nameRecorder) reset() {
	n.mu.Lock()
	n.names = nil
	n.mu.Unlock()
}

func (n *nameRecorder) get() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.names...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LocalAddress = "127.0.0.1"
	cfg.Wideband = false
	return cfg
}

type engineFixture struct {
	engine   *Engine
	radio    *fakeRadio
	status   *Status
	backends *backendRecorder
	events   chan Event
}

func newEngineFixture(t *testing.T, cfg Config, radioStatus ControlBytes, opts ...Option) *engineFixture {
	t.Helper()
	f := &engineFixture{
		radio:    newFakeRadio(t, radioStatus),
		status:   NewStatus(),
		backends: &backendRecorder{},
	}
	opts = append([]Option{WithStatusSink(f.status), WithBackendFactory(f.backends.factory)}, opts...)
	e, err := NewEngine(cfg, opts...)
	require.NoError(t, err)
	f.engine = e
	f.events = e.Events().Listen()
	e.SelectDevice(f.radio.device())
	t.Cleanup(func() { e.Stop() })
	return f
}

// states returns the system state events received so far.
func (f *engineFixture) states() []SystemState {
	var states []SystemState
	for {
		select {
		case ev := <-f.events:
			if ev.State != nil {
				states = append(states, *ev.State)
			}
		default:
			return states
		}
	}
}

func TestEngineStartStop(t *testing.T) {
	cfg := testConfig()
	cfg.Wideband = true
	f := newEngineFixture(t, cfg, hermesStatus(25))
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, DataEngineUp, e.State())
	assert.Equal(t, byte(25), e.Firmware().Hermes)
	assert.NotEmpty(t, e.Session())
	states := f.states()
	require.NotEmpty(t, states)
	last := states[len(states)-1]
	assert.Equal(t, NoError, last.Error)
	assert.Equal(t, DataEngineUp, last.State)
	assert.Equal(t, Hermes, last.Interface)
	assert.Equal(t, e.Session(), last.Session)

	// a second Start is a no-op
	require.NoError(t, e.Start(context.Background()))

	// audio flows back once a DSP block has been processed
	assert.Eventually(t, func() bool { return f.radio.EP2() > 10 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.status.SMeter(0) == -73 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return len(f.status.Spectrum(0)) == 3 }, 2*time.Second, 10*time.Millisecond)
	// Hermes firmware 2.5 streams the big wideband block
	assert.Eventually(t, func() bool { return len(f.status.WidebandSpectrum()) == BigWidebandSize/2 },
		5*time.Second, 10*time.Millisecond)

	r, err := e.Receiver(0)
	require.NoError(t, err)
	assert.True(t, r.Connected())
	_, err = e.Receiver(1)
	assert.Error(t, err)

	require.NoError(t, e.Stop())
	assert.Equal(t, DataEngineDown, e.State())
	assert.Empty(t, e.Session())
	assert.Equal(t, FirmwareInfo{}, e.Firmware())
	assert.False(t, r.Connected())
	for _, b := range f.backends.all() {
		assert.True(t, b.closed)
	}
	_, err = e.Receiver(0)
	assert.Error(t, err)

	// negotiation starts IQ only, streaming adds the wideband bit
	assert.Equal(t, []byte{metisStartIQ, metisStop, metisStartIQ | metisStartBandscope, metisStop}, f.radio.waitCommands(4))
	states = f.states()
	require.NotEmpty(t, states)
	assert.Equal(t, SystemState{Error: NoError, Interface: Hermes, ServerMode: DSPServerMode, State: DataEngineDown}, states[len(states)-1])

	// stopping twice is harmless
	require.NoError(t, e.Stop())
}

func TestEngineTeardownOrder(t *testing.T) {
	teardown := &nameRecorder{}
	f := newEngineFixture(t, testConfig(), hermesStatus(25))

	require.NoError(t, f.engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return f.backends.all()[0].Processed() > 0 }, 2*time.Second, 5*time.Millisecond)

	// negotiation sent start and stop, streaming sent start
	const streaming = 3
	f.engine.onWorkerStop = func(name string) {
		if len(teardown.get()) == 0 {
			// the stop command goes out before any worker stops
			deadline := time.Now().Add(time.Second)
			for len(f.radio.Commands()) == streaming && time.Now().Before(deadline) {
				time.Sleep(time.Millisecond)
			}
			if cmds := f.radio.Commands(); len(cmds) > streaming && cmds[streaming] == metisStop {
				teardown.record("stop command")
			}
		}
		teardown.record(name)
	}
	require.NoError(t, f.engine.Stop())
	assert.Equal(t, []string{
		"stop command",
		audioWorkerName,
		dataReceiverWorkerName,
		dataProcessorWorkerName,
		chirpWorkerName,
		widebandWorkerName,
	}, teardown.get())

	// no block reaches a backend once its receiver is disconnected and closed
	backends := f.backends.all()
	processed := make([]int, len(backends))
	for i, b := range backends {
		processed[i] = b.Processed()
	}
	time.Sleep(20 * time.Millisecond)
	for i, b := range backends {
		assert.True(t, b.closed)
		assert.Zero(t, b.Late())
		assert.Equal(t, processed[i], b.Processed())
	}
}

func TestEngineStartRollback(t *testing.T) {
	started := &nameRecorder{}
	stopped := &nameRecorder{}
	f := newEngineFixture(t, testConfig(), hermesStatus(25))
	f.engine.onWorkerStop = stopped.record
	f.engine.onWorkerStart = func(name string) error {
		started.record(name)
		if name == dataProcessorWorkerName {
			return errors.New("no cpu")
		}
		return nil
	}

	err := f.engine.Start(context.Background())
	assert.ErrorIs(t, err, ErrWorkerStart)
	assert.Equal(t, DataEngineDown, f.engine.State())
	assert.Empty(t, f.engine.Session())
	assert.Equal(t, []string{dataReceiverWorkerName, dataProcessorWorkerName}, started.get())

	states := f.states()
	require.NotEmpty(t, states)
	assert.Equal(t, DataProcessThreadError, states[len(states)-1].Error)
	assert.Equal(t, DataEngineDown, states[len(states)-1].State)

	// the already running data receiver was stopped again
	assert.Contains(t, stopped.get(), dataReceiverWorkerName)
	for _, b := range f.backends.all() {
		assert.True(t, b.closed)
	}
	// streaming never started
	assert.Equal(t, []byte{metisStartIQ, metisStop}, f.radio.waitCommands(2))
}

func TestEngineBoardMismatch(t *testing.T) {
	cfg := testConfig()
	cfg.Hardware = "metis"
	f := newEngineFixture(t, cfg, hermesStatus(25))

	err := f.engine.Start(context.Background())
	assert.ErrorIs(t, err, ErrBoardMismatch)
	assert.Equal(t, DataEngineDown, f.engine.State())
	states := f.states()
	require.NotEmpty(t, states)
	assert.Equal(t, FirmwareError, states[len(states)-1].Error)
	assert.Equal(t, Metis, states[len(states)-1].Interface)
}

func TestEngineFirmwareLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Receivers = 3
	f := newEngineFixture(t, cfg, hermesStatus(17))

	err := f.engine.Start(context.Background())
	assert.ErrorIs(t, err, ErrFirmwareLimit)
	assert.Equal(t, byte(17), f.engine.Firmware().Hermes)
	states := f.states()
	require.NotEmpty(t, states)
	assert.Equal(t, FirmwareError, states[len(states)-1].Error)
}

func TestEngineMultipleReceivers(t *testing.T) {
	cfg := testConfig()
	cfg.Receivers = 2
	f := newEngineFixture(t, cfg, hermesStatus(18))
	e := f.engine

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.SetCurrentReceiver(1))
	require.NoError(t, e.SetFrequency(1, 14074000))
	r, err := e.Receiver(1)
	require.NoError(t, err)
	assert.Equal(t, Band20m, r.Band())

	assert.Eventually(t, func() bool {
		all := f.backends.all()
		return len(all) == 2 && all[0].Processed() > 0 && all[1].Processed() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return f.status.SMeter(1) == -73 }, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, e.SetReceivers(1), "receiver count is fixed while running")
	assert.Error(t, e.SetCurrentReceiver(2))
	require.NoError(t, e.Stop())
	require.NoError(t, e.SetReceivers(1))
}

type fakeTone struct {
	mu        sync.Mutex
	generated int
	resets    int
}

func (g *fakeTone) GenerateSweptTone() bool {
	g.mu.Lock()
	g.generated++
	g.mu.Unlock()
	return true
}

func (g *fakeTone) Reset() {
	g.mu.Lock()
	g.resets++
	g.mu.Unlock()
}

type fakeDecoder struct {
	mu      sync.Mutex
	buffers [][]float32
}

func (d *fakeDecoder) Decode(samples []float32) {
	d.mu.Lock()
	d.buffers = append(d.buffers, samples)
	d.mu.Unlock()
}

func (d *fakeDecoder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

func TestEngineChirpMode(t *testing.T) {
	cfg := testConfig()
	cfg.ServerMode = "chirp"
	cfg.Wideband = true
	cfg.ChirpEpoch = 512
	tone := &fakeTone{}
	decoder := &fakeDecoder{}
	stopped := &nameRecorder{}
	f := newEngineFixture(t, cfg, ControlBytes{}, WithToneGenerator(tone), WithChirpDecoder(decoder))
	f.radio.setChirpEvery(8)
	f.engine.onWorkerStop = stopped.record

	require.NoError(t, f.engine.Start(context.Background()))
	assert.Equal(t, 1, tone.generated)
	// edges arrive every 8*126 samples; a buffer keeps one epoch less the
	// pair at the closing edge
	assert.Eventually(t, func() bool { return decoder.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	decoder.mu.Lock()
	assert.Len(t, decoder.buffers[1], 2*cfg.ChirpEpoch-2)
	decoder.mu.Unlock()

	require.NoError(t, f.engine.Stop())
	assert.Equal(t, 1, tone.resets)
	// wideband stays off in chirp mode
	assert.Equal(t, []byte{metisStartIQ, metisStop, metisStartIQ, metisStop}, f.radio.waitCommands(4))
	assert.Nil(t, f.status.WidebandSpectrum())
}

func TestEngineSampleRateFatal(t *testing.T) {
	var fatal []string
	f := newEngineFixture(t, testConfig(), hermesStatus(25), WithFatalHandler(func(format string, v ...interface{}) {
		fatal = append(fatal, format)
	}))
	err := f.engine.SetSampleRate(44100)
	assert.ErrorIs(t, err, ErrInvalidSampleRate)
	assert.Len(t, fatal, 1)

	require.NoError(t, f.engine.SetSampleRate(192000))
	assert.Empty(t, fatal[1:])
}

func TestEngineNoBackend(t *testing.T) {
	radio := newFakeRadio(t, hermesStatus(25))
	e, err := NewEngine(testConfig())
	require.NoError(t, err)
	e.SelectDevice(radio.device())
	err = e.Start(context.Background())
	assert.ErrorIs(t, err, ErrInvalidServerMode)
	assert.Equal(t, DataEngineDown, e.State())
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 1
	_, err := NewEngine(cfg)
	assert.ErrorIs(t, err, ErrInvalidSampleRate)
}

func TestSelectDeviceSkipsBusyBoards(t *testing.T) {
	e, err := NewEngine(testConfig(), WithBackendFactory((&backendRecorder{}).factory))
	require.NoError(t, err)
	busy := Device{Name: "Metis", Status: 3}
	idle := Device{Name: "Hermes", Status: 2}

	e.devices = []Device{busy, idle}
	d, err := e.selectDevice()
	require.NoError(t, err)
	assert.Equal(t, "Hermes", d.Name)

	e.device = nil
	e.devices = []Device{busy}
	_, err = e.selectDevice()
	assert.ErrorIs(t, err, ErrNoDevice)
}

func TestEngineMalformedDatagramsLoseSync(t *testing.T) {
	f := newEngineFixture(t, testConfig(), hermesStatus(25))
	require.NoError(t, f.engine.Start(context.Background()))
	assert.Eventually(t, func() bool { return f.backends.all()[0].Processed() > 0 }, 2*time.Second, 5*time.Millisecond)
	_, lost := f.status.ProtocolSync()
	assert.Zero(t, lost)

	f.radio.truncate.Store(true)
	assert.Eventually(t, func() bool {
		s, _ := f.status.ProtocolSync()
		return s == SyncLost
	}, 2*time.Second, 5*time.Millisecond)

	f.radio.truncate.Store(false)
	assert.Eventually(t, func() bool {
		s, _ := f.status.ProtocolSync()
		return s == SyncOK
	}, 2*time.Second, 5*time.Millisecond)
	_, lost = f.status.ProtocolSync()
	assert.Equal(t, 1, lost)
}
