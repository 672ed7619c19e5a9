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
	"log"
	"sync"
	"time"
)

// statusThrottle is how long a condition must persist between two reports.
const statusThrottle = 50 * time.Millisecond

// firmwareFrames is how many slot 0 frames are inspected for firmware versions.
const firmwareFrames = 100

// desyncTracker reports lost sync once a run of bad frames has lasted longer
// than the tolerance, and recovery on the next good frame. It is shared by the
// receive loop (bad datagrams) and the processor (bad sub-frames).
type desyncTracker struct {
	tolerance time.Duration
	sink      StatusSink

	mu     sync.Mutex
	active bool
	since  time.Time
	lost   bool
}

func (t *desyncTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.lost = false
}

func (t *desyncTracker) bad(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		t.active = true
		t.since = now
	}
	if !t.lost && now.Sub(t.since) > t.tolerance {
		t.lost = true
		t.sink.SetProtocolSync(SyncLost)
	}
}

func (t *desyncTracker) good() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	if t.lost {
		t.lost = false
		t.sink.SetProtocolSync(SyncOK)
	}
}

// throttle allows one report per interval, measured from the last report or reset.
type throttle struct {
	interval time.Duration
	last     time.Time
}

func (t *throttle) reset(now time.Time) {
	t.last = now
}

func (t *throttle) allow(now time.Time) bool {
	if now.Sub(t.last) > t.interval {
		t.last = now
		return true
	}
	return false
}

type demuxConfig struct {
	receivers int
	iface     HWInterface
	penelope  bool
	alex      bool
	micGain   float32
}

// Demux unpacks EP6 sub-frames into per-receiver sample buffers and calls
// dispatch once every BufferSize samples. Consume must be called from a single goroutine.
type Demux struct {
	cfg      demuxConfig
	buffers  [][]IQSample
	mic      []float32
	dispatch func()
	chirp    *ChirpSynchronizer

	control *Control
	sink    StatusSink
	events  *Events
	metrics *Metrics
	now     func() time.Time

	samples int
	fwCount int
	ptt     bool
	sync    desyncTracker
	adcTime throttle

	mu        sync.Mutex
	firmware  FirmwareInfo
	telemetry Telemetry
}

func newDemux(cfg demuxConfig, buffers [][]IQSample, dispatch func(), control *Control, sink StatusSink, events *Events, metrics *Metrics) *Demux {
	d := &Demux{
		cfg:      cfg,
		buffers:  buffers,
		mic:      make([]float32, BufferSize),
		dispatch: dispatch,
		control:  control,
		sink:     sink,
		events:   events,
		metrics:  metrics,
		now:      time.Now,
		sync:     desyncTracker{tolerance: statusThrottle, sink: sink},
		adcTime:  throttle{interval: statusThrottle},
	}
	d.reset()
	return d
}

// reset restarts the sample counter and the status throttles.
func (d *Demux) reset() {
	d.samples = 0
	d.fwCount = 0
	d.sync.reset()
	d.adcTime.reset(d.now())
}

// Desync records a datagram that failed validation before reaching Consume.
// It is safe to call from the receive loop.
func (d *Demux) Desync() {
	d.metrics.desyncFrames.Inc()
	d.sync.bad(d.now())
}

// Firmware returns the versions seen so far.
func (d *Demux) Firmware() FirmwareInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

// Telemetry returns the latest round robin readings.
func (d *Demux) Telemetry() Telemetry {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.telemetry
}

// Consume decodes one sub-frame. A desync is counted and returned; it is
// reported as lost sync only if it persists past the status throttle.
func (d *Demux) Consume(frame []byte) error {
	f, err := DecodeFrame(frame, d.cfg.receivers)
	if err != nil {
		d.Desync()
		return err
	}
	d.sync.good()
	d.roundRobin(f.Control)

	for k := 0; k < f.Len(); k++ {
		for r := 0; r < d.cfg.receivers; r++ {
			d.buffers[r][d.samples] = f.Sample(k, r)
		}
		m := f.Mic[k]
		d.mic[d.samples] = m.Float(d.cfg.micGain)
		if d.chirp != nil {
			s := f.Sample(k, 0)
			if d.chirp.OnSample(s.I, s.Q, m.ChirpBit) {
				log.Print("[DEBUG] Demux: GPS 1PPS")
			}
		}
		d.samples++
		if d.samples == BufferSize {
			if d.dispatch != nil {
				d.dispatch()
			}
			d.samples = 0
		}
	}
	return nil
}

func ain(hi, lo byte) float64 {
	return float64(uint16(hi)<<8 | uint16(lo))
}

func volts(v float64) float64 {
	return 3.3 * v / 4095.0
}

func (d *Demux) roundRobin(cc ControlBytes) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := &d.telemetry
	t.PTT, t.Dash, t.Dot = cc.PTT(), cc.Dash(), cc.Dot()
	if t.PTT != d.ptt {
		d.ptt = t.PTT
		d.control.SetPTT(t.PTT)
	}
	hermes := d.cfg.iface == Hermes
	penny := d.cfg.penelope || hermes

	switch cc.RoundRobin() {
	case 0:
		if cc[1]&0x01 != 0 {
			d.metrics.adcOverflows.Inc()
			if d.adcTime.allow(d.now()) {
				d.sink.SetADCOverflow(true)
			}
		}
		if hermes {
			for i := range t.HermesIO {
				t.HermesIO[i] = cc[1]&(0x02<<i) != 0
			}
		}
		if d.fwCount < firmwareFrames {
			d.readFirmware(cc)
			d.fwCount++
		}
	case 1:
		if penny {
			t.PenelopeForwardVolts = volts(ain(cc[1], cc[2]))
			t.PenelopeForwardPower = t.PenelopeForwardVolts * t.PenelopeForwardVolts / 0.09
		}
		if d.cfg.alex {
			t.AlexForwardVolts = volts(ain(cc[3], cc[4]))
			t.AlexForwardPower = t.AlexForwardVolts * t.AlexForwardVolts / 0.09
		}
	case 2:
		if d.cfg.alex {
			t.AlexReverseVolts = volts(ain(cc[1], cc[2]))
			t.AlexReversePower = t.AlexReverseVolts * t.AlexReverseVolts / 0.09
		}
		if penny {
			t.AIN3Volts = volts(ain(cc[3], cc[4]))
		}
	case 3:
		if penny {
			t.AIN4Volts = volts(ain(cc[1], cc[2]))
			if hermes {
				t.SupplyVolts = ain(cc[3], cc[4]) / 186.0
			}
		}
	}
	if cc.RoundRobin() != 0 {
		d.metrics.observeTelemetry(*t)
	}
	d.sink.SetTelemetry(*t)
}

// readFirmware reports each firmware byte once when it changes.
func (d *Demux) readFirmware(cc ControlBytes) {
	fw := d.firmware
	switch d.cfg.iface {
	case Metis:
		if fw.Mercury != cc[2] {
			fw.Mercury = cc[2]
			d.events.Message("Mercury firmware version: %d.", cc[2])
		}
		if fw.Penelope != cc[3] {
			fw.Penelope = cc[3]
			d.events.Message("Penelope firmware version: %d.", cc[3])
		}
		if fw.Metis != cc[4] {
			fw.Metis = cc[4]
			d.events.Message("Metis firmware version: %d.", cc[4])
		}
	case Hermes:
		if fw.Hermes != cc[4] {
			fw.Hermes = cc[4]
			d.events.Message("Hermes firmware version: %d.", cc[4])
		}
	}
	if fw != d.firmware {
		d.firmware = fw
		d.sink.SetFirmware(fw)
	}
}
