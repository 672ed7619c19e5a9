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
	"net"
	"sync/atomic"
	"time"
)

const (
	readTimeout   = 100 * time.Millisecond
	sMeterRefresh = 20 * time.Millisecond
	// widebandChunk is the wideband payload of one EP4 datagram.
	widebandChunk = 2 * FrameSize
)

// firmwareWait is how long the radio streams during firmware negotiation.
var firmwareWait = 100 * time.Millisecond

// Worker names, in start order
const (
	widebandWorkerName      = "wideband processor"
	chirpWorkerName         = "chirp processor"
	dataReceiverWorkerName  = "data receiver"
	dataProcessorWorkerName = "data processor"
	audioWorkerName         = "audio processor"
)

// session is one socket, one register state and one worker set. The engine
// creates a session for firmware negotiation and another for streaming.
type session struct {
	e       *Engine
	id      string
	device  Device
	conn    *net.UDPConn
	control *Control

	receivers []*Receiver
	current   atomic.Int32
	sMeter    throttle
	demux     *Demux
	framer    *outputFramer
	wideband  *Wideband
	chirp     *ChirpSynchronizer

	iq     *queue[[]byte]
	wb     *queue[[]byte]
	chirpQ *queue[[]float32]
	au     *queue[[]AudioSample]

	dataReceiver  *worker
	dataProcessor *worker
	widebandProc  *worker
	chirpProc     *worker
	audio         *worker

	rxSeq      uint32
	rxSeqValid bool
	wbBlock    []byte
	wbChunks   int
}

// newSession opens the data socket and builds the register state for device.
func (e *Engine) newSession(ctx context.Context, device Device) (*session, error) {
	if device.Network.Address == nil {
		return nil, fmt.Errorf("%w: device %s has no address", ErrNoDevice, device.Name)
	}
	control, err := e.cfg.newControl(e.set)
	if err != nil {
		return nil, err
	}
	lc := dataListenConfig(e.cfg.SocketBufferSize)
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(e.cfg.LocalAddress, "0"))
	if err != nil {
		return nil, fmt.Errorf("Unable to open data socket: %w", err)
	}
	s := &session{
		e:       e,
		device:  device,
		conn:    pc.(*net.UDPConn),
		control: control,
		sMeter:  throttle{interval: sMeterRefresh},
		iq:      newQueue[[]byte](),
		wb:      newQueue[[]byte](),
		chirpQ:  newQueue[[]float32](),
		au:      newQueue[[]AudioSample](),
	}
	s.dataReceiver = newWorker(dataReceiverWorkerName, func() { s.conn.SetReadDeadline(time.Now()) })
	s.dataProcessor = newWorker(dataProcessorWorkerName, func() { s.iq.Put(nil) })
	s.widebandProc = newWorker(widebandWorkerName, func() { s.wb.Put(nil) })
	s.chirpProc = newWorker(chirpWorkerName, func() { s.chirpQ.Put(nil) })
	s.audio = newWorker(audioWorkerName, func() { s.au.Put(nil) })
	s.framer = newOutputFramer(control, s.send)
	return s, nil
}

// attachDemux wires the demultiplexer to the session's receivers. Without
// receivers samples land in scratch buffers and no DSP block is dispatched.
func (s *session) attachDemux() {
	buffers := make([][]IQSample, s.e.cfg.Receivers)
	for i := range buffers {
		if i < len(s.receivers) {
			buffers[i] = s.receivers[i].in
		} else {
			buffers[i] = make([]IQSample, BufferSize)
		}
	}
	var dispatch func()
	if len(s.receivers) > 0 {
		dispatch = s.dispatch
	}
	cfg := demuxConfig{
		receivers: s.e.cfg.Receivers,
		iface:     s.e.set.iface,
		penelope:  s.e.cfg.Penelope || s.e.cfg.PennyLane,
		alex:      s.e.cfg.Alex,
		micGain:   s.e.cfg.MicGain,
	}
	s.demux = newDemux(cfg, buffers, dispatch, s.control, s.e.sink, s.e.events, s.e.metrics)
	s.demux.now = s.e.now
	s.demux.reset()
	s.demux.chirp = s.chirp
}

func (s *session) send(b []byte) error {
	_, err := s.conn.WriteToUDP(b, s.device.Network.Address)
	if err != nil {
		s.e.metrics.sendErrors.Inc()
		return fmt.Errorf("Unable to send to %v: %w", s.device.Network.Address, err)
	}
	s.e.metrics.datagramsSent.Inc()
	return nil
}

// sendInit sends one init datagram per receiver carrying its NCO frequency.
func (s *session) sendInit() error {
	for rx := 0; rx < s.control.Receivers(); rx++ {
		if err := s.send(EncodeInitDatagram(s.control.GeneralBytes(), rx, s.control.Frequency(rx))); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) receiveLoop() {
	buf := make([]byte, 2*DatagramSize)
	for !s.dataReceiver.Stopping() {
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[ERROR] Error reading from radio: %v", err)
			continue
		}
		if !from.IP.Equal(s.device.Network.Address.IP) {
			log.Printf("[DEBUG] Ignoring datagram from %v", from)
			continue
		}
		m, err := ParseMetisMessage(buf[:n])
		if err != nil {
			s.demux.Desync()
			log.Printf("[DEBUG] %v", err)
			continue
		}
		switch m.EndPoint {
		case EP6:
			s.e.metrics.datagramsReceived.WithLabelValues("ep6").Inc()
			if s.rxSeqValid && m.SequenceNumber != s.rxSeq+1 {
				s.e.metrics.sequenceErrors.WithLabelValues("rx").Inc()
				log.Printf("[DEBUG] EP6 sequence %d after %d", m.SequenceNumber, s.rxSeq)
			}
			s.rxSeq, s.rxSeqValid = m.SequenceNumber, true
			s.iq.Put(m.Frame1[:])
			s.iq.Put(m.Frame2[:])
			s.e.metrics.queueDepth.WithLabelValues("iq").Set(float64(s.iq.Len()))
		case EP4:
			s.e.metrics.datagramsReceived.WithLabelValues("ep4").Inc()
			s.collectWideband(m)
		default:
			log.Printf("[DEBUG] Ignoring datagram for endpoint %d", m.EndPoint)
		}
	}
}

// collectWideband appends one EP4 payload and queues the block once it is complete.
func (s *session) collectWideband(m *MetisMessage) {
	if s.wideband == nil {
		return
	}
	chunks := 2 * s.wideband.Size() / widebandChunk
	if s.wbBlock == nil {
		s.wbBlock = make([]byte, 2*s.wideband.Size())
	}
	off := s.wbChunks * widebandChunk
	copy(s.wbBlock[off:], m.Frame1[:])
	copy(s.wbBlock[off+FrameSize:], m.Frame2[:])
	s.wbChunks++
	if s.wbChunks == chunks {
		s.wb.Put(s.wbBlock)
		s.wbBlock = nil
		s.wbChunks = 0
		s.e.metrics.queueDepth.WithLabelValues("wideband").Set(float64(s.wb.Len()))
	}
}

func (s *session) processLoop() {
	for {
		frame := s.iq.Get()
		if frame == nil {
			if s.dataProcessor.Stopping() {
				return
			}
			continue
		}
		if err := s.demux.Consume(frame); err != nil {
			log.Printf("[DEBUG] %v", err)
		}
	}
}

// dispatch runs one DSP block on every connected receiver. Only the current
// receiver feeds the S-meter and the audio output.
func (s *session) dispatch() {
	s.e.metrics.dspBlocks.Inc()
	now := s.e.now()
	current := int(s.current.Load())
	for _, r := range s.receivers {
		if !r.process() {
			continue
		}
		if r.spectrum != nil && r.spectrumDue(now) {
			s.e.sink.SetSpectrum(r.ID, append([]float32(nil), r.spectrum...))
		}
		if r.ID != current {
			continue
		}
		if s.sMeter.allow(now) {
			s.e.sink.SetSMeter(r.ID, r.sMeter())
		}
		s.au.Put(append([]AudioSample(nil), r.out...))
		s.e.metrics.queueDepth.WithLabelValues("audio").Set(float64(s.au.Len()))
	}
}

func (s *session) widebandLoop() {
	for {
		block := s.wb.Get()
		if block == nil {
			if s.widebandProc.Stopping() {
				return
			}
			continue
		}
		spectrum, err := s.wideband.Process(block)
		if err != nil {
			log.Printf("[DEBUG] %v", err)
			continue
		}
		s.e.metrics.widebandSpectra.Inc()
		s.e.sink.SetWidebandSpectrum(spectrum)
	}
}

func (s *session) chirpLoop() {
	for {
		buf := s.chirpQ.Get()
		if buf == nil {
			if s.chirpProc.Stopping() {
				return
			}
			continue
		}
		if s.e.decoder != nil {
			s.e.decoder.Decode(buf)
		}
	}
}

func (s *session) audioLoop() {
	for {
		block := s.au.Get()
		if block == nil {
			if s.audio.Stopping() {
				return
			}
			continue
		}
		_, mult := s.control.SampleRate()
		if err := s.framer.Write(block, mult); err != nil {
			log.Printf("[DEBUG] %v", err)
		}
	}
}

// stopWorkers stops every worker in teardown order. Workers that never
// started are skipped.
func (s *session) stopWorkers() {
	for _, w := range []*worker{s.audio, s.dataReceiver, s.dataProcessor, s.chirpProc, s.widebandProc} {
		if s.e.onWorkerStop != nil {
			s.e.onWorkerStop(w.name)
		}
		w.Stop()
	}
}

// close disconnects and releases the receivers, then closes the socket.
func (s *session) close() {
	for _, r := range s.receivers {
		r.SetConnected(false)
		r.close()
	}
	s.receivers = nil
	s.conn.Close()
}

// negotiateFirmware streams briefly to read the firmware versions reported in
// round robin slot 0, then checks them against the configuration.
func (e *Engine) negotiateFirmware(ctx context.Context, device Device) (FirmwareInfo, error) {
	s, err := e.newSession(ctx, device)
	if err != nil {
		return FirmwareInfo{}, err
	}
	defer s.close()
	s.attachDemux()
	defer s.stopWorkers()
	if err := s.dataReceiver.Start(nil, s.receiveLoop); err != nil {
		return FirmwareInfo{}, err
	}
	if err := s.dataProcessor.Start(nil, s.processLoop); err != nil {
		return FirmwareInfo{}, err
	}
	if err := s.sendInit(); err != nil {
		return FirmwareInfo{}, err
	}
	if err := s.send(EncodeCommand(metisStartStop, metisStartIQ)); err != nil {
		return FirmwareInfo{}, err
	}
	select {
	case <-time.After(firmwareWait):
	case <-ctx.Done():
	}
	if err := s.send(EncodeCommand(metisStartStop, metisStop)); err != nil {
		log.Printf("[ERROR] %v", err)
	}
	fw := s.demux.Firmware()
	if err := ctx.Err(); err != nil {
		return fw, err
	}
	return fw, fw.Check(e.set.iface, device.Name, e.cfg.Receivers)
}
