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
	"errors"
	"fmt"
	"log"
	"sync"
)

// MaxReceivers is the largest receiver count protocol 1 can carry.
const MaxReceivers = 8

// ErrInvalidSampleRate is returned for rates other than 48000, 96000 and 192000.
var ErrInvalidSampleRate = errors.New("invalid sample rate")

// ControlBytes is the five byte C&C block C0..C4 carried in every sub-frame.
// Each setter masks and ORs only its own bit range.
type ControlBytes [5]byte

func (c *ControlBytes) set(i int, mask, v byte) {
	c[i] = c[i]&^mask | v&mask
}

func b2u(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// C0
// 0 0 0 0 0 0 0 0
// |           | |
// +-----------+-+------------ Address (outgoing)
//               +------------ MOX (1 = active, 0 = inactive)

// MOX reports bit 0 of C0.
func (c ControlBytes) MOX() bool { return c[0]&0x01 != 0 }

// SetMOX sets bit 0 of C0.
func (c *ControlBytes) SetMOX(v bool) { c.set(0, 0x01, b2u(v)) }

// Address returns the outgoing register address in C0 bits 1..7.
func (c ControlBytes) Address() byte { return c[0] >> 1 }

// SetAddress sets C0 bits 1..7.
func (c *ControlBytes) SetAddress(a byte) { c.set(0, 0xFE, a<<1) }

// Incoming C0: bits 3..7 round robin address, bit 2 dot, bit 1 dash, bit 0 PTT.

// RoundRobin returns the status slot carried by an incoming frame.
func (c ControlBytes) RoundRobin() byte { return c[0] >> 3 }

// PTT reports the incoming PTT bit.
func (c ControlBytes) PTT() bool { return c[0]&0x01 != 0 }

// Dash reports the incoming CW dash bit.
func (c ControlBytes) Dash() bool { return c[0]&0x02 != 0 }

// Dot reports the incoming CW dot bit.
func (c ControlBytes) Dot() bool { return c[0]&0x04 != 0 }

// C1
//
// 0 0 0 0 0 0 0 0
// | | | | | | | |
// | | | | | | + +------------ Speed (00 = 48kHz, 01 = 96kHz, 10 = 192kHz)
// | | | | + +---------------- 10MHz Ref. (00 = Atlas/Excalibur, 01 = Penelope, 10 = Mercury)*
// | | | +-------------------- 122.88MHz source (0 = Penelope, 1 = Mercury)*
// | + +---------------------- Config (00 = nil, 01 = Penelope, 10 = Mercury, 11 = both)*
// +-------------------------- Mic source (0 = Janus, 1 = Penelope)*
//
// * Ignored by Hermes

func (c ControlBytes) Speed() byte { return c[1] & 0x03 }
func (c *ControlBytes) SetSpeed(v byte) { c.set(1, 0x03, v) }
func (c ControlBytes) Source10MHz() byte { return (c[1] & 0x0C) >> 2 }
func (c *ControlBytes) Set10MHzSource(v byte) { c.set(1, 0x0C, v<<2) }
func (c ControlBytes) Source122MHz() byte { return (c[1] & 0x10) >> 4 }
func (c *ControlBytes) Set122MHzSource(v byte) { c.set(1, 0x10, v<<4) }
func (c ControlBytes) BoardConfig() byte { return (c[1] & 0x60) >> 5 }
func (c *ControlBytes) SetBoardConfig(v byte) { c.set(1, 0x60, v<<5) }
func (c ControlBytes) MicSource() byte { return c[1] >> 7 }
func (c *ControlBytes) SetMicSource(v byte) { c.set(1, 0x80, v<<7) }

// C2
//
// 0 0 0 0 0 0 0 0
// |           | |
// |           | +------------ Mode (1 = Class E, 0 = All other modes)
// +---------- +-------------- Open Collector Outputs on Penelope or Hermes (bit 6...bit 0)

func (c ControlBytes) ClassE() bool { return c[2]&0x01 != 0 }
func (c *ControlBytes) SetClassE(v bool) { c.set(2, 0x01, b2u(v)) }
func (c ControlBytes) OpenCollector() byte { return c[2] >> 1 }
func (c *ControlBytes) SetOpenCollector(v byte) { c.set(2, 0xFE, v<<1) }

// C3
//
// 0 0 0 0 0 0 0 0
// | | | | | | | |
// | | | | | | + +------------ Alex Attenuator (00 = 0dB, 01 = 10dB, 10 = 20dB, 11 = 30dB)
// | | | | | +---------------- Preamp On/Off (0 = Off, 1 = On)
// | | | | +------------------ LT2208 Dither (0 = Off, 1 = On)
// | | | + ------------------- LT2208 Random (0= Off, 1 = On)
// | + + --------------------- Alex Rx Antenna (00 = none, 01 = Rx1, 10 = Rx2, 11 = XV)
// + ------------------------- Alex Rx out (0 = off, 1 = on). Set if Alex Rx Antenna > 00.

func (c ControlBytes) AlexAttenuator() byte { return c[3] & 0x03 }
func (c *ControlBytes) SetAlexAttenuator(v byte) { c.set(3, 0x03, v) }
func (c ControlBytes) Attenuator() bool { return c[3]&0x04 != 0 }
func (c *ControlBytes) SetAttenuator(v bool) { c.set(3, 0x04, b2u(v)<<2) }
func (c ControlBytes) Dither() bool { return c[3]&0x08 != 0 }
func (c *ControlBytes) SetDither(v bool) { c.set(3, 0x08, b2u(v)<<3) }
func (c ControlBytes) Random() bool { return c[3]&0x10 != 0 }
func (c *ControlBytes) SetRandom(v bool) { c.set(3, 0x10, b2u(v)<<4) }
func (c ControlBytes) RxAntenna() byte { return (c[3] & 0x60) >> 5 }
func (c *ControlBytes) SetRxAntenna(v byte) { c.set(3, 0x60, v<<5) }
func (c ControlBytes) RxOut() bool { return c[3]&0x80 != 0 }
func (c *ControlBytes) SetRxOut(v bool) { c.set(3, 0x80, b2u(v)<<7) }

// C4
//
// 0 0 0 0 0 0 0 0
// | | | | | | | |
// | | | | | | + + ----------- Alex Tx relay (00 = Tx1, 01= Tx2, 10 = Tx3)
// | | | | | + --------------- Duplex (0 = off, 1 = on)
// | | + + +------------------ Number of Receivers (000 = 1, 111 = 8)
// | +------------------------ Time stamp - 1PPS on LSB of Mic data (0 = off, 1 = on)
// +-------------------------- Common Mercury Frequency (0 = independent, 1 = same for all Mercury boards)

func (c ControlBytes) TxRelay() byte { return c[4] & 0x03 }
func (c *ControlBytes) SetTxRelay(v byte) { c.set(4, 0x03, v) }
func (c ControlBytes) Duplex() bool { return c[4]&0x04 != 0 }
func (c *ControlBytes) SetDuplex(v bool) { c.set(4, 0x04, b2u(v)<<2) }
func (c ControlBytes) Receivers() int { return int((c[4]&0x38)>>3) + 1 }
func (c *ControlBytes) SetReceivers(n int) { c.set(4, 0x38, byte(n-1)<<3) }
func (c ControlBytes) TimeStamp() bool { return c[4]&0x40 != 0 }
func (c *ControlBytes) SetTimeStamp(v bool) { c.set(4, 0x40, b2u(v)<<6) }
func (c ControlBytes) CommonFrequency() bool { return c[4]&0x80 != 0 }
func (c *ControlBytes) SetCommonFrequency(v bool) { c.set(4, 0x80, b2u(v)<<7) }

// Frequency returns C1..C4 as a big-endian NCO frequency.
func (c ControlBytes) Frequency() uint32 { return binary.BigEndian.Uint32(c[1:]) }

// SetFrequency writes f into C1..C4, MSB in C1.
func (c *ControlBytes) SetFrequency(f uint32) { binary.BigEndian.PutUint32(c[1:], f) }

// Clock and board configuration bits of C1
const (
	atlas10MHzSource       = 0x00
	penelope10MHzSource    = 0x04
	mercury10MHzSource     = 0x08
	mercury122_88MHzSource = 0x10
	penelopePresent        = 0x20
	mercuryPresent         = 0x40
	micSourcePenelope      = 0x80
)

// 10 MHz reference selector values
const (
	Source10MHzAtlas    = 0
	Source10MHzPenelope = 1
	Source10MHzMercury  = 2
)

// ClockConfig describes the boards that take part in clock selection.
type ClockConfig struct {
	Penelope    bool
	PennyLane   bool
	Excalibur   bool
	Source10MHz int
}

// ClockByte derives the clock and board configuration bits of C1.
func ClockByte(cfg ClockConfig) byte {
	penny := cfg.Penelope || cfg.PennyLane
	switch {
	case penny && (cfg.Source10MHz == Source10MHzAtlas || cfg.Excalibur):
		return micSourcePenelope | mercuryPresent | penelopePresent | mercury122_88MHzSource | atlas10MHzSource
	case penny && cfg.Source10MHz == Source10MHzPenelope:
		return micSourcePenelope | mercuryPresent | penelopePresent | mercury122_88MHzSource | penelope10MHzSource
	case penny && cfg.Source10MHz == Source10MHzMercury:
		return micSourcePenelope | mercuryPresent | penelopePresent | mercury122_88MHzSource | mercury10MHzSource
	case cfg.Source10MHz == Source10MHzAtlas || cfg.Excalibur:
		return mercuryPresent | mercury122_88MHzSource | atlas10MHzSource
	default:
		return mercuryPresent | mercury122_88MHzSource | mercury10MHzSource
	}
}

// SpeedForSampleRate maps a sample rate to the C1 speed bits and the output sample stride.
func SpeedForSampleRate(hz int) (speed byte, multiplier int, err error) {
	switch hz {
	case 48000:
		return 0b00, 1, nil
	case 96000:
		return 0b01, 2, nil
	case 192000:
		return 0b10, 4, nil
	}
	return 0, 0, fmt.Errorf("%w: %d, valid values are 48000, 96000, 192000", ErrInvalidSampleRate, hz)
}

// alexFilterBytes spreads the Alex filter configuration word over C2..C4.
func alexFilterBytes(cfg uint16, vna bool) (c2, c3, c4 byte) {
	c2 = byte((cfg & 0x01) << 6)

	c3 = byte((cfg & 0x40) >> 6)
	c3 |= byte((cfg & 0x80) >> 6)
	c3 |= byte((cfg & 0x20) >> 3)
	c3 |= byte((cfg & 0x10) >> 1)
	c3 |= byte((cfg & 0x08) << 1)
	c3 |= byte((cfg & 0x02) << 4)
	c3 |= byte((cfg & 0x04) << 4)
	c3 |= b2u(vna) << 7

	c4 = byte((cfg & 0x800) >> 11)
	c4 |= byte((cfg & 0x400) >> 9)
	c4 |= byte((cfg & 0x200) >> 7)
	c4 |= byte((cfg & 0x100) >> 5)
	c4 |= byte((cfg & 0x4000) >> 10)
	c4 |= byte((cfg & 0x2000) >> 8)
	c4 |= byte((cfg & 0x1000) >> 6)
	return c2, c3, c4
}

// ccState is the position in the outgoing C&C rotation.
type ccState int

// C&C rotation states
const (
	GeneralConfig ccState = iota
	TxFrequency
	RxFrequency
	FilterConfig
)

func (s ccState) String() string {
	switch s {
	case GeneralConfig:
		return "GeneralConfig"
	case TxFrequency:
		return "TxFrequency"
	case RxFrequency:
		return "RxFrequency"
	case FilterConfig:
		return "FilterConfig"
	}
	return fmt.Sprintf("ccState(%d)", int(s))
}

// Control holds the logical register state behind the outgoing C&C stream.
// Setters may run concurrently with Next; each call holds the lock only while it mutates.
type Control struct {
	mu    sync.Mutex
	state ccState

	mox bool
	ptt bool

	sampleRate int
	speed      byte
	multiplier int
	clock      byte

	classE     bool
	pennyOC    bool
	rxJ6Pins   [bandCount]byte
	txJ6Pins   [bandCount]byte
	band       HamBand
	alexStates [bandCount]uint16
	alexConfig uint16
	vnaMode    bool

	attenuator bool
	dither     bool
	random     bool

	duplex          bool
	receivers       int
	timeStamp       bool
	commonFrequency bool

	frequencies [MaxReceivers]uint32
	txReceiver  int
	txPending   bool
	txFrequency uint32
	rxPending   uint8
	rxCursor    int
}

// NewControl returns the default register state for the given receiver count.
func NewControl(receivers int) (*Control, error) {
	if receivers < 1 || receivers > MaxReceivers {
		return nil, fmt.Errorf("invalid receiver count %d, must be between 1 and %d", receivers, MaxReceivers)
	}
	c := &Control{
		sampleRate: 48000,
		multiplier: 1,
		clock:      ClockByte(ClockConfig{}),
		band:       BandGen,
		duplex:     true,
		receivers:  receivers,
	}
	return c, nil
}

// State returns the state the next call to Next will emit.
func (c *Control) State() ccState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Next emits the C&C bytes for the current state and advances the rotation.
func (c *Control) Next() (ccState, ControlBytes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state
	var cc ControlBytes
	switch st {
	case GeneralConfig:
		cc = c.generalConfig()
		c.state = TxFrequency
	case TxFrequency:
		if c.txPending {
			c.txFrequency = c.frequencies[c.txReceiver]
			c.txPending = false
		}
		cc[0] = 0x02
		cc.SetFrequency(c.txFrequency)
		if c.duplex {
			c.state = RxFrequency
		} else {
			c.state = FilterConfig
		}
	case RxFrequency:
		rx := c.nextRxRegister()
		cc[0] = byte(rx+2) << 1
		cc.SetFrequency(c.frequencies[rx])
		c.state = FilterConfig
	case FilterConfig:
		cc[0] = 0x12
		cc[2], cc[3], cc[4] = alexFilterBytes(c.alexConfig, c.vnaMode)
		c.state = GeneralConfig
	}
	cc.SetMOX(c.mox)
	return st, cc
}

// nextRxRegister picks the lowest receiver with a pending change, or cycles
// through all receivers when nothing is pending.
func (c *Control) nextRxRegister() int {
	if c.rxPending != 0 {
		for rx := 0; rx < c.receivers; rx++ {
			if c.rxPending&(1<<rx) != 0 {
				c.rxPending &^= 1 << rx
				return rx
			}
		}
		c.rxPending = 0
	}
	rx := c.rxCursor % c.receivers
	c.rxCursor = (rx + 1) % c.receivers
	return rx
}

func (c *Control) generalConfig() ControlBytes {
	var cc ControlBytes
	cc[1] = c.speed&0x03 | c.clock&0xFC

	cc.SetClassE(c.classE)
	if c.pennyOC && c.band != BandGen {
		pins := c.rxJ6Pins[c.band]
		if c.mox || c.ptt {
			pins = c.txJ6Pins[c.band]
		}
		cc[2] |= (pins >> 1) << 1
	}

	state := c.alexStates[c.band]
	rxAnt := byte(0x07 & (state >> 2))
	cc[3] = byte(state >> 7)
	cc.SetAttenuator(c.attenuator)
	cc.SetDither(c.dither)
	cc.SetRandom(c.random)
	cc.SetRxAntenna(rxAnt)
	cc.SetRxOut(rxAnt > 0)

	ant := state
	if c.mox || c.ptt {
		ant = state >> 5
	}
	if ant != 0 {
		ant--
	}
	cc.SetTxRelay(byte(ant))
	cc.SetDuplex(c.duplex)
	cc.SetReceivers(c.receivers)
	cc.SetTimeStamp(c.timeStamp)
	cc.SetCommonFrequency(c.commonFrequency)
	return cc
}

// GeneralBytes returns the general configuration block without advancing the rotation.
func (c *Control) GeneralBytes() ControlBytes {
	c.mu.Lock()
	defer c.mu.Unlock()
	cc := c.generalConfig()
	cc.SetMOX(c.mox)
	return cc
}

// SetSampleRate selects the receive sample rate.
func (c *Control) SetSampleRate(hz int) error {
	speed, mult, err := SpeedForSampleRate(hz)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sampleRate = hz
	c.speed = speed
	c.multiplier = mult
	c.mu.Unlock()
	log.Printf("[DEBUG] Control: sample rate %d, speed %02b", hz, speed)
	return nil
}

// SampleRate returns the configured sample rate and output stride.
func (c *Control) SampleRate() (hz, multiplier int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sampleRate, c.multiplier
}

// SetClock recomputes the C1 clock bits.
func (c *Control) SetClock(cfg ClockConfig) {
	c.mu.Lock()
	c.clock = ClockByte(cfg)
	c.mu.Unlock()
}

// SetMOX sets the transmit bit.
func (c *Control) SetMOX(v bool) {
	c.mu.Lock()
	c.mox = v
	c.mu.Unlock()
}

// SetPTT records the hardware PTT state reported by the radio.
func (c *Control) SetPTT(v bool) {
	c.mu.Lock()
	c.ptt = v
	c.mu.Unlock()
}

// SetBand selects the band used to look up Alex and open collector settings.
func (c *Control) SetBand(b HamBand) {
	c.mu.Lock()
	c.band = b
	c.mu.Unlock()
}

// SetFrontEnd sets the ADC front end bits of C3.
func (c *Control) SetFrontEnd(attenuator, dither, random bool) {
	c.mu.Lock()
	c.attenuator = attenuator
	c.dither = dither
	c.random = random
	c.mu.Unlock()
}

// SetClassE sets the Penelope class E mode bit.
func (c *Control) SetClassE(v bool) {
	c.mu.Lock()
	c.classE = v
	c.mu.Unlock()
}

// SetPennyOC configures the per-band open collector outputs.
func (c *Control) SetPennyOC(enabled bool, rxPins, txPins [bandCount]byte) {
	c.mu.Lock()
	c.pennyOC = enabled
	c.rxJ6Pins = rxPins
	c.txJ6Pins = txPins
	c.mu.Unlock()
}

// SetAlexStates sets the per-band Alex antenna and attenuator words.
func (c *Control) SetAlexStates(states [bandCount]uint16) {
	c.mu.Lock()
	c.alexStates = states
	c.mu.Unlock()
}

// SetAlexConfig sets the Alex filter configuration word.
func (c *Control) SetAlexConfig(cfg uint16, vna bool) {
	c.mu.Lock()
	c.alexConfig = cfg
	c.vnaMode = vna
	c.mu.Unlock()
}

// SetDuplex enables the separate RX frequency registers.
func (c *Control) SetDuplex(v bool) {
	c.mu.Lock()
	c.duplex = v
	c.mu.Unlock()
}

// SetTimeStamp enables the 1PPS marker in the mic sample LSB.
func (c *Control) SetTimeStamp(v bool) {
	c.mu.Lock()
	c.timeStamp = v
	c.mu.Unlock()
}

// SetCommonFrequency sends the same frequency to all Mercury boards.
func (c *Control) SetCommonFrequency(v bool) {
	c.mu.Lock()
	c.commonFrequency = v
	c.mu.Unlock()
}

// SetReceivers changes the receiver count. Only valid while the engine is stopped.
func (c *Control) SetReceivers(n int) error {
	if n < 1 || n > MaxReceivers {
		return fmt.Errorf("invalid receiver count %d, must be between 1 and %d", n, MaxReceivers)
	}
	c.mu.Lock()
	c.receivers = n
	if c.txReceiver >= n {
		c.txReceiver = 0
	}
	c.rxPending &= uint8(1<<n - 1)
	c.mu.Unlock()
	return nil
}

// Receivers returns the configured receiver count.
func (c *Control) Receivers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.receivers
}

// SetTxReceiver selects the receiver whose frequency drives the TX register.
func (c *Control) SetTxReceiver(rx int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rx < 0 || rx >= c.receivers {
		return fmt.Errorf("receiver %d out of range", rx)
	}
	c.txReceiver = rx
	c.txPending = true
	return nil
}

// SetFrequency records a new NCO frequency for rx. The change is sent once at
// the next matching register slot; later changes to the same receiver coalesce.
func (c *Control) SetFrequency(rx int, f uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rx < 0 || rx >= c.receivers {
		return fmt.Errorf("receiver %d out of range", rx)
	}
	c.frequencies[rx] = f
	c.rxPending |= 1 << rx
	if rx == c.txReceiver {
		c.txPending = true
	}
	return nil
}

// Frequency returns the NCO frequency last set for rx.
func (c *Control) Frequency(rx int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rx < 0 || rx >= MaxReceivers {
		return 0
	}
	return c.frequencies[rx]
}
