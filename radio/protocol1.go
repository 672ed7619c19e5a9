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
)

// MetisPort is the well-known UDP port of Metis and Hermes boards.
const MetisPort = 1024

const (
	syncByte = 0x7F

	// FrameSize is the size of one USB-style sub-frame inside a Metis datagram.
	FrameSize       = 512
	frameHeaderSize = 8 // SYNC x3 + C0..C4
	framePayload    = FrameSize - frameHeaderSize
	metisHeaderSize = 8
	// DatagramSize is the size of every Metis data datagram.
	DatagramSize = metisHeaderSize + 2*FrameSize
	commandSize  = 64
)

type metisEndpoint byte

// Valid metisEndpoint values
const (
	EP2 metisEndpoint = 0x2 // PC->Radio: Command and Control plus two audio streams
	EP4 metisEndpoint = 0x4 // Radio->PC: Bandscope data
	EP6 metisEndpoint = 0x6 // Radio->PC: IQ + microphone data
)

// Metis command ids, the third byte of a 64 byte command datagram
const (
	metisData      = 0x01
	metisDiscovery = 0x02
	metisStartStop = 0x04
)

// Metis start/stop commands
const (
	metisStartIQ        = 0b01
	metisStartBandscope = 0b10
	metisStop           = 0
)

// ErrDesync is returned for any datagram or frame that fails the length or sync checks.
var ErrDesync = errors.New("protocol desync")

// ErrShortFrame is a desync caused by a datagram or frame of the wrong length.
var ErrShortFrame = fmt.Errorf("%w: wrong length", ErrDesync)

// MetisMessage represents a data datagram sent to or from the radio
type MetisMessage struct {
	EndPoint       metisEndpoint
	SequenceNumber uint32
	Frame1         [FrameSize]byte
	Frame2         [FrameSize]byte
}

// ParseMetisMessage validates and splits a received data datagram
func ParseMetisMessage(buf []byte) (*MetisMessage, error) {
	if len(buf) != DatagramSize {
		return nil, fmt.Errorf("%w: datagram length %d, want %d", ErrShortFrame, len(buf), DatagramSize)
	}
	if buf[0] != 0xEF || buf[1] != 0xFE || buf[2] != metisData {
		return nil, fmt.Errorf("%w: bad datagram header % x", ErrDesync, buf[:4])
	}
	mm := MetisMessage{
		EndPoint:       metisEndpoint(buf[3]),
		SequenceNumber: binary.BigEndian.Uint32(buf[4:8]),
	}
	copy(mm.Frame1[:], buf[metisHeaderSize:metisHeaderSize+FrameSize])
	copy(mm.Frame2[:], buf[metisHeaderSize+FrameSize:])
	return &mm, nil
}

// Bytes serializes a MetisMessage
func (m *MetisMessage) Bytes() []byte {
	buf := make([]byte, DatagramSize)
	buf[0] = 0xEF
	buf[1] = 0xFE
	buf[2] = metisData
	buf[3] = byte(m.EndPoint)
	binary.BigEndian.PutUint32(buf[4:8], m.SequenceNumber)
	copy(buf[metisHeaderSize:], m.Frame1[:])
	copy(buf[metisHeaderSize+FrameSize:], m.Frame2[:])
	return buf
}

// EncodeCommand builds a 64 byte discovery or start/stop datagram
func EncodeCommand(id, value byte) []byte {
	frame := make([]byte, commandSize)
	frame[0] = 0xEF
	frame[1] = 0xFE
	frame[2] = id
	frame[3] = value
	return frame
}

func startCommand(wideband bool) byte {
	cmd := byte(metisStartIQ)
	if wideband {
		cmd |= metisStartBandscope
	}
	return cmd
}

// putFrameHeader writes the sync bytes and C&C block at the start of a sub-frame.
func putFrameHeader(frame []byte, cc ControlBytes) {
	frame[0] = syncByte
	frame[1] = syncByte
	frame[2] = syncByte
	copy(frame[3:frameHeaderSize], cc[:])
}

// EncodeInitDatagram builds the datagram sent once per receiver before streaming starts.
// The second frame carries the receiver's NCO frequency.
func EncodeInitDatagram(cc ControlBytes, rx int, frequency uint32) []byte {
	m := MetisMessage{EndPoint: EP2}
	putFrameHeader(m.Frame1[:], cc)
	var fc ControlBytes
	fc[0] = cc[0] | byte(rx+2)<<1
	fc.SetFrequency(frequency)
	putFrameHeader(m.Frame2[:], fc)
	return m.Bytes()
}

// IQSample is one normalised complex receiver sample
type IQSample struct {
	I float32
	Q float32
}

// MicSample is one microphone sample. Its LSB doubles as the GPS 1PPS marker.
type MicSample struct {
	Value    int16
	ChirpBit bool
}

// Float returns the sample scaled to [-1,1) and multiplied by gain.
func (m MicSample) Float(gain float32) float32 {
	return float32(m.Value) / 32767.0 * gain
}

// Frame is one decoded EP6 sub-frame
type Frame struct {
	Control   ControlBytes
	Receivers int
	// IQ holds Receivers samples per sample slot, receiver-major within a slot.
	IQ  []IQSample
	Mic []MicSample
}

// Len returns the number of sample slots in the frame.
func (f *Frame) Len() int {
	return len(f.Mic)
}

// Sample returns sample slot k for receiver r.
func (f *Frame) Sample(k, r int) IQSample {
	return f.IQ[k*f.Receivers+r]
}

// Unused bytes at the end of a sub-frame, indexed by receiver count.
var tailPadding = [MaxReceivers + 1]int{1: 0, 2: 0, 3: 4, 4: 10, 5: 24, 6: 10, 7: 20, 8: 4}

// maxSamples is the first byte offset past the usable sample region.
func maxSamples(receivers int) int {
	return FrameSize - tailPadding[receivers]
}

func sampleStride(receivers int) int {
	return receivers*6 + 2
}

// DecodeFrame parses one 512 byte EP6 sub-frame for the given receiver count.
func DecodeFrame(frame []byte, receivers int) (*Frame, error) {
	if receivers < 1 || receivers > MaxReceivers {
		return nil, fmt.Errorf("invalid receiver count %d", receivers)
	}
	if len(frame) != FrameSize {
		return nil, fmt.Errorf("%w: frame length %d, want %d", ErrShortFrame, len(frame), FrameSize)
	}
	if frame[0] != syncByte || frame[1] != syncByte || frame[2] != syncByte {
		return nil, fmt.Errorf("%w: bad sync % x", ErrDesync, frame[:3])
	}
	f := &Frame{Receivers: receivers}
	copy(f.Control[:], frame[3:frameHeaderSize])

	stride := sampleStride(receivers)
	limit := maxSamples(receivers)
	slots := (limit - frameHeaderSize) / stride
	f.IQ = make([]IQSample, 0, slots*receivers)
	f.Mic = make([]MicSample, 0, slots)
	for s := frameHeaderSize; s < limit && s+stride <= FrameSize; {
		for r := 0; r < receivers; r++ {
			f.IQ = append(f.IQ, IQSample{I: sample24(frame[s:]), Q: sample24(frame[s+3:])})
			s += 6
		}
		f.Mic = append(f.Mic, MicSample{
			Value:    int16(binary.BigEndian.Uint16(frame[s:])),
			ChirpBit: frame[s+1]&0x01 != 0,
		})
		s += 2
	}
	return f, nil
}

func sample24(b []byte) float32 {
	v := int32(int8(b[0]))<<16 | int32(b[1])<<8 | int32(b[2])
	return float32(float64(v) / 8388607.0)
}

// putSample16 writes x as a clipped big-endian 16 bit sample.
func putSample16(b []byte, x float32) {
	v := x * 32767
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	binary.BigEndian.PutUint16(b, uint16(int16(v)))
}
