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

// outputFramer packs demodulated audio into EP2 sub-frames. Every completed
// sub-frame takes the next C&C block from the rotation, and every pair of
// sub-frames is sent as one datagram.
type outputFramer struct {
	control *Control
	send    func([]byte) error

	frame   [FrameSize]byte
	offset  int
	pending MetisMessage
	half    bool
	seq     uint32
}

func newOutputFramer(control *Control, send func([]byte) error) *outputFramer {
	return &outputFramer{
		control: control,
		send:    send,
		offset:  frameHeaderSize,
		pending: MetisMessage{EndPoint: EP2},
	}
}

// Write frames one block of audio, taking every multiplier'th sample so the
// radio always receives 48 kHz audio.
func (o *outputFramer) Write(out []AudioSample, multiplier int) error {
	if multiplier < 1 {
		multiplier = 1
	}
	var firstErr error
	for j := 0; j < len(out); j += multiplier {
		b := o.frame[o.offset:]
		putSample16(b[0:], out[j].L)
		putSample16(b[2:], out[j].R)
		// TX I and Q
		b[4], b[5], b[6], b[7] = 0, 0, 0, 0
		o.offset += 8
		if o.offset == FrameSize {
			if err := o.flush(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (o *outputFramer) flush() error {
	_, cc := o.control.Next()
	putFrameHeader(o.frame[:], cc)
	o.offset = frameHeaderSize
	if !o.half {
		o.pending.Frame1 = o.frame
		o.half = true
		return nil
	}
	o.pending.Frame2 = o.frame
	o.half = false
	o.pending.SequenceNumber = o.seq
	o.seq++
	return o.send(o.pending.Bytes())
}
