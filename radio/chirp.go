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

import "log"

// ChirpDecoder correlates captured buffers against the reference chirp.
type ChirpDecoder interface {
	Decode(samples []float32)
}

// ToneGenerator produces the local reference chirp.
type ToneGenerator interface {
	GenerateSweptTone() bool
	Reset()
}

type chirpState int

const (
	waitingForRisingEdge chirpState = iota
	capturing
)

// ChirpSynchronizer cuts the captured IQ stream at GPS 1PPS rising edges.
// Buffers hold interleaved I,Q values for at most one epoch of samples.
type ChirpSynchronizer struct {
	epoch int
	emit  func([]float32)

	state chirpState
	gate  bool
	count int
	buf   []float32
}

// NewChirpSynchronizer creates a synchronizer for an epoch of samplesPerEpoch
// samples. emit receives every completed buffer.
func NewChirpSynchronizer(samplesPerEpoch int, emit func([]float32)) *ChirpSynchronizer {
	return &ChirpSynchronizer{
		epoch: samplesPerEpoch,
		emit:  emit,
		buf:   make([]float32, 0, 2*samplesPerEpoch),
	}
}

// OnSample feeds one sample and its 1PPS marker bit. It returns true when the
// sample is a rising edge.
func (c *ChirpSynchronizer) OnSample(left, right float32, chirpBit bool) bool {
	if c.count < c.epoch {
		c.buf = append(c.buf, left, right)
	}
	edge := false
	if chirpBit {
		if c.gate {
			// the last pair straddles the edge
			if len(c.buf) >= 2 {
				c.buf = c.buf[:len(c.buf)-2]
			}
			if c.state == capturing {
				c.flush()
			}
			c.buf = append(c.buf[:0], left, right)
			c.count = 0
			c.gate = false
			c.state = capturing
			edge = true
		}
	} else {
		c.gate = true
	}
	c.count++
	if c.state == capturing && c.count >= 2*c.epoch {
		log.Printf("[DEBUG] ChirpSynchronizer: no 1PPS edge for %d samples", c.count)
		c.flush()
		c.buf = c.buf[:0]
		c.count = 0
		c.state = waitingForRisingEdge
	}
	return edge
}

// Capturing reports whether an edge has been seen since the last reset.
func (c *ChirpSynchronizer) Capturing() bool {
	return c.state == capturing
}

// Reset discards the partial buffer and waits for the next edge.
func (c *ChirpSynchronizer) Reset() {
	c.buf = c.buf[:0]
	c.count = 0
	c.gate = false
	c.state = waitingForRisingEdge
}

func (c *ChirpSynchronizer) flush() {
	if len(c.buf) == 0 || c.emit == nil {
		return
	}
	out := make([]float32, len(c.buf))
	copy(out, c.buf)
	c.emit(out)
}
