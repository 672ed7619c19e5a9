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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func audioBlock(n int, l, r float32) []AudioSample {
	out := make([]AudioSample, n)
	for i := range out {
		out[i] = AudioSample{L: l, R: r}
	}
	return out
}

func TestOutputFramer(t *testing.T) {
	control, err := NewControl(1)
	require.NoError(t, err)
	var sent [][]byte
	o := newOutputFramer(control, func(b []byte) error {
		sent = append(sent, b)
		return nil
	})

	// one sub-frame holds 63 samples, so 125 samples leave one pending
	require.NoError(t, o.Write(audioBlock(125, 0.5, -0.5), 1))
	assert.Empty(t, sent)
	require.NoError(t, o.Write(audioBlock(1, 0.5, -0.5), 1))
	require.Len(t, sent, 1)

	m, err := ParseMetisMessage(sent[0])
	require.NoError(t, err)
	assert.Equal(t, EP2, m.EndPoint)
	assert.Equal(t, uint32(0), m.SequenceNumber)

	// the rotation supplies one C&C block per sub-frame
	f1, err := DecodeFrame(m.Frame1[:], 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), f1.Control.Address())
	assert.Equal(t, 1, f1.Control.Receivers())
	f2, err := DecodeFrame(m.Frame2[:], 1)
	require.NoError(t, err)
	assert.Equal(t, byte(1), f2.Control.Address())

	s := m.Frame1[frameHeaderSize:]
	assert.Equal(t, int16(16383), int16(binary.BigEndian.Uint16(s[0:])))
	assert.Equal(t, int16(-16383), int16(binary.BigEndian.Uint16(s[2:])))
	assert.Equal(t, []byte{0, 0, 0, 0}, s[4:8])

	require.NoError(t, o.Write(audioBlock(126, 0, 0), 1))
	require.Len(t, sent, 2)
	m, err = ParseMetisMessage(sent[1])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), m.SequenceNumber)
}

func TestOutputFramerMultiplier(t *testing.T) {
	control, err := NewControl(1)
	require.NoError(t, err)
	n := 0
	o := newOutputFramer(control, func([]byte) error {
		n++
		return nil
	})
	// 1024 samples at 192 kHz decimate to 256, enough for two datagrams
	require.NoError(t, o.Write(audioBlock(BufferSize, 0, 0), 4))
	assert.Equal(t, 2, n)
}

func TestOutputFramerSendError(t *testing.T) {
	control, err := NewControl(1)
	require.NoError(t, err)
	boom := errors.New("network down")
	calls := 0
	o := newOutputFramer(control, func([]byte) error {
		calls++
		return boom
	})
	err = o.Write(audioBlock(2*126, 0, 0), 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls, "framing continues after a failed send")
}
