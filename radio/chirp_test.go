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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feed(c *ChirpSynchronizer, bits []int) []int {
	var edges []int
	for i, b := range bits {
		if c.OnSample(float32(i), -float32(i), b == 1) {
			edges = append(edges, i)
		}
	}
	return edges
}

func TestChirpRisingEdge(t *testing.T) {
	tt := []struct {
		name     string
		bits     []int
		expected []int
	}{
		{"high at start is not an edge", []int{1, 1, 0, 0, 1, 1, 0}, []int{4}},
		{"two edges", []int{0, 1, 0, 0, 1}, []int{1, 4}},
		{"never high", []int{0, 0, 0, 0}, nil},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChirpSynchronizer(100, nil)
			assert.Equal(t, tc.expected, feed(c, tc.bits))
		})
	}
}

func TestChirpFlushOnEdge(t *testing.T) {
	var got [][]float32
	c := NewChirpSynchronizer(4, func(b []float32) { got = append(got, b) })
	feed(c, []int{0, 0, 0, 0, 1, 0, 1})
	// samples before the first edge are not aligned and are dropped
	require.Len(t, got, 1)
	// the pair at the second edge is trimmed from the first buffer
	assert.Equal(t, []float32{4, -4, 5, -5}, got[0])
}

func TestChirpFlushWithoutEdge(t *testing.T) {
	var got [][]float32
	c := NewChirpSynchronizer(4, func(b []float32) { got = append(got, b) })
	feed(c, []int{0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0})
	require.Len(t, got, 1)
	assert.Equal(t, []float32{4, -4, 5, -5, 6, -6, 7, -7}, got[0])
	assert.False(t, c.Capturing())
}

func TestChirpReset(t *testing.T) {
	var got [][]float32
	c := NewChirpSynchronizer(4, func(b []float32) { got = append(got, b) })
	feed(c, []int{0, 1, 0})
	assert.True(t, c.Capturing())
	c.Reset()
	assert.False(t, c.Capturing())
	// gate is closed again, so a high bit right after reset is not an edge
	assert.Empty(t, feed(c, []int{1}))
	assert.Empty(t, got)
}
