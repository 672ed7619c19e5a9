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

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	s, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, Hermes, s.iface)
	assert.Equal(t, DSPServerMode, s.mode)
	require.Len(t, s.channels, 1)
	assert.Equal(t, uint32(7100000), s.channels[0].Frequency)
	assert.Equal(t, LSB, s.channels[0].Mode)
	assert.Equal(t, AGCMedium, s.channels[0].AGC)
}

func TestConfigValidate(t *testing.T) {
	tt := []struct {
		name   string
		modify func(*Config)
	}{
		{"hardware", func(c *Config) { c.Hardware = "angelia" }},
		{"server mode", func(c *Config) { c.ServerMode = "wfm" }},
		{"no receivers", func(c *Config) { c.Receivers = 0 }},
		{"too many receivers", func(c *Config) { c.Receivers = 9 }},
		{"chirp with two receivers", func(c *Config) { c.ServerMode = "chirp"; c.Receivers = 2 }},
		{"sample rate", func(c *Config) { c.SampleRate = 44100 }},
		{"averaging count", func(c *Config) { c.AveragingCount = 0 }},
		{"too many channels", func(c *Config) { c.Channels = make([]ChannelConfig, 2) }},
		{"10 MHz source", func(c *Config) { c.Source10MHz = "gps" }},
		{"band name", func(c *Config) { c.AlexStates = map[string]uint16{"11m": 1} }},
		{"channel mode", func(c *Config) { c.Channels = []ChannelConfig{{Mode: "wfm"}} }},
		{"channel agc", func(c *Config) { c.Channels = []ChannelConfig{{AGC: "turbo"}} }},
		{"channel filter", func(c *Config) { c.Channels = []ChannelConfig{{FilterLo: 100, FilterHi: -100}} }},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigChirpRequiresOneReceiver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerMode = "chirp"
	cfg.Receivers = 2
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidServerMode)
}

func TestConfigNewControl(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Receivers = 2
	cfg.SampleRate = 96000
	cfg.Dither = true
	cfg.Duplex = false
	cfg.Channels = []ChannelConfig{{Frequency: 14074000, Mode: "usb"}}
	cfg.PennyOC = PennyOCConfig{Enabled: true, RxPins: map[string]byte{"20m": 0x04}}

	s, err := cfg.resolve()
	require.NoError(t, err)
	assert.Equal(t, USB, s.channels[0].Mode)
	assert.Equal(t, uint32(7100000), s.channels[1].Frequency)
	assert.Equal(t, byte(0x04), s.rxPins[Band20m])

	ctl, err := cfg.newControl(s)
	require.NoError(t, err)
	assert.Equal(t, 2, ctl.Receivers())
	assert.Equal(t, uint32(14074000), ctl.Frequency(0))
	assert.Equal(t, uint32(7100000), ctl.Frequency(1))

	cc := ctl.GeneralBytes()
	assert.Equal(t, byte(1), cc.Speed())
	assert.True(t, cc.Dither())
	assert.False(t, cc.Duplex())
	assert.False(t, cc.TimeStamp())
	assert.Equal(t, byte(0x04)>>1, cc.OpenCollector())
	assert.Equal(t, 2, cc.Receivers())
}

func TestConfigChirpTimeStamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerMode = "chirp"
	s, err := cfg.resolve()
	require.NoError(t, err)
	ctl, err := cfg.newControl(s)
	require.NoError(t, err)
	assert.True(t, ctl.GeneralBytes().TimeStamp())
}
