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
	"fmt"
	"time"
)

// ChannelConfig holds the start-up settings of one receiver.
type ChannelConfig struct {
	Frequency uint32  `yaml:"frequency"`
	Mode      string  `yaml:"mode"`
	AGC       string  `yaml:"agc"`
	FilterLo  float64 `yaml:"filterLo"`
	FilterHi  float64 `yaml:"filterHi"`
	Volume    float32 `yaml:"volume"`
}

// PennyOCConfig holds the Penelope open collector outputs per band name.
type PennyOCConfig struct {
	Enabled bool            `yaml:"enabled"`
	RxPins  map[string]byte `yaml:"rxPins"`
	TxPins  map[string]byte `yaml:"txPins"`
}

// Config is the engine configuration, normally loaded from YAML.
type Config struct {
	Hardware   string `yaml:"hardware"`
	ServerMode string `yaml:"serverMode"`
	Receivers  int    `yaml:"receivers"`
	SampleRate int    `yaml:"sampleRate"`

	Device           string        `yaml:"device"`
	LocalAddress     string        `yaml:"localAddress"`
	SocketBufferSize int           `yaml:"socketBufferSize"`
	DiscoveryTimeout time.Duration `yaml:"discoveryTimeout"`

	Wideband       bool    `yaml:"wideband"`
	Averaging      bool    `yaml:"averaging"`
	AveragingCount int     `yaml:"averagingCount"`
	MicGain        float32 `yaml:"micGain"`

	Penelope    bool   `yaml:"penelope"`
	PennyLane   bool   `yaml:"pennyLane"`
	Excalibur   bool   `yaml:"excalibur"`
	Alex        bool   `yaml:"alex"`
	Source10MHz string `yaml:"source10MHz"`

	Attenuator bool `yaml:"attenuator"`
	Dither     bool `yaml:"dither"`
	Random     bool `yaml:"random"`
	ClassE     bool `yaml:"classE"`

	PennyOC    PennyOCConfig     `yaml:"pennyOC"`
	AlexStates map[string]uint16 `yaml:"alexStates"`
	AlexConfig uint16            `yaml:"alexConfig"`
	VNAMode    bool              `yaml:"vnaMode"`

	Duplex          bool `yaml:"duplex"`
	CommonFrequency bool `yaml:"commonFrequency"`

	Channels     []ChannelConfig `yaml:"channels"`
	DisplayDelay time.Duration   `yaml:"displayDelay"`

	// ChirpEpoch is the number of samples captured per GPS second. Zero means the sample rate.
	ChirpEpoch int `yaml:"chirpEpoch"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Hardware:         "hermes",
		ServerMode:       "dsp",
		Receivers:        1,
		SampleRate:       48000,
		DiscoveryTimeout: 2 * time.Second,
		Wideband:         true,
		Averaging:        true,
		AveragingCount:   4,
		MicGain:          0.26,
		Source10MHz:      "mercury",
		Duplex:           true,
		DisplayDelay:     50 * time.Millisecond,
	}
}

// settings is a validated Config with names resolved to values.
type settings struct {
	iface      HWInterface
	mode       ServerMode
	clock      ClockConfig
	rxPins     [bandCount]byte
	txPins     [bandCount]byte
	alexStates [bandCount]uint16
	channels   []ReceiverSettings
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	_, err := c.resolve()
	return err
}

func parseSource10MHz(s string) (int, error) {
	switch s {
	case "atlas", "":
		return Source10MHzAtlas, nil
	case "penelope":
		return Source10MHzPenelope, nil
	case "mercury":
		return Source10MHzMercury, nil
	}
	return 0, fmt.Errorf("unknown 10 MHz source %q, must be atlas, penelope or mercury", s)
}

func bandTable[T any](m map[string]T) ([bandCount]T, error) {
	var t [bandCount]T
	for name, v := range m {
		b, err := ParseBand(name)
		if err != nil {
			return t, err
		}
		t[b] = v
	}
	return t, nil
}

func (c Config) resolve() (s settings, err error) {
	if s.iface, err = ParseHWInterface(c.Hardware); err != nil {
		return s, err
	}
	if s.mode, err = ParseServerMode(c.ServerMode); err != nil {
		return s, err
	}
	if c.Receivers < 1 || c.Receivers > MaxReceivers {
		return s, fmt.Errorf("invalid receiver count %d, must be between 1 and %d", c.Receivers, MaxReceivers)
	}
	if s.mode == ChirpWSPRMode && c.Receivers != 1 {
		return s, fmt.Errorf("%w: chirp mode runs a single receiver, not %d", ErrInvalidServerMode, c.Receivers)
	}
	if _, _, err = SpeedForSampleRate(c.SampleRate); err != nil {
		return s, err
	}
	if c.Wideband && c.AveragingCount < 1 {
		return s, fmt.Errorf("invalid averaging count %d", c.AveragingCount)
	}
	if len(c.Channels) > c.Receivers {
		return s, fmt.Errorf("%d channels configured for %d receivers", len(c.Channels), c.Receivers)
	}

	src, err := parseSource10MHz(c.Source10MHz)
	if err != nil {
		return s, err
	}
	s.clock = ClockConfig{Penelope: c.Penelope, PennyLane: c.PennyLane, Excalibur: c.Excalibur, Source10MHz: src}
	if s.rxPins, err = bandTable(c.PennyOC.RxPins); err != nil {
		return s, fmt.Errorf("pennyOC rxPins: %w", err)
	}
	if s.txPins, err = bandTable(c.PennyOC.TxPins); err != nil {
		return s, fmt.Errorf("pennyOC txPins: %w", err)
	}
	if s.alexStates, err = bandTable(c.AlexStates); err != nil {
		return s, fmt.Errorf("alexStates: %w", err)
	}

	s.channels = make([]ReceiverSettings, c.Receivers)
	for i := range s.channels {
		rs := ReceiverSettings{
			Frequency:    7100000,
			Mode:         LSB,
			AGC:          AGCMedium,
			FilterLo:     -2850,
			FilterHi:     -150,
			Volume:       1,
			DisplayDelay: c.DisplayDelay,
		}
		if i < len(c.Channels) {
			ch := c.Channels[i]
			if ch.Frequency != 0 {
				rs.Frequency = ch.Frequency
			}
			if ch.Mode != "" {
				if rs.Mode, err = ParseDSPMode(ch.Mode); err != nil {
					return s, fmt.Errorf("channel %d: %w", i, err)
				}
			}
			if rs.AGC, err = ParseAGCMode(ch.AGC); err != nil {
				return s, fmt.Errorf("channel %d: %w", i, err)
			}
			if ch.FilterLo != 0 || ch.FilterHi != 0 {
				if ch.FilterLo >= ch.FilterHi {
					return s, fmt.Errorf("channel %d: filter low edge %v must be below high edge %v", i, ch.FilterLo, ch.FilterHi)
				}
				rs.FilterLo, rs.FilterHi = ch.FilterLo, ch.FilterHi
			}
			if ch.Volume != 0 {
				rs.Volume = ch.Volume
			}
		}
		s.channels[i] = rs
	}
	return s, nil
}

// newControl builds the register state described by the configuration.
func (c Config) newControl(s settings) (*Control, error) {
	ctl, err := NewControl(c.Receivers)
	if err != nil {
		return nil, err
	}
	if err := ctl.SetSampleRate(c.SampleRate); err != nil {
		return nil, err
	}
	ctl.SetClock(s.clock)
	ctl.SetFrontEnd(c.Attenuator, c.Dither, c.Random)
	ctl.SetClassE(c.ClassE)
	ctl.SetPennyOC(c.PennyOC.Enabled, s.rxPins, s.txPins)
	ctl.SetAlexStates(s.alexStates)
	ctl.SetAlexConfig(c.AlexConfig, c.VNAMode)
	ctl.SetDuplex(c.Duplex)
	ctl.SetCommonFrequency(c.CommonFrequency)
	ctl.SetTimeStamp(s.mode == ChirpWSPRMode)
	for rx, ch := range s.channels {
		if err := ctl.SetFrequency(rx, ch.Frequency); err != nil {
			return nil, err
		}
	}
	ctl.SetBand(BandForFrequency(s.channels[0].Frequency))
	return ctl, nil
}
