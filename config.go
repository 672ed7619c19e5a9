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

package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/jancona/hpsdrengine/radio"
)

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (radio.Config, error) {
	cfg := radio.DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	return decodeConfig(f)
}

func decodeConfig(r io.Reader) (radio.Config, error) {
	cfg := radio.DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return cfg, fmt.Errorf("Unable to decode configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides cfg with every flag set on the command line.
func applyFlags(cfg *radio.Config) {
	set := flag.CommandLine.Changed
	if set("radio") {
		cfg.Device = *radioIP
	}
	if set("receivers") {
		cfg.Receivers = *receivers
	}
	if set("samplerate") {
		cfg.SampleRate = *sampleRate
	}
	if set("hardware") {
		cfg.Hardware = *hardware
	}
	if set("mode") {
		cfg.ServerMode = *serverMode
	}
	if set("frequency") {
		if len(cfg.Channels) == 0 {
			cfg.Channels = append(cfg.Channels, radio.ChannelConfig{})
		}
		cfg.Channels[0].Frequency = uint32(*frequency)
	}
}
