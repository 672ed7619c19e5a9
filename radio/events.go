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
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

const messagePrefix = "[data engine]: "

// ErrInvalidServerMode is returned for a server mode the engine cannot run.
var ErrInvalidServerMode = errors.New("invalid server mode")

// SystemError identifies why the engine is not running normally.
type SystemError int

// SystemError values
const (
	NoError SystemError = iota
	HwIOError
	ServerModeError
	DataReceiverThreadError
	DataProcessThreadError
	WideBandDataProcessThreadError
	AudioThreadError
	ChirpDataProcessThreadError
	FirmwareError
)

var systemErrorNames = [...]string{
	"NoError",
	"HwIOError",
	"ServerModeError",
	"DataReceiverThreadError",
	"DataProcessThreadError",
	"WideBandDataProcessThreadError",
	"AudioThreadError",
	"ChirpDataProcessThreadError",
	"FirmwareError",
}

func (e SystemError) String() string {
	if e >= 0 && int(e) < len(systemErrorNames) {
		return systemErrorNames[e]
	}
	return fmt.Sprintf("SystemError(%d)", int(e))
}

// MarshalText renders the error name in JSON events.
func (e SystemError) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// HWInterface is the user-selected hardware model.
type HWInterface int

// HWInterface values
const (
	NoInterface HWInterface = iota
	Metis
	Hermes
)

func (h HWInterface) String() string {
	switch h {
	case Metis:
		return "Metis"
	case Hermes:
		return "Hermes"
	}
	return "none"
}

// MarshalText renders the model name in JSON events.
func (h HWInterface) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// ParseHWInterface accepts "metis" or "hermes".
func ParseHWInterface(s string) (HWInterface, error) {
	switch strings.ToLower(s) {
	case "metis":
		return Metis, nil
	case "hermes":
		return Hermes, nil
	}
	return NoInterface, fmt.Errorf("unknown hardware model %q, must be metis or hermes", s)
}

// ServerMode selects what the engine does with received samples.
type ServerMode int

// ServerMode values
const (
	NoServerMode ServerMode = iota
	// DSPServerMode runs a DSP backend per receiver and streams audio back to the radio.
	DSPServerMode
	// ChirpWSPRMode captures GPS synchronised chirps for frequency calibration.
	ChirpWSPRMode
)

func (m ServerMode) String() string {
	switch m {
	case DSPServerMode:
		return "dsp"
	case ChirpWSPRMode:
		return "chirp"
	}
	return "none"
}

// MarshalText renders the mode name in JSON events.
func (m ServerMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// ParseServerMode accepts "dsp" or "chirp".
func ParseServerMode(s string) (ServerMode, error) {
	switch strings.ToLower(s) {
	case "dsp":
		return DSPServerMode, nil
	case "chirp", "chirpwspr":
		return ChirpWSPRMode, nil
	}
	return NoServerMode, fmt.Errorf("%w %q, must be dsp or chirp", ErrInvalidServerMode, s)
}

// EngineState is up while workers are streaming.
type EngineState int

// EngineState values
const (
	DataEngineDown EngineState = iota
	DataEngineUp
)

func (s EngineState) String() string {
	if s == DataEngineUp {
		return "up"
	}
	return "down"
}

// MarshalText renders the state name in JSON events.
func (s EngineState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// SystemState is the structured status published after every start and stop.
type SystemState struct {
	Error      SystemError `json:"error"`
	Interface  HWInterface `json:"interface"`
	ServerMode ServerMode  `json:"serverMode"`
	State      EngineState `json:"state"`
	Session    string      `json:"session,omitempty"`
}

// Event is either a human readable message or a system state change.
type Event struct {
	Time    time.Time    `json:"time"`
	Message string       `json:"message,omitempty"`
	State   *SystemState `json:"state,omitempty"`
}

// Events fans engine events out to listeners. Slow listeners lose events.
type Events struct {
	sync.RWMutex
	listeners map[chan Event]bool
}

// NewEvents creates an empty distributor.
func NewEvents() *Events {
	return &Events{listeners: map[chan Event]bool{}}
}

// Listen registers a new listener channel.
func (d *Events) Listen() chan Event {
	c := make(chan Event, 64)
	d.Lock()
	d.listeners[c] = true
	d.Unlock()
	return c
}

// Close removes and closes a listener channel.
func (d *Events) Close(c chan Event) {
	d.Lock()
	if d.listeners[c] {
		delete(d.listeners, c)
		close(c)
	}
	d.Unlock()
}

func (d *Events) distribute(ev Event) {
	d.RLock()
	for l := range d.listeners {
		select {
		case l <- ev:
		default:
			// Drop events for listeners that fall behind
		}
	}
	d.RUnlock()
}

// Message publishes a prefixed message event and logs it.
func (d *Events) Message(format string, args ...interface{}) {
	msg := messagePrefix + fmt.Sprintf(format, args...)
	log.Printf("[INFO] %s", msg)
	d.distribute(Event{Time: time.Now(), Message: msg})
}

// SystemState publishes a system state event.
func (d *Events) SystemState(s SystemState) {
	log.Printf("[DEBUG] system state: error %v, interface %v, mode %v, engine %v", s.Error, s.Interface, s.ServerMode, s.State)
	d.distribute(Event{Time: time.Now(), State: &s})
}
