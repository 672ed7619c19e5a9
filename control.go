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
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"

	"github.com/jancona/hpsdrengine/radio"
)

// controlServer accepts line oriented "name:arg[:arg...]" commands that
// retune or reconfigure the running engine.
type controlServer struct {
	engine *radio.Engine
}

func (c *controlServer) ListenAndServe(ctx context.Context, addr string) error {
	config := newReuseAddrListenConfig()
	l, err := config.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("Error listening on control address %s: %w", addr, err)
	}
	defer l.Close()
	log.Printf("[INFO] Listening for control commands on %s", addr)
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		log.Printf("[DEBUG] Opened control connection from %v", conn.RemoteAddr())
		go c.serve(conn)
	}
}

func (c *controlServer) serve(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		cmd := strings.Trim(sc.Text(), "\x00\r\n ")
		if cmd == "" {
			continue
		}
		reply := "ok"
		if err := c.execute(cmd); err != nil {
			log.Printf("[DEBUG] Unable to execute control command '%s': %v", cmd, err)
			reply = "error: " + err.Error()
		}
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
	}
}

func parseReceiver(s string) (int, error) {
	rx, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad receiver %q", s)
	}
	return rx, nil
}

func (c *controlServer) execute(cmd string) error {
	log.Printf("[DEBUG] Received command '%s'", cmd)
	tok := strings.Split(cmd, ":")
	arity := map[string]int{
		"start": 1, "stop": 1,
		"samp_rate": 2, "receiver": 2, "averaging": 2, "mox": 2,
		"center_freq": 3, "mode": 3, "agc": 3, "volume": 3,
		"filter": 4,
	}
	n, ok := arity[tok[0]]
	if !ok {
		return fmt.Errorf("unsupported command %q", tok[0])
	}
	if len(tok) != n {
		return fmt.Errorf("%s takes %d arguments", tok[0], n-1)
	}

	switch tok[0] {
	case "start":
		return c.engine.Start(context.Background())
	case "stop":
		return c.engine.Stop()
	case "samp_rate":
		sr, err := strconv.Atoi(tok[1])
		if err != nil {
			return fmt.Errorf("bad sample rate %q", tok[1])
		}
		if _, _, err := radio.SpeedForSampleRate(sr); err != nil {
			// the engine treats an invalid rate as fatal
			return err
		}
		return c.engine.SetSampleRate(sr)
	case "receiver":
		rx, err := parseReceiver(tok[1])
		if err != nil {
			return err
		}
		return c.engine.SetCurrentReceiver(rx)
	case "averaging":
		c.engine.SetWidebandAveraging(tok[1] == "on")
		return nil
	case "mox":
		c.engine.SetMOX(tok[1] == "on")
		return nil
	}

	rx, err := parseReceiver(tok[1])
	if err != nil {
		return err
	}
	if tok[0] == "center_freq" {
		f, err := strconv.ParseUint(tok[2], 10, 32)
		if err != nil {
			return fmt.Errorf("bad frequency %q", tok[2])
		}
		return c.engine.SetFrequency(rx, uint32(f))
	}
	r, err := c.engine.Receiver(rx)
	if err != nil {
		return err
	}
	switch tok[0] {
	case "mode":
		m, err := radio.ParseDSPMode(tok[2])
		if err != nil {
			return err
		}
		r.SetMode(m)
	case "agc":
		m, err := radio.ParseAGCMode(tok[2])
		if err != nil {
			return err
		}
		r.SetAGCMode(m)
	case "volume":
		v, err := strconv.ParseFloat(tok[2], 32)
		if err != nil {
			return fmt.Errorf("bad volume %q", tok[2])
		}
		r.SetAudioVolume(float32(v))
	case "filter":
		lo, err1 := strconv.ParseFloat(tok[2], 64)
		hi, err2 := strconv.ParseFloat(tok[3], 64)
		if err1 != nil || err2 != nil || lo >= hi {
			return fmt.Errorf("bad filter %s:%s", tok[2], tok[3])
		}
		r.SetFilter(lo, hi)
	}
	return nil
}
