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
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/jancona/hpsdrengine/radio"
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 30 * time.Second
)

// monitor serves engine metrics, a status snapshot and the live event stream.
type monitor struct {
	engine   *radio.Engine
	status   *radio.Status
	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

type statusReply struct {
	State       radio.EngineState  `json:"state"`
	Session     string             `json:"session,omitempty"`
	Firmware    radio.FirmwareInfo `json:"firmware"`
	ADCOverflow bool               `json:"adcOverflow"`
	SyncLost    int                `json:"syncLost"`
	Telemetry   radio.Telemetry    `json:"telemetry"`
	SMeter      float32            `json:"smeter"`
}

func newMonitor(engine *radio.Engine, status *radio.Status, reg *prometheus.Registry) *monitor {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "hpsdr",
		Name:      "host_cpu_percent",
		Help:      "Host CPU utilisation since the previous scrape",
	}, func() float64 {
		p, err := cpu.Percent(0, false)
		if err != nil || len(p) == 0 {
			return 0
		}
		return p[0]
	}))
	m := &monitor{
		engine: engine,
		status: status,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	m.mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	m.mux.HandleFunc("/status", m.handleStatus)
	m.mux.HandleFunc("/events", m.handleEvents)
	return m
}

func (m *monitor) ListenAndServe(addr string) error {
	log.Printf("[INFO] Monitor listening on %s", addr)
	srv := &http.Server{Addr: addr, Handler: m.mux, ReadHeaderTimeout: 5 * time.Second}
	return srv.ListenAndServe()
}

func (m *monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	_, lost := m.status.ProtocolSync()
	reply := statusReply{
		State:       m.engine.State(),
		Session:     m.engine.Session(),
		Firmware:    m.status.Firmware(),
		ADCOverflow: m.status.ADCOverflow(),
		SyncLost:    lost,
		Telemetry:   m.status.Telemetry(),
		SMeter:      m.status.SMeter(0),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		log.Printf("[DEBUG] Error writing status: %v", err)
	}
}

// handleEvents streams engine events as JSON text messages until the client
// goes away.
func (m *monitor) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[DEBUG] Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	events := m.engine.Events()
	ch := events.Listen()
	defer events.Close(ch)

	// the read side only notices the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Printf("[DEBUG] Error writing event: %v", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
