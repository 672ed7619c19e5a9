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

package main // "github.com/jancona/hpsdrengine"

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/logutils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	flag "github.com/spf13/pflag"

	"github.com/jancona/hpsdrengine/dsp"
	"github.com/jancona/hpsdrengine/radio"
)

var (
	configFile  = flag.StringP("config", "c", "", "YAML configuration file")
	radioIP     = flag.StringP("radio", "r", "", "IP address of radio (default use first radio discovered)")
	receivers   = flag.IntP("receivers", "n", 0, "Number of receivers, 1 to 8")
	sampleRate  = flag.IntP("samplerate", "s", 0, "Use the specified samplerate: one of 48000, 96000, 192000")
	frequency   = flag.UintP("frequency", "f", 0, "Tune receiver 0 to specified frequency in Hz")
	hardware    = flag.String("hardware", "", "Hardware model: metis or hermes")
	serverMode  = flag.String("mode", "", "Server mode: dsp or chirp")
	isDebug     = flag.BoolP("debug", "d", false, "Emit debug log messages on stdout")
	monitorAddr = flag.StringP("monitor", "m", "127.0.0.1:7300", "Listen address for metrics and events, empty to disable")
	controlAddr = flag.String("control", "127.0.0.1:4591", "Listen address for the control socket, empty to disable")
)

func main() {
	flag.Parse()
	minLogLevel := "INFO"
	if *isDebug {
		minLogLevel = "DEBUG"
	}

	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "INFO", "ERROR"},
		MinLevel: logutils.LogLevel(minLogLevel),
		Writer:   os.Stdout,
	}
	log.SetOutput(filter)
	log.Print("[DEBUG] Debug is on")

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	events := radio.NewEvents()
	status := radio.NewStatus()
	tone := dsp.NewSweptTone(cfg.SampleRate, 1000, 3000)
	engine, err := radio.NewEngine(cfg,
		radio.WithRegisterer(reg),
		radio.WithEvents(events),
		radio.WithStatusSink(status),
		radio.WithBackendFactory(dsp.NewBackend),
		radio.WithToneGenerator(tone),
		radio.WithChirpDecoder(dsp.NewDechirper(tone)),
	)
	if err != nil {
		log.Fatalf("Error creating engine: %v", err)
	}

	if *monitorAddr != "" {
		m := newMonitor(engine, status, reg)
		go func() {
			if err := m.ListenAndServe(*monitorAddr); err != nil {
				log.Printf("[ERROR] Monitor stopped: %v", err)
			}
		}()
	}
	if *controlAddr != "" {
		c := &controlServer{engine: engine}
		go func() {
			if err := c.ListenAndServe(context.Background(), *controlAddr); err != nil {
				log.Printf("[ERROR] Control socket stopped: %v", err)
			}
		}()
	}

	if err := engine.Start(context.Background()); err != nil {
		log.Fatalf("Error starting radio: %v", err)
	}

	// wait for a close signal then clean up
	signalChan := make(chan os.Signal, 1)
	cleanupDone := make(chan struct{})
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalChan
		log.Print("[INFO] Received an interrupt, stopping...")
		if err := engine.Stop(); err != nil {
			log.Printf("[ERROR] %v", err)
		}
		close(cleanupDone)
	}()
	<-cleanupDone
}
