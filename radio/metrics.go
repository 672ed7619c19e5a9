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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	datagramsReceived *prometheus.CounterVec // by endpoint
	datagramsSent     prometheus.Counter
	sendErrors        prometheus.Counter
	desyncFrames      prometheus.Counter
	sequenceErrors    *prometheus.CounterVec // by direction
	adcOverflows      prometheus.Counter
	dspBlocks         prometheus.Counter
	widebandSpectra   prometheus.Counter
	chirpBuffers      prometheus.Counter
	queueDepth        *prometheus.GaugeVec // by queue
	telemetry         *prometheus.GaugeVec // by reading
}

// NewMetrics registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		datagramsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "datagrams_received_total",
			Help:      "Data datagrams received from the radio",
		}, []string{"endpoint"}),
		datagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "datagrams_sent_total",
			Help:      "Datagrams sent to the radio",
		}),
		sendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "send_errors_total",
			Help:      "Failed datagram writes",
		}),
		desyncFrames: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "desync_frames_total",
			Help:      "Frames dropped for bad sync or length",
		}),
		sequenceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "sequence_errors_total",
			Help:      "Gaps in datagram sequence numbers",
		}, []string{"direction"}),
		adcOverflows: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "adc_overflows_total",
			Help:      "Frames reporting an LT2208 overflow",
		}),
		dspBlocks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "dsp_blocks_total",
			Help:      "DSP dispatch passes",
		}),
		widebandSpectra: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "wideband_spectra_total",
			Help:      "Wideband spectra computed",
		}),
		chirpBuffers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "hpsdr",
			Name:      "chirp_buffers_total",
			Help:      "Chirp capture buffers queued",
		}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hpsdr",
			Name:      "queue_depth",
			Help:      "Items waiting in each worker queue",
		}, []string{"queue"}),
		telemetry: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hpsdr",
			Name:      "telemetry",
			Help:      "Analog readings from the round robin status slots",
		}, []string{"reading"}),
	}
}

func (m *Metrics) observeTelemetry(t Telemetry) {
	m.telemetry.WithLabelValues("penelope_forward_power").Set(t.PenelopeForwardPower)
	m.telemetry.WithLabelValues("alex_forward_power").Set(t.AlexForwardPower)
	m.telemetry.WithLabelValues("alex_reverse_power").Set(t.AlexReversePower)
	m.telemetry.WithLabelValues("ain3_volts").Set(t.AIN3Volts)
	m.telemetry.WithLabelValues("ain4_volts").Set(t.AIN4Volts)
	m.telemetry.WithLabelValues("supply_volts").Set(t.SupplyVolts)
}
