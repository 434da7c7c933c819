package shmbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the Prometheus collectors of one node.
type metrics struct {
	// Data path
	SamplesSent     *prometheus.CounterVec
	SamplesReceived *prometheus.CounterVec
	SamplesDropped  *prometheus.CounterVec
	LoansFailed     *prometheus.CounterVec
	SendDuration    *prometheus.HistogramVec

	// Ports
	PortsOpen *prometheus.GaugeVec

	// Sweeper
	Sweeps         prometheus.Counter
	ReclaimedNodes prometheus.Counter
	ReclaimedPorts *prometheus.CounterVec
	ReleasedChunks prometheus.Counter

	// Waits
	WaitWakeups *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		SamplesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_samples_sent_total",
				Help: "Samples published",
			},
			[]string{"service"},
		),
		SamplesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_samples_received_total",
				Help: "Samples taken by subscribers",
			},
			[]string{"service"},
		),
		SamplesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_samples_dropped_total",
				Help: "Samples a subscriber never got, by reason",
			},
			[]string{"service", "reason"},
		),
		LoansFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_loans_failed_total",
				Help: "Chunk loans refused for lack of memory or loan quota",
			},
			[]string{"service"},
		),
		SendDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "shmbus_send_duration_seconds",
				Help:    "Time spent delivering one sample",
				Buckets: []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, .001, .01, .1},
			},
			[]string{"service"},
		),
		PortsOpen: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shmbus_ports_open",
				Help: "Ports currently open in this node",
			},
			[]string{"kind"},
		),
		Sweeps: f.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_sweeps_total",
			Help: "Sweeper runs",
		}),
		ReclaimedNodes: f.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_reclaimed_nodes_total",
			Help: "Dead nodes reclaimed by this node",
		}),
		ReclaimedPorts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_reclaimed_ports_total",
				Help: "Ports of dead nodes reclaimed by this node",
			},
			[]string{"kind"},
		),
		ReleasedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "shmbus_released_chunks_total",
			Help: "Chunk references released on behalf of dead ports",
		}),
		WaitWakeups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmbus_wait_wakeups_total",
				Help: "Returns from blocking waits, by waiter and outcome",
			},
			[]string{"waiter", "outcome"},
		),
	}
}

const (
	dropDiscardNewest = "discard_newest"
	dropDiscardOldest = "discard_oldest"
	dropTimeout       = "timeout"
	dropLapped        = "lapped"
)
