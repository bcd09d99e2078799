package matchmaker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/koopa0/system-design/14-matchmaker/pkg/errors"
)

type metrics struct {
	rooms       prometheus.Gauge
	requests    *prometheus.CounterVec
	seats       *prometheus.CounterVec
	remoteCalls *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, processID string) (*metrics, error) {
	constLabels := prometheus.Labels{"process_id": processID}
	m := &metrics{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "matchmaker_rooms",
			Help:        "Rooms owned by this process.",
			ConstLabels: constLabels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matchmaker_requests_total",
			Help:        "Matchmaking requests by method and outcome.",
			ConstLabels: constLabels,
		}, []string{"method", "outcome"}),
		seats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "matchmaker_seat_reservations_total",
			Help:        "Seat reservation attempts by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		remoteCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "matchmaker_remote_call_duration_seconds",
			Help:        "Room call latency, local or over IPC.",
			ConstLabels: constLabels,
			Buckets:     []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}, []string{"kind"}),
	}

	for _, c := range []prometheus.Collector{m.rooms, m.requests, m.seats, m.remoteCalls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// observeRequest outcome 為 ok 或錯誤碼名稱
func (m *metrics) observeRequest(method string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if code := apperrors.CodeOf(err); code != apperrors.CodeNone {
			outcome = code.String()
		}
	}
	m.requests.WithLabelValues(method, outcome).Inc()
}

func (m *metrics) observeRemoteCall(kind string, start time.Time, now time.Time) {
	m.remoteCalls.WithLabelValues(kind).Observe(now.Sub(start).Seconds())
}
