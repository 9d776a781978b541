// Package metrics exports usecase observations as prometheus counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"convsync/internal/usecase"
)

const namespace = "convsync"

// Observer implements usecase.Observer.
type Observer struct {
	bestEffort *prometheus.CounterVec
	attempts   *prometheus.CounterVec
}

var _ usecase.Observer = (*Observer)(nil)

// NewObserver registers its collectors with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		bestEffort: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "best_effort_writes_total",
			Help:      "Fire-and-forget writes by operation and result.",
		}, []string{"op", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Message transmit attempts by attempt number and classified result.",
		}, []string{"attempt", "result"}),
	}
	for _, c := range []prometheus.Collector{o.bestEffort, o.attempts} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) BestEffort(op, _ string, err error) {
	o.bestEffort.WithLabelValues(op, result(err)).Inc()
}

func (o *Observer) SendAttempt(attempt int, err error) {
	o.attempts.WithLabelValues(strconv.Itoa(attempt), result(err)).Inc()
}

// result is "ok", or the classified error code in lower case.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case usecase.Classify(err) == usecase.ErrorPermanent:
		return "permanent"
	case usecase.Classify(err) == usecase.ErrorTransient:
		return "transient"
	default:
		return "error"
	}
}
