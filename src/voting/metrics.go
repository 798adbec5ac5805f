package voting

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service counters. A nil Registerer yields unregistered collectors.
type Metrics struct {
	proposals   prometheus.Counter
	votes       *prometheus.CounterVec
	deletes     *prometheus.CounterVec
	storeErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		proposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "govvote",
			Name:      "proposals_created_total",
			Help:      "Proposals accepted by the store.",
		}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govvote",
			Name:      "votes_total",
			Help:      "Vote attempts by outcome.",
		}, []string{"result"}),
		deletes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govvote",
			Name:      "deletes_total",
			Help:      "Delete attempts by outcome.",
		}, []string{"result"}),
		storeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "govvote",
			Name:      "store_errors_total",
			Help:      "Backing store failures by operation.",
		}, []string{"op"}),
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyVoted):
		return "already_voted"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	default:
		return "error"
	}
}
