package hostexec

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric label values for command outcomes.
const (
	outcomeOK          = "ok"
	outcomeNonZero     = "nonzero"
	outcomeTimeout     = "timeout"
	outcomeUnreachable = "unreachable"
	outcomeRejected    = "rejected"
	outcomeError       = "error"
)

var commandDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "anvil_host_command_seconds",
		Help:    "Duration of host backend commands, in seconds.",
		Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
	},
	[]string{"backend", "program", "outcome"},
)

func init() {
	prometheus.MustRegister(commandDuration)
}

// observe records one command invocation.
func observe(backend, program string, start time.Time, res Result, err error) {
	commandDuration.WithLabelValues(backend, program, outcomeOf(res, err)).Observe(time.Since(start).Seconds())
}

func outcomeOf(res Result, err error) string {
	var connErr *ConnectivityError
	switch {
	case err == nil && res.OK():
		return outcomeOK
	case err == nil:
		return outcomeNonZero
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.As(err, &connErr):
		return outcomeUnreachable
	case errors.Is(err, ErrCommandNotAllowed), errors.Is(err, ErrValidation):
		return outcomeRejected
	default:
		return outcomeError
	}
}
