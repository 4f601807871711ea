// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_proc_terminate_total",
		Help: "Signals sent to fetch process groups by result",
	}, []string{"signal", "result"}) // result=sent|esrch|error

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidgate_proc_wait_total",
		Help: "Terminated process wait outcomes",
	}, []string{"outcome"}) // outcome=exit0|exit_nonzero|forced_exit0|forced_error
)

// IncProcTerminate counts a signal delivery attempt to a process group.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts how a terminated process finally exited.
func IncProcWait(outcome string) {
	procWait.WithLabelValues(outcome).Inc()
}
