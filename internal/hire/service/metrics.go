package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	createdTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hire_requests_created_total",
		Help: "Hire request creations by outcome.",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hire_request_transitions_total",
		Help: "Status transition attempts by source, target and outcome.",
	}, []string{"from", "to", "result"})
)
