package availability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var availabilityChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "availability_checks_total",
	Help: "Driver availability checks grouped by outcome.",
}, []string{"result"})
