package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hire_notifications_total",
		Help: "Push notifications grouped by kind and outcome.",
	}, []string{"kind", "result"})

	supersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hire_superseded_requests_total",
		Help: "Pending requests notified as displaced by an acceptance.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hire_notify_queue_depth",
		Help: "Jobs waiting in the notification queue.",
	})

	queueLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hire_notify_queue_seconds",
		Help:    "Time a notification job spent queued.",
		Buckets: prometheus.DefBuckets,
	})
)
