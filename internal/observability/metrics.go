package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "carpool"

var (
	BookingOps = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "booking_operations_total", Help: "Booking engine operations by result"},
		[]string{"op", "result"},
	)
	BookingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "booking_operation_seconds", Help: "Booking engine operation latency", Buckets: prometheus.DefBuckets},
		[]string{"op"},
	)
	SeatsReserved      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "seats_reserved_total", Help: "Seats taken by accepted requests"})
	SeatsReleased      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "seats_released_total", Help: "Seats returned by cancellations"})
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "side_effect_failures_total", Help: "Best-effort side effects that failed after a committed transition"},
		[]string{"kind"},
	)

	WatchdogSweeps   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "watchdog_sweeps_total", Help: "Watchdog sweeps run"})
	WatchdogOnHold   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "watchdog_on_hold_total", Help: "Rides put on hold by the watchdog"})
	WatchdogFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "watchdog_failures_total", Help: "Watchdog sweeps that failed"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notification deliveries by channel and result"},
		[]string{"channel", "result"},
	)
	RemindersFired = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reminders_fired_total", Help: "Scheduled reminders delivered"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Lifecycle events published by sink and result"},
		[]string{"sink", "result"},
	)
	WSSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_ride_subscribers", Help: "Open ride event subscriptions"})

	ConsumerMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "consumer_messages_total", Help: "Ride events consumed by result"},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
