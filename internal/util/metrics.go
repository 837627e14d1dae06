package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_reserved_total",
		Help: "Total number of pending bookings created with an open checkout",
	}, []string{"provider"})

	ReservationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_reserve_failed_total",
		Help: "Total number of failed reservation attempts",
	}, []string{"reason"})

	BookingsConfirmedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_confirmed_total",
		Help: "Total number of bookings confirmed by a payment notification",
	}, []string{"provider"})

	BookingsCancelledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_cancelled_total",
		Help: "Total number of pending bookings cancelled by the renter",
	})

	BookingsFlaggedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_flagged_total",
		Help: "Total number of captured payments flagged for manual reconciliation",
	}, []string{"reason"})

	WebhooksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_total",
		Help: "Total number of payment webhooks by outcome",
	}, []string{"provider", "outcome"})

	ConfirmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "booking_confirm_latency_seconds",
		Help:    "Latency of the confirmation transaction",
		Buckets: prometheus.DefBuckets,
	})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of outbound payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	GatewayErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_gateway_errors_total",
		Help: "Total number of failed payment gateway calls",
	}, []string{"provider", "operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
