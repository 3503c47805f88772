package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	// MailChimp API traffic
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailchimp_api_requests_total",
			Help: "Total number of requests sent to the MailChimp API",
		},
		[]string{"code", "method"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailchimp_api_request_duration_seconds",
			Help:    "Duration of MailChimp API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"code", "method"},
	)

	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailchimp_api_requests_in_flight",
			Help: "Number of MailChimp API requests currently in flight",
		},
	)
)

func init() {
	ctrlmetrics.Registry.MustRegister(RequestsTotal, RequestDuration, RequestsInFlight)
}

// InstrumentTransport wraps next so every MailChimp call is counted and
// timed. A nil next means http.DefaultTransport.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperInFlight(RequestsInFlight,
		promhttp.InstrumentRoundTripperCounter(RequestsTotal,
			promhttp.InstrumentRoundTripperDuration(RequestDuration, next),
		),
	)
}
