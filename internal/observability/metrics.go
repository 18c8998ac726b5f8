package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// SpeakerCollector bundles Prometheus metrics for the speaker gRPC surface.
type SpeakerCollector struct {
	gatherer prometheus.Gatherer

	Requests       *prometheus.CounterVec
	Durations      *prometheus.HistogramVec
	InstalledRules *prometheus.GaugeVec
}

// NewSpeakerCollector registers speaker metrics against reg, defaulting to
// the global Prometheus registry when nil.
func NewSpeakerCollector(reg prometheus.Registerer) (*SpeakerCollector, error) {
	reg, gatherer := registryOrDefault(reg)

	requests, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "speaker_requests_total",
		Help: "Speaker commands handled, labeled by method and gRPC status code.",
	}, []string{"method", "code"}), "speaker_requests_total")
	if err != nil {
		return nil, err
	}

	durations, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "speaker_request_duration_seconds",
		Help:    "Speaker command latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method"}), "speaker_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	rules, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speaker_installed_rules",
		Help: "Rules currently held by each simulated switch.",
	}, []string{"switch"}), "speaker_installed_rules")
	if err != nil {
		return nil, err
	}

	return &SpeakerCollector{
		gatherer:       gatherer,
		Requests:       requests,
		Durations:      durations,
		InstalledRules: rules,
	}, nil
}

// UnaryServerInterceptor records request counts and durations.
func (c *SpeakerCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		label := service + "/" + method

		if c.Requests != nil {
			c.Requests.WithLabelValues(label, status.Code(err).String()).Inc()
		}
		if c.Durations != nil {
			c.Durations.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
		return resp, err
	}
}

// SetInstalledRules updates the rule gauge of one switch.
func (c *SpeakerCollector) SetInstalledRules(sw string, rules int) {
	if c == nil || c.InstalledRules == nil {
		return
	}
	c.InstalledRules.WithLabelValues(sw).Set(float64(rules))
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SpeakerCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown" for parts it cannot find.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registryOrDefault(reg prometheus.Registerer) (prometheus.Registerer, prometheus.Gatherer) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	return reg, gatherer
}

func handlerFor(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// register adds c to reg, reusing an already registered collector of the
// same type.
func register[C prometheus.Collector](reg prometheus.Registerer, c C, name string) (C, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
			var zero C
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero C
		return zero, err
	}
	return c, nil
}
