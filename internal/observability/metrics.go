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

// Collector bundles Prometheus metrics for the command surface, the topology
// store, the node registry and the event log, and provides helpers to wire
// them into gRPC servers and HTTP handlers.
type Collector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec

	TopologyStorageNodes prometheus.Gauge
	TopologyClients      prometheus.Gauge
	TopologyEdges        prometheus.Gauge

	RegistryOps *prometheus.CounterVec
	Events      *prometheus.CounterVec
}

// NewCollector registers netsim Prometheus metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_requests_total",
		Help: "Total number of handled RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"})
	requests, err := registerCounterVec(reg, requests, "netsim_requests_total")
	if err != nil {
		return nil, err
	}

	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netsim_request_duration_seconds",
		Help:    "RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"})
	durations, err = registerHistogramVec(reg, durations, "netsim_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	storageNodes, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsim_topology_storage_nodes",
		Help: "Current number of storage nodes in the topology.",
	}), "netsim_topology_storage_nodes")
	if err != nil {
		return nil, err
	}
	clients, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsim_topology_clients",
		Help: "Current number of client identities in the topology.",
	}), "netsim_topology_clients")
	if err != nil {
		return nil, err
	}
	edges, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netsim_topology_edges",
		Help: "Current number of connection edges in the topology.",
	}), "netsim_topology_edges")
	if err != nil {
		return nil, err
	}

	registryOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_registry_operations_total",
		Help: "Registry operations, labeled by operation and outcome.",
	}, []string{"op", "outcome"})
	registryOps, err = registerCounterVec(reg, registryOps, "netsim_registry_operations_total")
	if err != nil {
		return nil, err
	}

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netsim_events_total",
		Help: "Event log entries appended, labeled by severity.",
	}, []string{"severity"})
	events, err = registerCounterVec(reg, events, "netsim_events_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:             gatherer,
		RPCRequests:          requests,
		RPCDurations:         durations,
		TopologyStorageNodes: storageNodes,
		TopologyClients:      clients,
		TopologyEdges:        edges,
		RegistryOps:          registryOps,
		Events:               events,
	}, nil
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *Collector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
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
		code := status.Code(err).String()

		if c.RPCRequests != nil {
			c.RPCRequests.WithLabelValues(service, method, code).Inc()
		}
		if c.RPCDurations != nil {
			c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		}

		return resp, err
	}
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// SetTopologyCounts satisfies kb.MetricsRecorder so the topology store can
// drive gauge values directly from its mutators.
func (c *Collector) SetTopologyCounts(storageNodes, clients, edges int) {
	if c == nil {
		return
	}
	if c.TopologyStorageNodes != nil {
		c.TopologyStorageNodes.Set(float64(storageNodes))
	}
	if c.TopologyClients != nil {
		c.TopologyClients.Set(float64(clients))
	}
	if c.TopologyEdges != nil {
		c.TopologyEdges.Set(float64(edges))
	}
}

// ObserveRegistryOp satisfies registry.MetricsRecorder.
func (c *Collector) ObserveRegistryOp(op, outcome string) {
	if c == nil || c.RegistryOps == nil {
		return
	}
	c.RegistryOps.WithLabelValues(op, outcome).Inc()
}

// IncEvent satisfies eventlog.MetricsRecorder.
func (c *Collector) IncEvent(severity string) {
	if c == nil || c.Events == nil {
		return
	}
	c.Events.WithLabelValues(severity).Inc()
}

// RegisterEventStoreFailures exposes how many event log entries could not be
// persisted. failed is read on every scrape.
func RegisterEventStoreFailures(reg prometheus.Registerer, failed func() int) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return reg.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "netsim_event_store_failures_total",
		Help: "Event log entries that could not be written to the history database.",
	}, func() float64 { return float64(failed()) }))
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
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

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
