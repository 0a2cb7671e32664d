package metrics

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/opensandbox/fleetctl/internal/compute"
	"github.com/opensandbox/fleetctl/internal/fleet"
)

// Run metrics
var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_runs_total",
			Help: "Total fleetctl runs by exit code",
		},
		[]string{"kind", "action", "environment", "exit_code"},
	)

	RunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_run_duration_seconds",
			Help:    "Wall time of a fleetctl run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"kind", "action"},
	)

	StagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_stages_total",
			Help: "Stages completed",
		},
		[]string{"action", "role"},
	)
)

// Node metrics
var (
	NodeOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_node_outcomes_total",
			Help: "Per-node lifecycle outcomes",
		},
		[]string{"action", "result", "phase"},
	)

	ConvergenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_convergence_duration_seconds",
			Help:    "Time for a node to reach its target status",
			Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"action"},
	)

	NodePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_node_polls_total",
			Help: "Status polls issued while converging",
		},
		[]string{"status"},
	)

	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_launches_total",
			Help: "Node launches by result",
		},
		[]string{"result"},
	)

	LaunchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetctl_launch_duration_seconds",
			Help:    "Time from launch request to running",
			Buckets: []float64{10, 30, 60, 120, 300, 600},
		},
		[]string{"instance_type"},
	)

	ConfigureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetctl_configure_total",
			Help: "Post-provision configuration tasks by result",
		},
		[]string{"result"},
	)
)

var collectors = []prometheus.Collector{
	RunsTotal,
	RunDuration,
	StagesTotal,
	NodeOutcomesTotal,
	ConvergenceDuration,
	NodePollsTotal,
	LaunchesTotal,
	LaunchDuration,
	ConfigureTotal,
}

func init() {
	prometheus.MustRegister(collectors...)
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartMetricsServer starts a standalone HTTP server serving /metrics on the given address.
func StartMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics: server on %s: %v", addr, err)
		}
	}()
	return srv
}

// Push sends the fleetctl collectors to a Prometheus Pushgateway, grouped by
// environment.
func Push(ctx context.Context, url, environment string) error {
	p := push.New(url, "fleetctl")
	for _, c := range collectors {
		p = p.Collector(c)
	}
	if environment != "" {
		p = p.Grouping("environment", environment)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

// Observer records run progress into the package collectors. When a
// Pushgateway URL is set, the collectors are pushed as each run finishes.
type Observer struct {
	fleet.NopObserver

	pushURL string

	mu          sync.Mutex
	action      fleet.Action
	environment string
}

// NewObserver creates a metrics observer. pushURL may be empty.
func NewObserver(pushURL string) *Observer {
	return &Observer{pushURL: pushURL}
}

func (o *Observer) RunStarted(plan *fleet.Plan) {
	o.mu.Lock()
	o.action = plan.Action
	o.environment = plan.Environment
	o.mu.Unlock()
}

func (o *Observer) NodePolled(_ *compute.Node, status compute.Status) {
	NodePollsTotal.WithLabelValues(string(status)).Inc()
}

func (o *Observer) NodeFinished(out fleet.Outcome) {
	NodeOutcomesTotal.WithLabelValues(string(out.Action), string(out.Result), out.Phase.String()).Inc()
	if out.Result == fleet.ResultSucceeded {
		ConvergenceDuration.WithLabelValues(string(out.Action)).Observe(out.Duration.Seconds())
	}
}

func (o *Observer) StageFinished(_ int, stage fleet.Stage) {
	o.mu.Lock()
	action := o.action
	o.mu.Unlock()
	StagesTotal.WithLabelValues(string(action), string(stage.Role)).Inc()
}

func (o *Observer) LaunchFinished(out fleet.LaunchOutcome) {
	result := "launched"
	if !out.Launched() {
		result = "failed"
	}
	LaunchesTotal.WithLabelValues(result).Inc()
	if out.Launched() {
		LaunchDuration.WithLabelValues(out.Request.InstanceType).Observe(out.Duration.Seconds())
	}
}

func (o *Observer) ConfigureFinished(out fleet.ConfigureOutcome) {
	result := "succeeded"
	if out.Err != nil {
		result = "failed"
	}
	ConfigureTotal.WithLabelValues(result).Inc()
}

func (o *Observer) RunFinished(r *fleet.Report) {
	env := r.Environment
	if env == "" {
		o.mu.Lock()
		env = o.environment
		o.mu.Unlock()
	}
	RunsTotal.WithLabelValues(string(r.Kind), string(r.Action), env, strconv.Itoa(r.ExitCode())).Inc()
	RunDuration.WithLabelValues(string(r.Kind), string(r.Action)).Observe(r.FinishedAt.Sub(r.StartedAt).Seconds())

	if o.pushURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Push(ctx, o.pushURL, env); err != nil {
		log.Printf("metrics: %v", err)
	}
}

var _ fleet.Observer = (*Observer)(nil)
