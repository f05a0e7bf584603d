package dealgrid

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/dealgrid/internal/version"
	"pkt.systems/pslog"
)

// nodeStatus is the snapshot the telemetry endpoints publish about a node.
type nodeStatus struct {
	UnitID     string
	HaltReason string
	Halted     bool
	Leader     bool
	Deals      int
	Holds      int
	LockNames  int
}

// statusFunc reports the current nodeStatus. It must be safe to call from
// any goroutine.
type statusFunc func() nodeStatus

// telemetryBundle owns the exporters and listeners started for a node. They
// are torn down in reverse start order.
type telemetryBundle struct {
	logger    pslog.Logger
	metricsLn net.Listener
	stack     []telemetryCloser
}

type telemetryCloser struct {
	name  string
	close func(context.Context) error
}

func (t *telemetryBundle) push(name string, fn func(context.Context) error) {
	t.stack = append(t.stack, telemetryCloser{name: name, close: fn})
}

// Shutdown stops everything that was started, newest first.
func (t *telemetryBundle) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for i := len(t.stack) - 1; i >= 0; i-- {
		c := t.stack[i]
		if err := c.close(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.shutdown.failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("telemetry: stop %s: %w", c.name, err))
		}
	}
	t.stack = nil
	if len(errs) == 0 {
		t.logger.Info("telemetry.shutdown.complete")
	}
	return errors.Join(errs...)
}

// MetricsAddr returns the bound metrics listener address, if any.
func (t *telemetryBundle) MetricsAddr() net.Addr {
	if t == nil || t.metricsLn == nil {
		return nil
	}
	return t.metricsLn.Addr()
}

// exporterErrors routes otel exporter errors to the node log. Dial retries
// while a collector is coming up are only worth a debug line.
type exporterErrors struct {
	logger pslog.Logger
}

func (h exporterErrors) Handle(err error) {
	if err == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// setupTelemetry starts the tracing exporter, the Prometheus metrics and
// health listener, and the pprof listener requested by cfg. It returns nil
// when cfg asks for none of them. status feeds /healthz and the node gauges;
// it may be nil.
func setupTelemetry(ctx context.Context, cfg Config, logger pslog.Logger, status statusFunc) (*telemetryBundle, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !cfg.EnableProfilingMetrics {
		return nil, nil
	}
	if cfg.EnableProfilingMetrics && metricsListen == "" {
		return nil, errors.New("telemetry: profiling metrics require metrics listen address")
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if status == nil {
		status = func() nodeStatus { return nodeStatus{UnitID: cfg.UnitID} }
	}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(
			semconv.ServiceName("dealgrid"),
			semconv.ServiceVersion(version.Current()),
			semconv.ServiceInstanceID(cfg.UnitID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	t := &telemetryBundle{logger: logger}
	abort := func(err error) (*telemetryBundle, error) {
		_ = t.Shutdown(ctx)
		return nil, err
	}

	if endpoint != "" {
		target, err := resolveOTLPTarget(endpoint)
		if err != nil {
			return nil, err
		}
		tp, err := newTracerProvider(ctx, target, res)
		if err != nil {
			return nil, err
		}
		t.push("tracing", tp.Shutdown)
		otel.SetTracerProvider(tp)
		logger.Info("telemetry.tracing.enabled", "protocol", target.protocol, "endpoint", target.endpoint, "path", target.path, "insecure", target.insecure)
	}

	if metricsListen != "" {
		registry := prometheus.NewRegistry()
		opts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
		if cfg.EnableProfilingMetrics {
			opts = append(opts, otelprometheus.WithProducer(otelruntime.NewProducer()))
		}
		exporter, err := otelprometheus.New(opts...)
		if err != nil {
			return abort(fmt.Errorf("telemetry: start prometheus exporter: %w", err))
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter))
		t.push("metrics", mp.Shutdown)
		otel.SetMeterProvider(mp)
		if err := registerNodeGauges(mp.Meter("pkt.systems/dealgrid"), status); err != nil {
			return abort(err)
		}
		if cfg.EnableProfilingMetrics {
			runtimeMetricsOnce.Do(func() {
				runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(mp))
			})
			if runtimeMetricsErr != nil {
				return abort(fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr))
			}
			logger.Info("profiling.metrics.enabled")
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		mux.Handle("/healthz", healthHandler(status))
		ln, err := serveHTTP(t, "metrics listener", metricsListen, mux)
		if err != nil {
			return abort(err)
		}
		t.metricsLn = ln
		logger.Info("telemetry.metrics.enabled", "listen", ln.Addr().String())
	}

	if pprofListen != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		ln, err := serveHTTP(t, "pprof listener", pprofListen, mux)
		if err != nil {
			return abort(err)
		}
		logger.Info("profiling.pprof.enabled", "listen", ln.Addr().String())
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetErrorHandler(exporterErrors{logger: logger})
	return t, nil
}

// healthHandler answers 200 while the node runs and 503 with the halt reason
// once it has halted.
func healthHandler(status statusFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st := status()
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if st.Halted {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "halted %s: %s\n", st.UnitID, st.HaltReason)
			return
		}
		fmt.Fprintf(w, "ok %s\n", st.UnitID)
	})
}

// registerNodeGauges exports the working-set, interlock and leadership state
// of the node on every scrape.
func registerNodeGauges(meter metric.Meter, status statusFunc) error {
	deals, err := meter.Int64ObservableGauge("dealgrid.deals.active",
		metric.WithDescription("Deals in the node's working set"))
	if err != nil {
		return fmt.Errorf("telemetry: deals gauge: %w", err)
	}
	holds, err := meter.Int64ObservableGauge("dealgrid.interlock.holds",
		metric.WithDescription("Interlocks currently granted by this unit"))
	if err != nil {
		return fmt.Errorf("telemetry: holds gauge: %w", err)
	}
	locks, err := meter.Int64ObservableGauge("dealgrid.exlock.names",
		metric.WithDescription("Local exclusive lock names held or awaited"))
	if err != nil {
		return fmt.Errorf("telemetry: lock names gauge: %w", err)
	}
	leader, err := meter.Int64ObservableGauge("dealgrid.node.leader",
		metric.WithDescription("1 while this node is the cluster leader"))
	if err != nil {
		return fmt.Errorf("telemetry: leader gauge: %w", err)
	}
	halted, err := meter.Int64ObservableGauge("dealgrid.node.halted",
		metric.WithDescription("1 once this node has halted"))
	if err != nil {
		return fmt.Errorf("telemetry: halted gauge: %w", err)
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		st := status()
		o.ObserveInt64(deals, int64(st.Deals))
		o.ObserveInt64(holds, int64(st.Holds))
		o.ObserveInt64(locks, int64(st.LockNames))
		o.ObserveInt64(leader, boolGauge(st.Leader))
		o.ObserveInt64(halted, boolGauge(st.Halted))
		return nil
	}, deals, holds, locks, leader, halted)
	if err != nil {
		return fmt.Errorf("telemetry: register node gauges: %w", err)
	}
	return nil
}

func boolGauge(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// serveHTTP binds addr, serves handler in the background and registers the
// server with t for shutdown.
func serveHTTP(t *telemetryBundle, name, addr string, handler http.Handler) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s on %s: %w", name, addr, err)
	}
	srv := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	t.push(name, srv.Shutdown)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "component", name, "error", err)
		}
	}()
	return ln, nil
}

func newTracerProvider(ctx context.Context, target otlpTarget, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch target.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target.endpoint), otlptracegrpc.WithTimeout(10 * time.Second)}
		if target.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure(), otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		} else {
			opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, ""))))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case "http":
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target.endpoint), otlptracehttp.WithTimeout(10 * time.Second)}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if target.path != "" && target.path != "/" {
			opts = append(opts, otlptracehttp.WithURLPath(target.path))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("telemetry: unsupported protocol %q", target.protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("telemetry: start trace exporter (%s): %w", target.protocol, err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	), nil
}

type otlpTarget struct {
	protocol string
	endpoint string
	path     string
	insecure bool
}

// otlpSchemes maps an endpoint scheme to its protocol, transport security
// and default port.
var otlpSchemes = map[string]struct {
	protocol string
	insecure bool
	port     string
}{
	"grpc":  {"grpc", true, "4317"},
	"grpcs": {"grpc", false, "4317"},
	"http":  {"http", true, "4318"},
	"https": {"http", false, "4318"},
}

// resolveOTLPTarget accepts a bare host[:port], taken as plaintext gRPC, or a
// grpc, grpcs, http or https URL.
func resolveOTLPTarget(raw string) (otlpTarget, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return otlpTarget{}, errors.New("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return otlpTarget{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := otlpSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return otlpTarget{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return otlpTarget{}, errors.New("telemetry: missing endpoint host")
	}
	endpoint := u.Host
	if u.Port() == "" {
		endpoint = net.JoinHostPort(u.Hostname(), scheme.port)
	}
	return otlpTarget{
		protocol: scheme.protocol,
		endpoint: endpoint,
		path:     strings.TrimSuffix(u.Path, "/"),
		insecure: scheme.insecure,
	}, nil
}
