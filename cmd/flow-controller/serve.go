package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/flow-orchestrator/internal/flowhs"
	"github.com/signalsfoundry/flow-orchestrator/internal/history"
	"github.com/signalsfoundry/flow-orchestrator/internal/logging"
	"github.com/signalsfoundry/flow-orchestrator/internal/observability"
	"github.com/signalsfoundry/flow-orchestrator/internal/persistence/memory"
	"github.com/signalsfoundry/flow-orchestrator/internal/resources"
	"github.com/signalsfoundry/flow-orchestrator/internal/runtime"
	"github.com/signalsfoundry/flow-orchestrator/internal/speaker"
	"github.com/signalsfoundry/flow-orchestrator/internal/topology"
	"github.com/signalsfoundry/flow-orchestrator/model"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// controller runs one `serve` invocation.
type controller struct {
	cfg Config
	log logging.Logger
	// registry defaults to a fresh prometheus registry.
	registry *prometheus.Registry
	// onResponse, when set, sees every northbound response after it is logged.
	onResponse func(flowhs.Response)
	// onReady, when set, is called once the runtime accepts requests.
	onReady func(*runtime.Runtime)
}

func (c *controller) run(ctx context.Context) error {
	log := c.log
	topo := &topology.Topology{}
	if c.cfg.Topology != "" {
		loaded, err := topology.Load(c.cfg.Topology)
		if err != nil {
			return err
		}
		topo = loaded
	}

	store := memory.NewStore()
	if err := topo.Apply(ctx, store); err != nil {
		return err
	}
	log.Info(ctx, "topology loaded",
		logging.String("path", c.cfg.Topology),
		logging.Int("switches", len(topo.Nodes)),
		logging.Int("links", len(topo.Links)),
		logging.String("capacity", bandwidth(topo.TotalBandwidth())),
	)

	reg := c.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	orchMetrics, err := observability.NewOrchestratorCollector(reg)
	if err != nil {
		return fmt.Errorf("orchestrator metrics: %w", err)
	}
	speakerMetrics, err := observability.NewSpeakerCollector(reg)
	if err != nil {
		return fmt.Errorf("speaker metrics: %w", err)
	}

	shutdownTracing, err := observability.InitTracing(ctx, c.cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	sink, err := newHistorySink(c.cfg.History, log)
	if err != nil {
		return err
	}
	mgr, err := resources.NewManager(c.cfg.Resources, log)
	if err != nil {
		return err
	}

	var closers []func()
	fail := func(err error) error {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		return err
	}

	target := c.cfg.SpeakerAddr
	var speakerSrv *grpc.Server
	var speakerLis net.Listener
	if target == "" {
		speakerLis, err = net.Listen("tcp", c.cfg.SpeakerListen)
		if err != nil {
			return fmt.Errorf("listen speaker %s: %w", c.cfg.SpeakerListen, err)
		}
		closers = append(closers, func() { _ = speakerLis.Close() })
		agent := speaker.NewSwitchAgent(log, topo.Switches()...)
		agent.OnRulesChanged(func(sw model.SwitchID, rules int) {
			speakerMetrics.SetInstalledRules(sw.String(), rules)
		})
		speakerSrv = speaker.NewGRPCServer(grpc.ChainUnaryInterceptor(
			speaker.CorrelationUnaryServerInterceptor(log),
			speakerMetrics.UnaryServerInterceptor(),
		))
		speaker.NewServer(agent, log).Register(speakerSrv)
		target = speakerLis.Addr().String()
	}

	var metricsSrv *http.Server
	var metricsLis net.Listener
	if c.cfg.MetricsAddr != "" {
		metricsLis, err = net.Listen("tcp", c.cfg.MetricsAddr)
		if err != nil {
			return fail(fmt.Errorf("listen metrics %s: %w", c.cfg.MetricsAddr, err))
		}
		closers = append(closers, func() { _ = metricsLis.Close() })
		mux := http.NewServeMux()
		mux.Handle("/metrics", orchMetrics.Handler())
		metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	conn, err := speaker.Dial(target)
	if err != nil {
		return fail(err)
	}
	defer conn.Close()

	rt, err := runtime.New(c.cfg.Runtime, runtime.Deps{
		Store:     store,
		Resources: mgr,
		Speaker:   speaker.NewClient(conn, log, c.cfg.SpeakerRequestTimeout),
		History:   sink,
		Metrics:   orchMetrics,
		Log:       log,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, rt.Stop)

	g, gctx := errgroup.WithContext(ctx)
	if err := rt.Start(gctx); err != nil {
		return fail(err)
	}
	if speakerSrv != nil {
		log.Info(ctx, "serving simulated speaker", logging.String("addr", target))
		g.Go(func() error {
			if err := speakerSrv.Serve(speakerLis); err != nil {
				return fmt.Errorf("speaker server: %w", err)
			}
			return nil
		})
	}
	if metricsSrv != nil {
		log.Info(ctx, "serving Prometheus metrics", logging.String("addr", metricsLis.Addr().String()))
		g.Go(func() error {
			if err := metricsSrv.Serve(metricsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case resp := <-rt.Responses():
				c.report(gctx, resp)
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down flow controller")
		rt.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if speakerSrv != nil {
			speakerSrv.GracefulStop()
		}
		return nil
	})

	for _, req := range topo.Requests() {
		if _, err := rt.CreateFlow(gctx, "bootstrap-"+req.FlowID, req); err != nil {
			log.Warn(gctx, "bootstrap flow rejected", logging.String("flow_id", req.FlowID), logging.Err(err))
		}
	}
	if c.onReady != nil {
		c.onReady(rt)
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *controller) report(ctx context.Context, resp flowhs.Response) {
	ctx = logging.ContextWithCorrelationID(ctx, resp.Key)
	fields := []logging.Field{
		logging.String("flow_id", resp.FlowID),
		logging.String("operation", string(resp.Operation)),
		logging.String("outcome", resp.Outcome),
	}
	if resp.Forward != nil {
		fields = append(fields,
			logging.Int("hops", len(resp.Forward.Segments)),
			logging.Duration("latency", resp.Forward.Latency),
		)
	}
	if resp.PathChanged {
		fields = append(fields, logging.Bool("path_changed", true))
	}
	switch {
	case resp.Success:
		c.log.Info(ctx, "flow operation succeeded", fields...)
	case resp.Error != nil:
		fields = append(fields,
			logging.String("kind", string(resp.Error.Kind)),
			logging.String("error", resp.Error.Message),
		)
		c.log.Warn(ctx, "flow operation failed", fields...)
	default:
		c.log.Warn(ctx, "flow operation failed", fields...)
	}
	if c.onResponse != nil {
		c.onResponse(resp)
	}
}

func newHistorySink(cfg HistoryConfig, log logging.Logger) (history.Sink, error) {
	switch cfg.Sink {
	case "", "log":
		return history.NewLogSink(log), nil
	case "memory":
		return history.NewMemorySink(), nil
	case "s3":
		s3, err := history.NewObjectStoreSink(cfg.S3, log)
		if err != nil {
			return nil, err
		}
		return history.MultiSink{history.NewLogSink(log), s3}, nil
	default:
		return nil, fmt.Errorf("unknown history sink %q", cfg.Sink)
	}
}

// bandwidth renders kbps with an SI prefix.
func bandwidth(kbps int64) string {
	return humanize.SI(float64(kbps)*1000, "bps")
}
