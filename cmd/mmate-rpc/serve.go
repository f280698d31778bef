package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"time"

	mmate "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/monitor"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

type serveOptions struct {
	concurrency int
	echoDelay   time.Duration
	metricsAddr string

	// transport overrides the RabbitMQ transport when set
	transport mmate.TransportFactory
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	serve := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer requests with an echo handler",
		Long:  "Consumes the request queue and replies {\"value\": v} for every {\"value\": v} request after a random delay.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if serve.echoDelay < 0 {
				return fmt.Errorf("echo delay cannot be negative, got %v", serve.echoDelay)
			}
			app := newServeApp(opts, serve)
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().IntVarP(&serve.concurrency, "concurrency", "c", messaging.DefaultConcurrency, "Requests handled at once")
	cmd.Flags().DurationVar(&serve.echoDelay, "echo-delay", 500*time.Millisecond, "Upper bound of the random delay before each reply")
	cmd.Flags().StringVar(&serve.metricsAddr, "metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address (e.g. :9090)")

	return cmd
}

func newServeApp(opts *globalOptions, serve *serveOptions) *fx.App {
	return fx.New(serveModule(opts, serve))
}

func serveModule(opts *globalOptions, serve *serveOptions) fx.Option {
	return fx.Options(
		fx.Supply(opts, serve),
		fx.Provide(
			func(o *globalOptions) *slog.Logger { return o.logger() },
			func() *monitor.PrometheusCollector { return monitor.NewPrometheusCollector() },
			monitor.NewHealthRegistry,
			newServeClient,
		),
		fx.Invoke(registerResponder, registerHTTPServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
	)
}

func newServeClient(o *globalOptions, s *serveOptions, logger *slog.Logger, collector *monitor.PrometheusCollector) (*mmate.Client, error) {
	options := []mmate.ClientOption{
		mmate.WithConcurrency(s.concurrency),
		mmate.WithMetrics(collector),
	}
	if s.transport != nil {
		options = append(options, mmate.WithTransportFactory(s.transport))
	}
	return o.client(logger, 0, options...)
}

func registerResponder(lc fx.Lifecycle, o *globalOptions, s *serveOptions, client *mmate.Client, health *monitor.HealthRegistry, logger *slog.Logger) {
	var responder *messaging.Responder

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			r, err := client.NewResponder(ctx, o.queue, echoHandler(s.echoDelay))
			if err != nil {
				return fmt.Errorf("failed to start responder: %w", err)
			}
			responder = r
			health.Register(monitor.NewResponderChecker("responder", r, s.concurrency))
			logger.Info("Responder listening",
				"queue", o.queue,
				"endpoint", client.Endpoint(),
				"concurrency", s.concurrency)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if responder == nil {
				return nil
			}
			return responder.Close()
		},
	})
}

// registerHTTPServer serves metrics and health probes when --metrics-addr is set
func registerHTTPServer(lc fx.Lifecycle, o *globalOptions, s *serveOptions, collector *monitor.PrometheusCollector, health *monitor.HealthRegistry, logger *slog.Logger) {
	if s.metricsAddr == "" {
		return
	}

	health.SetMetadata("queue", o.queue)
	health.SetMetadata("version", version)
	health.Register(monitor.NewMemoryChecker(512, 2048))

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.Handle("/healthz", monitor.HealthHandler(health, 5*time.Second))
	mux.Handle("/readyz", monitor.ReadinessHandler(health, 5*time.Second))
	server := &http.Server{Addr: s.metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", s.metricsAddr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", s.metricsAddr, err)
			}
			go func() {
				if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("Metrics server stopped", "error", err)
				}
			}()
			logger.Info("Serving metrics and health", "addr", ln.Addr().String())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}

// echoHandler replies with the request value after a random delay in [0, maxDelay)
func echoHandler(maxDelay time.Duration) messaging.Handler {
	return messaging.HandlerFunc(func(ctx context.Context, req *messaging.Request) (any, error) {
		var body valueMessage
		if err := req.Decode(&body); err != nil {
			return nil, err
		}

		if maxDelay > 0 {
			delay := time.Duration(rand.Int63n(int64(maxDelay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return valueMessage{Value: body.Value}, nil
	})
}
