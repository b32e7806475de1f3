package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/netsim/internal/api"
	"github.com/signalsfoundry/netsim/internal/config"
	"github.com/signalsfoundry/netsim/internal/directory/testnet"
	"github.com/signalsfoundry/netsim/internal/httpapi"
	"github.com/signalsfoundry/netsim/internal/logging"
	"github.com/signalsfoundry/netsim/internal/observability"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulator with its gRPC and HTTP surfaces",
		Long: `Starts the simulation engine on an in-process test network and serves
the Simulator gRPC service, the HTTP read API with its websocket feed, and
Prometheus metrics until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
				cfg.GRPCAddr = v
			}
			if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
				cfg.HTTPAddr = v
			}
			if cmd.Flags().Changed("nodes") {
				cfg.Simulation.InitialNodes, _ = cmd.Flags().GetInt("nodes")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Logging))
		},
	}
	cmd.Flags().String("grpc-addr", "", "Override the gRPC listen address")
	cmd.Flags().String("http-addr", "", "Override the HTTP listen address")
	cmd.Flags().Int("nodes", 0, "Storage nodes to provision once the network starts")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// runServe blocks until ctx is cancelled, then shuts every surface down.
func runServe(ctx context.Context, cfg *config.Config, log logging.Logger) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	eng, err := newEngine(ctx, engineOptions{
		cfg: cfg,
		dir: testnet.New(testnet.WithLogger(log)),
		log: log,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(closeCtx); err != nil {
			log.Warn(closeCtx, "engine close failed", logging.Err(err))
		}
	}()

	if cfg.Simulation.StartNetwork {
		if err := startNetwork(ctx, eng, cfg.Simulation.InitialNodes, log); err != nil {
			return err
		}
	}

	grpcServer := api.NewServer(api.NewService(eng.sim, log), log, eng.metrics)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}
	log.Info(ctx, "starting Simulator gRPC server", logging.String("addr", lis.Addr().String()))
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error(ctx, "gRPC server exited", logging.Err(err))
		}
	}()

	httpOpts := []httpapi.Option{
		httpapi.WithLogger(log),
		httpapi.WithMetricsHandler(eng.metrics.Handler()),
	}
	if eng.store != nil {
		httpOpts = append(httpOpts, httpapi.WithHistory(eng.store))
	}
	web := httpapi.New(eng.sim, httpOpts...)
	feedCtx, stopFeed := context.WithCancel(context.WithoutCancel(ctx))
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		web.Run(feedCtx)
	}()
	httpSrv := serveHTTP(ctx, cfg.HTTPAddr, web, log)

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", eng.metrics.Handler())
		metricsSrv = serveHTTP(ctx, cfg.MetricsAddr, mux, log)
	}

	<-ctx.Done()
	log.Info(context.Background(), "shutting down netsim server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopFeed()
	<-feedDone
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	grpcServer.GracefulStop()
	return nil
}

// startNetwork starts the network and provisions nodes storage nodes without
// waiting for them to become ready.
func startNetwork(ctx context.Context, eng *engine, nodes int, log logging.Logger) error {
	if err := eng.sim.StartNetwork(ctx); err != nil {
		return fmt.Errorf("starting network: %w", err)
	}
	if nodes == 0 {
		return nil
	}
	handles, err := eng.sim.ProvisionStorageNodes(ctx, nodes)
	if err != nil {
		return fmt.Errorf("provisioning storage nodes: %w", err)
	}
	log.Info(ctx, "provisioning storage nodes", logging.Int("count", len(handles)))
	return nil
}

func serveHTTP(ctx context.Context, addr string, h http.Handler, log logging.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "HTTP server exited", logging.String("addr", addr), logging.Err(err))
		}
	}()
	log.Info(ctx, "serving HTTP", logging.String("addr", addr))
	return srv
}
