package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/fenceit/trackit/internal/auth"
	"github.com/fenceit/trackit/internal/events"
	"github.com/fenceit/trackit/internal/metrics"
	grpcserver "github.com/fenceit/trackit/internal/server/grpc"
	"github.com/fenceit/trackit/internal/service"
)

const shutdownGrace = 5 * time.Second

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gRPC API and the recompute workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(f, func(ctx context.Context, a *app) error {
				return serve(ctx, a, f.dev)
			})
		},
	}
}

func serve(ctx context.Context, a *app, dev bool) error {
	cfg, log := a.cfg, a.log
	if cfg.Server.JWTKey == "" {
		return errors.New("missing jwt signing key (server.jwt_key or TRACKIT_JWT_KEY)")
	}
	log.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.Server.ListenAddr),
		zap.String("store", cfg.Store),
		zap.Bool("transactional", cfg.Recompute.Transactional),
	)

	dispatcher := events.NewDispatcher(a.core, log, a.met, a.dispatcherOptions())
	jobs := service.NewJobService(a.docs, dispatcher, a.agg, log)
	tokens := auth.NewTokens([]byte(cfg.Server.JWTKey), cfg.Server.AccessTTL)

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			grpcserver.RecoverUnary(log),
			grpcserver.AuthUnary(tokens),
			grpcserver.LoggingUnary(log),
		),
	}
	if cfg.Server.TLSCert != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.Server.TLSCert, cfg.Server.TLSKey)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		log.Warn("TLS disabled; serving plaintext gRPC")
	}
	s := grpc.NewServer(opts...)
	grpcserver.Register(s, grpcserver.New(jobs, a.backfiller(), a.daily()))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	if dev || cfg.Server.Reflection {
		reflection.Register(s)
	}

	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	// The dispatcher outlives in-flight RPCs so their events are still queued and drained.
	dctx, stopDispatcher := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatcher()

	var metricsSrv *http.Server
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(a.reg))
		metricsSrv = &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(dctx) })
	g.Go(func() error {
		log.Info("listening", zap.String("addr", lis.Addr().String()), zap.Bool("tls", cfg.Server.TLSCert != ""))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	if metricsSrv != nil {
		g.Go(func() error {
			log.Info("metrics listening", zap.String("addr", metricsSrv.Addr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", err)
			}
			return nil
		})
	}

	<-gctx.Done()
	log.Info("shutting down")
	hs.Shutdown()

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.Stop()
	}
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		_ = metricsSrv.Shutdown(sctx)
		cancel()
	}
	stopDispatcher()

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}
