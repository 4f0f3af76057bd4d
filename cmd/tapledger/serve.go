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
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/BrandonDHaskell/Tapledger/server/internal/feed"
	"github.com/BrandonDHaskell/Tapledger/server/internal/httpapi"
	"github.com/BrandonDHaskell/Tapledger/server/internal/publish"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion API, ledger feed and background monitors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := cfg.NewLogger(os.Stdout)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.seed(ctx); err != nil {
			return err
		}

		if len(cfg.KafkaBrokers) > 0 {
			pub, err := publish.New(publish.Config{
				Brokers:  cfg.KafkaBrokers,
				Topic:    cfg.KafkaTopic,
				ClientID: "tapledger",
			}, logger)
			if err != nil {
				return fmt.Errorf("kafka: %w", err)
			}
			a.seq.OnCommit(pub.Publish)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := pub.Close(flushCtx); err != nil {
					logger.Warn("kafka flush incomplete", "error", err)
				}
			}()
		}

		srv := httpapi.NewServer(httpapi.Dependencies{
			Logger:     logger,
			Addr:       cfg.HTTPAddr,
			Registry:   a.devices,
			Heartbeats: a.heartbeats,
			Ingestor:   a.ingestor,
			Reconciler: a.reconciler,
			Sequencer:  a.seq,
			Roster:     a.roster,
			Verifier:   a.verifier,
			Replayer:   a.replayer,
			Health:     a.health,
			Gatherer:   a.registry,
		})

		a.watchdog.Start(ctx)
		defer a.watchdog.Stop()
		a.pruner.Start(ctx)
		defer a.pruner.Stop()

		g, gctx := errgroup.WithContext(ctx)

		var (
			grpcServer *grpc.Server
			hs         *feed.Health
		)
		if cfg.GRPCAddr != "" {
			lis, err := net.Listen("tcp", cfg.GRPCAddr)
			if err != nil {
				return fmt.Errorf("grpc listen: %w", err)
			}
			grpcServer = grpc.NewServer()
			feed.NewServer(a.seq, cfg.ReplayPageSize, logger).Register(grpcServer)
			hs = feed.NewHealth()
			hs.Register(grpcServer)
			a.health.OnStatus(hs.SetStatus)

			g.Go(func() error {
				logger.Info("grpc listening", "addr", cfg.GRPCAddr)
				return grpcServer.Serve(lis)
			})
		}

		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.HTTPAddr, "env", cfg.Env, "db", cfg.DBDriver)
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http: %w", err)
			}
			return nil
		})

		g.Go(func() error { return a.health.Run(gctx) })

		g.Go(func() error {
			<-gctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if grpcServer != nil {
				hs.Shutdown()
				// Feed subscribers hold their streams open indefinitely.
				stopped := make(chan struct{})
				go func() {
					grpcServer.GracefulStop()
					close(stopped)
				}()
				select {
				case <-stopped:
				case <-shutdownCtx.Done():
					grpcServer.Stop()
				}
			}
			return srv.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			logger.Error("server error", "error", err)
			return err
		}
		return nil
	},
}
