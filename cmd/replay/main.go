package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/cartridge/selfsup/internal/config"
	"github.com/cartridge/selfsup/internal/httpapi"
	"github.com/cartridge/selfsup/internal/logging"
	"github.com/cartridge/selfsup/internal/replayapi"
	"github.com/cartridge/selfsup/internal/sampler"
)

var (
	v          = viper.New()
	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "replay",
	Short: "Episode replay service",
	Long: `Replay stores episodes pushed by actors and serves window batches
over gRPC. A read-only HTTP API exposes buffer stats, valid window
indices and sample batches.`,
	RunE:          runReplay,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	d := config.Default()
	f := rootCmd.Flags()
	f.StringVar(&configFile, "config", "", "Config file (yaml, json or toml)")
	f.String("grpc-addr", d.Server.GRPCAddr, "gRPC listen address")
	f.String("http-addr", d.Server.HTTPAddr, "HTTP listen address; empty disables it")
	f.Int("max-episodes", d.Sampler.MaxEpisodes, "Episodes kept before the oldest is evicted (0 keeps all)")
	f.String("variant", d.Sampler.Variant, "Window variant (frames, frames-actions)")
	f.Int("num-frames", d.Sampler.NumFrames, "Frames per window")
	f.Int("stride", d.Sampler.Stride, "Frame stride within a window")
	f.Int("batch-size", d.Sampler.BatchSize, "Default batch size")
	f.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")

	for flag, key := range map[string]string{
		"grpc-addr":    "server.grpc_addr",
		"http-addr":    "server.http_addr",
		"max-episodes": "sampler.max_episodes",
		"variant":      "sampler.variant",
		"num-frames":   "sampler.num_frames",
		"stride":       "sampler.stride",
		"batch-size":   "sampler.batch_size",
		"log-level":    "log_level",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := logging.New(os.Stdout, cfg.LogLevel)
	if err != nil {
		return err
	}

	ds, err := cfg.Sampler.NewSampler(0)
	if err != nil {
		return err
	}

	server := grpc.NewServer(grpc.UnaryInterceptor(replayapi.LoggingInterceptor(logger)))
	replayapi.Register(server, replayapi.NewService(ds, logger))
	// Enable reflection for development
	reflection.Register(server)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info().Str("addr", lis.Addr().String()).Msg("replay gRPC server starting")
		if err := server.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var httpSrv *http.Server
	if cfg.Server.HTTPAddr != "" {
		api := httpapi.NewServer(map[string]*sampler.DataSampler{"replay": ds}, nil, logger)
		httpSrv = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
		}
		go func() {
			logger.Info().Str("addr", cfg.Server.HTTPAddr).Msg("replay HTTP server starting")
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down gracefully")
	case serveErr = <-errCh:
		logger.Error().Err(serveErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http shutdown failed")
		}
	}

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-shutdownCtx.Done():
		logger.Warn().Msg("shutdown timeout exceeded, forcing stop")
		server.Stop()
	case <-stopped:
		logger.Info().
			Int("episodes", ds.NumEpisodes()).
			Int("windows", ds.NumWindows()).
			Msg("replay stopped")
	}
	return serveErr
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
