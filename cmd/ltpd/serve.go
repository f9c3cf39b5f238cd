package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/spf13/cobra"

	"github.com/ltp-dev/ltp/internal/auth"
	"github.com/ltp-dev/ltp/internal/config"
	"github.com/ltp-dev/ltp/internal/server"
	"github.com/ltp-dev/ltp/internal/store"
	"github.com/ltp-dev/ltp/pkg/archive"
	"github.com/ltp-dev/ltp/pkg/trace"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until SIGINT/SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	metrics := server.NewMetrics()

	registry, err := auth.New(
		auth.Mode(cfg.AuthMode),
		cfg.AuthKeysFile,
		cfg.AuthReloadInterval,
		auth.WithReloadHook(metrics.KeyReloadHook()),
	)
	if err != nil {
		return err
	}

	seed, err := cfg.SigningKeySeed()
	if err != nil {
		return err
	}
	var traceOpts []trace.Option
	if seed != nil {
		traceOpts = append(traceOpts, trace.WithSigningKey(seed))
	}
	traceLog, err := trace.Open(cfg.AuditLogFile, traceOpts...)
	if err != nil {
		return err
	}
	defer traceLog.Close()

	srv := server.New(&server.Config{
		Addr:               cfg.Addr,
		NodeID:             cfg.NodeID,
		MetricsAddr:        cfg.MetricsAddr,
		MaxConnections:     cfg.MaxConnections,
		MaxMessageBytes:    cfg.MaxMessageBytes,
		MaxSessionsTotal:   cfg.MaxSessionsTotal,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		WriteTimeout:       server.DefaultConfig().WriteTimeout,
		IdleTTL:            cfg.IdleTTL,
		GCInterval:         cfg.GCInterval,
		RateLimitRPS:       cfg.RateLimitRPS,
		RateLimitBurst:     cfg.RateLimitBurst,
		IPRateLimitRPS:     cfg.IPRateLimitRPS,
		IPRateLimitBurst:   cfg.IPRateLimitBurst,
		IPRateLimitTTL:     cfg.IPRateLimitTTL,
		TrustProxy:         cfg.TrustProxy,
		TrustProxySafelist: cfg.TrustProxySafelist,
		ShutdownTimeout:    server.DefaultConfig().ShutdownTimeout,
	}, store.New(), registry, traceLog, metrics)

	runErr := srv.Run()

	if cfg.ArchiveEnabled {
		if err := archiveTrace(cfg); err != nil {
			logger.Error("trace archival failed", "error", err)
		}
	}
	return runErr
}

// archiveTrace copies the final trace log to S3 after shutdown.
func archiveTrace(cfg *config.Config) error {
	ctx := context.Background()
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	uploader := archive.NewUploader(s3.NewFromConfig(awsCfg), cfg.ArchiveBucket, cfg.ArchivePrefix)
	_, err = uploader.UploadTrace(ctx, cfg.AuditLogFile)
	return err
}
