package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/minio/minio-go/v7"

	"github.com/spotbuild/spotbuild/internal/cloud/awsec2"
	"github.com/spotbuild/spotbuild/internal/config"
	"github.com/spotbuild/spotbuild/internal/controller"
	"github.com/spotbuild/spotbuild/internal/markers"
	"github.com/spotbuild/spotbuild/internal/metrics"
	"github.com/spotbuild/spotbuild/internal/notify"
	"github.com/spotbuild/spotbuild/internal/platform/env"
	"github.com/spotbuild/spotbuild/internal/platform/objectstore"
	"github.com/spotbuild/spotbuild/internal/versions"
)

func newLogger() *slog.Logger {
	level, err := env.Level("SPOTBUILD_LOG_LEVEL", slog.LevelInfo)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	return logger
}

type app struct {
	cfg        config.Config
	controller *controller.Controller
	metrics    *metrics.Metrics
	store      *minio.Client
	storeCfg   objectstore.Config
}

// buildApp loads configuration and connects every external dependency of the
// controller.
func buildApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = version
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.HomeRegion))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	if cfg.NeedsAccount() {
		account, err := awsec2.ResolveAccount(ctx, sts.NewFromConfig(awsCfg))
		if err != nil {
			return nil, err
		}
		cfg = cfg.WithAccount(account)
	}

	storeCfg, err := objectstore.ConfigFromEnv(cfg.ReleaseBucket, cfg.HomeRegion)
	if err != nil {
		return nil, fmt.Errorf("object store config: %w", err)
	}
	store, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	reader, err := markers.NewMinioReader(store, storeCfg.ReleaseBucket)
	if err != nil {
		return nil, err
	}

	fetchTimeout, err := env.Duration("SPOTBUILD_FETCH_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	fetcher := versions.NewHTTPFetcher(ctx, env.String("GITHUB_TOKEN", ""), fetchTimeout)

	notifier, err := newNotifier(awsCfg, cfg.NotificationTopicARN, logger)
	if err != nil {
		return nil, err
	}

	ec2Client := awsec2.New(awsCfg, cfg.ProductDescription, logger)
	m := metrics.New()
	ctrl := controller.New(cfg, controller.Dependencies{
		Versions: versions.NewSource(fetcher, cfg.LatestURL, cfg.ReleaseURL, logger),
		Markers:  reader,
		Prices:   ec2Client,
		Network:  ec2Client,
		Fleet:    ec2Client,
		Notifier: notifier,
		Metrics:  m,
		Logger:   logger,
	})

	return &app{cfg: cfg, controller: ctrl, metrics: m, store: store, storeCfg: storeCfg}, nil
}

func newNotifier(awsCfg aws.Config, topicARN string, logger *slog.Logger) (notify.Sink, error) {
	if strings.TrimSpace(topicARN) == "" {
		logger.Info("no notification topic configured, notifications go to the log", "component", "notify")
		return notify.NewLogSink(logger), nil
	}
	return notify.NewSNSPublisher(sns.NewFromConfig(awsCfg), topicARN)
}
