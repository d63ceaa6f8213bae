package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/spotbuild/spotbuild/internal/platform/auth"
	"github.com/spotbuild/spotbuild/internal/platform/env"
	"github.com/spotbuild/spotbuild/internal/platform/httpserver"
	"github.com/spotbuild/spotbuild/internal/platform/objectstore"
	"github.com/spotbuild/spotbuild/internal/trigger"
)

const serviceName = "spotbuild"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the invocation API and run the optional schedule",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		httpCfg, err := httpserver.ConfigFromEnv(serviceName)
		if err != nil {
			return err
		}
		authCfg, err := auth.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("auth config: %w", err)
		}
		timeout, err := env.Duration("SPOTBUILD_INVOCATION_TIMEOUT", 15*time.Minute)
		if err != nil {
			return err
		}
		interval, err := env.Duration("SPOTBUILD_SCHEDULE_INTERVAL", 0)
		if err != nil {
			return err
		}
		drain, err := env.Duration("SPOTBUILD_DRAIN_TIMEOUT", 60*time.Second)
		if err != nil {
			return err
		}

		startupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		a, err := buildApp(startupCtx, logger)
		if err != nil {
			cancel()
			return err
		}
		authn, err := newAuthenticator(startupCtx, authCfg)
		cancel()
		if err != nil {
			return err
		}

		svc := trigger.NewService(ctx, a.controller, timeout, logger)
		trigger.NewScheduler(svc, interval, logger).Start(ctx)

		api := http.NewServeMux()
		svc.Register(api)

		mux := http.NewServeMux()
		mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
		mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, httpserver.ReadinessCheck{
			Name: "release_bucket",
			Check: func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, a.store, a.storeCfg)
			},
		}))
		mux.Handle("GET /metrics", a.metrics.Handler())
		mux.Handle("/v1/", auth.Middleware{
			Logger:        logger,
			Authenticator: authn,
			Authorize:     auth.RoleAuthorizer(authCfg.TriggerRole),
		}.Wrap(api))

		logger.Info("spotbuild serving", "name", a.cfg.Name, "device", a.cfg.Device, "auth_mode", authCfg.Mode, "schedule_interval", interval.String())
		runErr := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, mux))

		// In-flight runs see ctx cancelled; wait for their fleet cancel and notification.
		if !svc.Drain(drain) {
			logger.Error("exiting with an invocation still in flight", "drain_timeout", drain.String())
		}
		return runErr
	},
}

func newAuthenticator(ctx context.Context, cfg auth.Config) (auth.Authenticator, error) {
	if cfg.Mode == auth.ModeDisabled {
		return auth.DisabledAuthenticator{}, nil
	}
	return auth.NewOIDCAuthenticator(ctx, cfg)
}
