package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"veille/internal/api"
	"veille/internal/fetcher"
	"veille/internal/logging"
	"veille/internal/notifier"
	"veille/internal/pipeline"
	"veille/internal/scheduler"
	"veille/internal/storage"
	"veille/internal/subscription"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "veille",
		Usage: "monitor official publications and send watch digests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				EnvVars: []string{"CONFIG_FILE"},
				Usage:   "path to the YAML configuration file",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			scrapeCommand(),
			alertsCommand(),
		},
		DefaultCommand: "serve",
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("failed to run app")
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "start the HTTP trigger surface and the scheduler",
		Action: func(c *cli.Context) error {
			cfg, closeLog, err := setup(c)
			if err != nil {
				return err
			}
			defer closeLog()

			deps, cleanup, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			shutdown := 5 * time.Second
			if cfg.Server.ShutdownTimeout != "" {
				d, err := time.ParseDuration(cfg.Server.ShutdownTimeout)
				if err != nil {
					return fmt.Errorf("invalid shutdown_timeout: %w", err)
				}
				shutdown = d
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: deps.handler, ReadHeaderTimeout: 10 * time.Second}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("evt.name", "server.listen").Str("addr", cfg.Server.Addr).Msg("listening")
			return runServer(ctx, srv, deps.sched, shutdown)
		},
	}
}

func scrapeCommand() *cli.Command {
	return &cli.Command{
		Name:  "scrape",
		Usage: "run one scrape and persist the results",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "canton", Usage: "restrict the run to these cantons (repeatable)"},
		},
		Action: func(c *cli.Context) error {
			cfg, closeLog, err := setup(c)
			if err != nil {
				return err
			}
			defer closeLog()

			rep, err := runOnceManual(c.Context, cfg, c.StringSlice("canton"), buildApp)
			if err != nil {
				return err
			}
			log.Info().
				Str("evt.name", "cli.scrape.done").
				Int("scraped", rep.Scraped).
				Int("processed", rep.Processed).
				Int("created", rep.Created).
				Int("updated", rep.Updated).
				Int("skipped", rep.Skipped).
				Int("failed", rep.Failed).
				Msg("scrape finished")
			return nil
		},
	}
}

func alertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "alerts",
		Usage: "dispatch pending watch digests once",
		Action: func(c *cli.Context) error {
			cfg, closeLog, err := setup(c)
			if err != nil {
				return err
			}
			defer closeLog()

			rep, err := runAlertsManual(c.Context, cfg, buildApp)
			if err != nil {
				return err
			}
			log.Info().
				Str("evt.name", "cli.alerts.done").
				Int("subscriptions", rep.Subscriptions).
				Int("sent", rep.Sent).
				Int("skipped", rep.Skipped).
				Int("failed", rep.Failed).
				Msg("alert dispatch finished")
			return nil
		},
	}
}

func setup(c *cli.Context) (AppConfig, func(), error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return AppConfig{}, nil, err
	}
	closer, err := logging.Configure(cfg.Log, os.Stdout)
	if err != nil {
		return AppConfig{}, nil, err
	}
	return cfg, func() {
		if closer != nil {
			_ = closer.Close()
		}
	}, nil
}

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type serverScheduler interface {
	Start(ctx context.Context) error
}

type appDeps struct {
	sched   serverScheduler
	scraper api.Scraper
	alerts  scheduler.AlertRunner
	handler http.Handler
}

type appBuilder func(AppConfig) (appDeps, func(), error)

// buildApp 按配置组装存储、抓取、提醒、调度与 HTTP 路由。
func buildApp(cfg AppConfig) (appDeps, func(), error) {
	store, err := storage.NewStore(cfg.Database.Path)
	if err != nil {
		return appDeps{}, nil, fmt.Errorf("init store: %w", err)
	}
	cleanup := func() { _ = store.Close() }
	fail := func(err error) (appDeps, func(), error) {
		cleanup()
		return appDeps{}, nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	sources, err := fetcher.NewFromConfig(cfg.Fetcher, client)
	if err != nil {
		return fail(fmt.Errorf("init sources: %w", err))
	}
	runner, err := pipeline.NewRunner(sources, store, cfg.Pipeline)
	if err != nil {
		return fail(fmt.Errorf("init pipeline: %w", err))
	}

	policy, err := cfg.Alerts.Policy()
	if err != nil {
		return fail(fmt.Errorf("init alerts: %w", err))
	}
	dispatcher := notifier.NewDispatcher(store, buildSender(cfg.Email), policy)

	sched, err := scheduler.NewScheduler(runner, dispatcher, cfg.Scheduler)
	if err != nil {
		return fail(fmt.Errorf("init scheduler: %w", err))
	}

	opts := api.Options{CronSecret: cfg.Server.CronSecret, Subscriptions: subscription.NewService(store)}
	if cfg.Server.OrganizationsHeader != "" {
		if cfg.Server.GatewaySecret == "" {
			return fail(fmt.Errorf("server.organizations_header requires server.gateway_secret"))
		}
		opts.Authorizer = api.HeaderAuthorizer{
			Header:       cfg.Server.OrganizationsHeader,
			SecretHeader: cfg.Server.GatewaySecretHeader,
			Secret:       cfg.Server.GatewaySecret,
		}
	}
	if opts.CronSecret == "" {
		log.Warn().Str("evt.name", "config.cron_secret.missing").Msg("cron secret not set, cron endpoints will answer 500")
	}

	return appDeps{
		sched:   sched,
		scraper: runner,
		alerts:  dispatcher,
		handler: api.NewHandler(store, sched, runner, opts),
	}, cleanup, nil
}

func buildSender(cfg notifier.EmailConfig) notifier.DigestSender {
	if !cfg.Enabled() {
		log.Warn().Str("evt.name", "config.email.disabled").Msg("email digests disabled: missing host/port/from, logging digests instead")
		return notifier.NewLogDigestSender(nil)
	}
	return notifier.NewEmailDigestSender(cfg, nil)
}

// runServer 同时运行 HTTP 服务与调度器，ctx 取消后优雅关闭。
func runServer(ctx context.Context, srv httpServer, sched serverScheduler, shutdownTimeout time.Duration) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := sched.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// runOnceManual 执行一次抓取，cantons 为空时使用配置的全量范围。
func runOnceManual(ctx context.Context, cfg AppConfig, cantons []string, build appBuilder) (pipeline.Report, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return pipeline.Report{}, err
	}
	defer cleanup()

	if len(cantons) == 0 {
		cantons = cfg.Pipeline.Cantons
	}
	return deps.scraper.Run(ctx, cantons)
}

// runAlertsManual 执行一次提醒调度。
func runAlertsManual(ctx context.Context, cfg AppConfig, build appBuilder) (notifier.DispatchReport, error) {
	deps, cleanup, err := build(cfg)
	if err != nil {
		return notifier.DispatchReport{}, err
	}
	defer cleanup()

	if deps.alerts == nil {
		return notifier.DispatchReport{}, fmt.Errorf("alerts not configured")
	}
	return deps.alerts.Run(ctx)
}
