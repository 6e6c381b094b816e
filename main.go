package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-co-op/gocron/v2"
	"github.com/joho/godotenv"
	_ "github.com/marcboeker/go-duckdb/v2"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/kafkapubsub"
	_ "gocloud.dev/pubsub/mempubsub"
	_ "gocloud.dev/pubsub/natspubsub"
	_ "gocloud.dev/pubsub/rabbitpubsub"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	monitorPath := flag.String("monitor", "monitor.yaml", "Path to monitor file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	serverConfig, err := LoadServerConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: serverConfig.Server.LogLevel})))

	monitorConfig, err := LoadMonitorConfig(*monitorPath)
	if err != nil {
		slog.Error("failed to load monitor file", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:              serverConfig.Sentry.Dsn,
		SampleRate:       serverConfig.Sentry.ErrorSampleRate,
		EnableTracing:    serverConfig.Sentry.TracesSampleRate > 0,
		TracesSampleRate: serverConfig.Sentry.TracesSampleRate,
		Debug:            serverConfig.Sentry.Debug,
	})
	if err != nil {
		slog.Error("failed to initialize sentry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, serverConfig, monitorConfig); err != nil {
		slog.Error("upwatch stopped with an error", slog.String("error", err.Error()))
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
}

func run(ctx context.Context, serverConfig ServerConfig, monitorConfig MonitorConfig) error {
	db, err := sql.Open("duckdb", serverConfig.Database.Path)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", slog.String("error", err.Error()))
		}
	}()

	migrateCtx, migrateCancel := context.WithTimeout(ctx, time.Minute)
	err = Migrate(db, migrateCtx, serverConfig.Database.Path == "")
	migrateCancel()
	if err != nil {
		return err
	}

	store := NewDuckDBStore(db)
	if err := monitorConfig.Seed(ctx, store); err != nil {
		return err
	}

	realtimeTopic, err := pubsub.OpenTopic(ctx, serverConfig.Realtime.TopicURL)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := realtimeTopic.Shutdown(shutdownCtx); err != nil {
			slog.Error("failed to shut down realtime topic", slog.String("error", err.Error()))
		}
	}()

	dispatcher := NewDispatcher(DispatcherOptions{
		Notifiers: buildNotifiers(serverConfig),
		Timeout:   serverConfig.Notification.DeliveryTimeout,
		Broadcast: broadcastTargets(serverConfig),
	})
	incidents := NewIncidentTracker(store)

	escalation := NewEscalationEngine(EscalationEngineOptions{
		Levels:       serverConfig.Escalation.Levels,
		Monitors:     store,
		Destinations: store,
		Dispatcher:   dispatcher,
		Store:        store,
		Incidents:    incidents,
		MarkerTTL:    serverConfig.Escalation.MarkerTTL,
	})
	if err := escalation.Restore(ctx); err != nil {
		return err
	}

	router := NewAlertRouter(AlertRouterOptions{
		Publisher:    NewTopicPublisher(realtimeTopic),
		Escalation:   escalation,
		Incidents:    incidents,
		Destinations: store,
		Dispatcher:   dispatcher,
	})

	probeScheduler := NewScheduler(SchedulerOptions{
		Monitors:       store,
		Prober:         NewProber(ProberOptions{}),
		Recorder:       NewCheckRecorder(store, serverConfig.Location, router),
		Escalation:     escalation,
		OnChange:       router,
		MaxConcurrency: serverConfig.Scheduler.MaxConcurrency,
	})

	jobs, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return err
	}
	_, err = jobs.NewJob(
		gocron.DurationJob(serverConfig.Scheduler.TickInterval),
		gocron.NewTask(func() {
			if _, err := probeScheduler.Tick(ctx); err != nil {
				slog.ErrorContext(ctx, "probe tick failed", slog.String("error", err.Error()))
			}
		}),
		gocron.WithName("probe-tick"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}
	_, err = jobs.NewJob(
		gocron.DurationJob(serverConfig.Escalation.TickInterval),
		gocron.NewTask(func() {
			if _, err := escalation.Tick(ctx); err != nil {
				slog.ErrorContext(ctx, "escalation tick failed", slog.String("error", err.Error()))
				hubFromContext(ctx).CaptureException(err)
			}
		}),
		gocron.WithName("escalation-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	server, err := NewServer(ServerOptions{
		ServerConfig: serverConfig,
		Controller:   probeScheduler,
		Monitors:     store,
		Checks:       store,
		Incidents:    incidents,
	})
	if err != nil {
		return err
	}

	jobs.Start()
	slog.InfoContext(ctx, "scheduler started",
		slog.Duration("probe_interval", serverConfig.Scheduler.TickInterval),
		slog.Duration("escalation_interval", serverConfig.Escalation.TickInterval))

	serverErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "control server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err = <-serverErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down control server", slog.String("error", err.Error()))
	}
	if err := jobs.Shutdown(); err != nil {
		slog.Error("failed to shut down scheduler", slog.String("error", err.Error()))
	}
	return err
}

func buildNotifiers(serverConfig ServerConfig) []Notifier {
	httpClient := &http.Client{Timeout: serverConfig.Notification.DeliveryTimeout}
	notifiers := []Notifier{
		NewSlackNotifier(httpClient),
		NewDiscordNotifier(httpClient),
	}

	emailNotifier, err := NewEmailNotifier(serverConfig.Notification.Email, serverConfig.Notification.DashboardURL)
	if err != nil {
		slog.Warn("email notifications disabled", slog.String("error", err.Error()))
	} else {
		notifiers = append(notifiers, emailNotifier)
	}

	if serverConfig.Notification.Webhook.Enabled {
		notifiers = append(notifiers, NewWebhookNotifier(httpClient, serverConfig.Notification.Webhook.HmacSecret, serverConfig.Notification.Webhook.Headers))
	}
	return notifiers
}

func broadcastTargets(serverConfig ServerConfig) []DeliveryTarget {
	if !serverConfig.Notification.Webhook.Enabled {
		return nil
	}
	return []DeliveryTarget{{Channel: ChannelWebhook, Destination: serverConfig.Notification.Webhook.Url}}
}
