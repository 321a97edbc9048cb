package main

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	alertapp "infrawatch/internal/alerting/application"
	alerting "infrawatch/internal/alerting/domain"
	"infrawatch/internal/alerting/infrastructure/memory"
	alertrepo "infrawatch/internal/alerting/infrastructure/postgres"
	alerthttp "infrawatch/internal/alerting/interfaces/http"
	"infrawatch/internal/alerting/notify"
	"infrawatch/internal/alerting/rules"
	"infrawatch/internal/audit"
	"infrawatch/internal/auth"
	"infrawatch/internal/config"
	"infrawatch/internal/datasource"
	"infrawatch/internal/datasource/azure"
	"infrawatch/internal/datasource/influxdb"
	"infrawatch/internal/datasource/prometheus"
	"infrawatch/internal/insights"
	"infrawatch/internal/logging"
	"infrawatch/internal/observability/metrics"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $INFRAWATCH_CONFIG)")
	issueToken := flag.String("issue-token", "", "print a signed token for subject:role and exit")
	tokenTTL := flag.Duration("token-ttl", 24*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *issueToken != "" {
		token, err := signToken(cfg, *issueToken, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	root, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(cfg, root.Logger); err != nil {
		root.Error().Err(err).Msg("infrawatch stopped")
		_ = root.Close()
		os.Exit(1)
	}
	_ = root.Close()
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var db *sql.DB
	if cfg.Database.DSN != "" {
		var err error
		db, err = alertrepo.Open(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.AutoMigrate {
			if err := alertrepo.EnsureSchema(ctx, db); err != nil {
				return err
			}
		}
	}
	metrics.Init(db, logger)

	router, closeSources, err := buildRouter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeSources()

	storeOpts := []memory.AlertStoreOption{
		memory.WithNoiseTolerance(cfg.Alerts.NoiseTolerance),
		memory.WithLogger(logger),
	}
	var archive *alertrepo.AlertArchive
	if db != nil {
		if archive, err = alertrepo.NewAlertArchive(db); err != nil {
			return err
		}
		storeOpts = append(storeOpts, memory.WithArchiver(archive))
	}
	alertStore := memory.NewAlertStore(storeOpts...)
	if archive != nil {
		open, err := archive.LoadOpen(ctx)
		if err != nil {
			return fmt.Errorf("restore open alerts: %w", err)
		}
		logger.Info().Int("restored", alertStore.Restore(open)).Msg("open alerts restored from archive")
	}
	insightStore := memory.NewInsightStore()

	broker := notify.NewBroker()
	defer broker.Close()
	engine, err := alertapp.NewEngine(alertStore, insightStore,
		alertapp.WithPublisher(broker),
		alertapp.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	source, fileSource, err := buildRuleSource(cfg, db)
	if err != nil {
		return err
	}
	ruleStore, err := alertapp.NewRuleStore(source, logger)
	if err != nil {
		return err
	}
	scheduler, err := alertapp.NewScheduler(router, engine, logger,
		alertapp.WithMaxConcurrency(cfg.Evaluation.MaxConcurrency),
		alertapp.WithDefaultTimeout(cfg.Evaluation.DefaultTimeout),
		alertapp.WithSampleParallelism(cfg.Evaluation.SampleParallelism),
	)
	if err != nil {
		return err
	}
	ruleStore.OnReload(scheduler.Sync)
	if _, err := ruleStore.Load(ctx); err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	service, err := alertapp.NewService(engine, ruleStore, scheduler)
	if err != nil {
		return err
	}

	var attachments []*notify.Attachment
	defer func() {
		for _, a := range attachments {
			a.Stop()
		}
	}()
	attach := func(name string, sink notify.Sink) {
		attachments = append(attachments, notify.Attach(broker, name, sink, cfg.Notify.Buffer, logger))
	}

	var enricher *alertapp.Enricher
	if adapters := buildInsightAdapters(cfg, router, logger); cfg.Insights.Enabled && len(adapters) > 0 {
		enricher, err = alertapp.NewEnricher(engine, ruleStore, adapters, logger,
			alertapp.WithWorkers(cfg.Insights.Workers),
			alertapp.WithQueueSize(cfg.Insights.QueueSize),
			alertapp.WithAdapterTimeout(cfg.Insights.Timeout),
		)
		if err != nil {
			return err
		}
		enricher.Start(ctx)
		attach("enricher", enricher)
	}

	if cfg.Notify.Webhook.URL != "" {
		notifier, err := buildWebhookNotifier(cfg, service, logger)
		if err != nil {
			return err
		}
		defer notifier.Close()
		attach("webhook", notifier)
	}
	if cfg.Notify.NATS.URL != "" {
		sink, err := notify.DialNATS(cfg.Notify.NATS.URL, cfg.Notify.NATS.SubjectPrefix, logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		attach("nats", sink)
	}
	if cfg.Notify.Redis.Address != "" {
		sink, err := notify.NewRedisSink(ctx, notify.RedisConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			Database: cfg.Notify.Redis.Database,
			Channel:  cfg.Notify.Redis.Channel,
			OpenKey:  cfg.Notify.Redis.OpenKey,
		})
		if err != nil {
			return err
		}
		defer sink.Close()
		attach("redis", sink)
	}

	// Start before anything can reload rules so every reload reaches a running scheduler.
	scheduler.Start(ctx, ruleStore.Current())

	if fileSource != nil && cfg.Rules.Watch {
		watcher, err := rules.NewWatcher(fileSource, func(ctx context.Context) error {
			_, err := ruleStore.Reload(ctx)
			return err
		}, logger, cfg.Rules.Debounce)
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	var auditLog audit.Logger = audit.NewLogWriter(logger)
	if db != nil {
		auditLog = audit.NewRepository(db)
	}
	handler, err := alerthttp.NewHandler(service, alerthttp.WithAudit(auditLog), alerthttp.WithLogger(logger))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	mux.Handle("/api/alerts/stream", alerthttp.NewStreamHandler(broker, cfg.Server.StreamHeartbeat))
	mux.Handle("/api/ws", alerthttp.NewWebSocketHandler(broker, cfg.Server.AllowedOrigins, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var root http.Handler = mux
	if cfg.Auth.Enabled {
		policy := auth.NewPolicy(cfg.Auth.ExemptPaths...)
		root = auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy).Wrap(mux)
	} else {
		logger.Warn().Msg("authentication disabled, actors are taken from request bodies")
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           loggingMiddleware(root, logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Int("rules", ruleStore.Current().Len()).Msg("http listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stop()
			scheduler.Wait()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	scheduler.Wait()
	if enricher != nil {
		enricher.Stop()
	}
	return nil
}

func buildRouter(cfg *config.Config, logger zerolog.Logger) (*datasource.Router, func(), error) {
	router := datasource.NewRouter()
	var closers []func()
	closeAll := func() {
		for _, fn := range closers {
			fn()
		}
	}
	ds := cfg.Datasources
	if ds.Prometheus.URL != "" {
		var opts []prometheus.Option
		if ds.Prometheus.BearerToken != "" {
			opts = append(opts, prometheus.WithBearerToken(ds.Prometheus.BearerToken))
		}
		client, err := prometheus.NewClient(ds.Prometheus.URL, logger, opts...)
		if err != nil {
			return nil, closeAll, err
		}
		router.Register(alerting.SourcePrometheus, client)
	}
	if ds.InfluxDB.URL != "" {
		client, err := influxdb.NewClient(influxdb.Config{
			URL:     ds.InfluxDB.URL,
			Token:   ds.InfluxDB.Token,
			Org:     ds.InfluxDB.Org,
			Timeout: ds.InfluxDB.Timeout,
		}, logger)
		if err != nil {
			return nil, closeAll, err
		}
		closers = append(closers, client.Close)
		router.Register(alerting.SourceInfluxDB, client)
	}
	if ds.Azure.Enabled {
		client, err := azure.NewClient(azure.Config{
			BaseURL:      ds.Azure.BaseURL,
			LoginURL:     ds.Azure.LoginURL,
			Token:        ds.Azure.Token,
			TenantID:     ds.Azure.TenantID,
			ClientID:     ds.Azure.ClientID,
			ClientSecret: ds.Azure.ClientSecret,
			Timeout:      ds.Azure.Timeout,
		}, logger)
		if err != nil {
			return nil, closeAll, err
		}
		router.Register(alerting.SourceAzure, client)
	}
	if len(router.Kinds()) == 0 {
		logger.Warn().Msg("no data sources configured, every rule evaluation will fail")
	}
	return router, closeAll, nil
}

func buildRuleSource(cfg *config.Config, db *sql.DB) (alertapp.RuleSource, *rules.FileSource, error) {
	if cfg.Rules.Source == "postgres" {
		if db == nil {
			return nil, nil, errors.New("postgres rule source requires database.dsn")
		}
		source, err := alertrepo.NewRuleSource(db)
		return source, nil, err
	}
	source, err := rules.NewFileSource(cfg.Rules.Path)
	if err != nil {
		return nil, nil, err
	}
	return source, source, nil
}

func buildInsightAdapters(cfg *config.Config, router datasource.Adapter, logger zerolog.Logger) []alertapp.InsightAdapter {
	var adapters []alertapp.InsightAdapter
	if stat := cfg.Insights.Statistical; stat.Enabled {
		analyzer, err := insights.NewStatistical(router,
			insights.WithBaselineWindow(stat.BaselineWindow),
			insights.WithZThreshold(stat.ZThreshold),
			insights.WithMinPoints(stat.MinPoints),
		)
		if err != nil {
			logger.Warn().Err(err).Msg("statistical analyzer disabled")
		} else {
			adapters = append(adapters, analyzer)
		}
	}
	if remote := cfg.Insights.Remote; remote.Endpoint != "" {
		client, err := insights.NewRemote(remote.Endpoint, insights.WithRemoteToken(remote.Token))
		if err != nil {
			logger.Warn().Err(err).Msg("remote analyzer disabled")
		} else {
			adapters = append(adapters, client)
		}
	}
	return adapters
}

func buildWebhookNotifier(cfg *config.Config, service *alertapp.Service, logger zerolog.Logger) (*notify.Notifier, error) {
	wh := cfg.Notify.Webhook
	channel, err := notify.NewWebhookChannel(wh.URL, notify.WithHTTPClient(&http.Client{Timeout: wh.Timeout}))
	if err != nil {
		return nil, err
	}
	template, err := notify.NewTemplate(wh.Template)
	if err != nil {
		return nil, err
	}
	kinds := make([]alerting.EventKind, 0, len(wh.Events))
	for _, kind := range wh.Events {
		kinds = append(kinds, alerting.EventKind(strings.TrimSpace(kind)))
	}
	return notify.NewNotifier(service, channel, template,
		notify.WithLogger(logger),
		notify.WithEvents(kinds...),
		notify.WithEscalation(wh.Escalation),
		notify.WithCooldown(wh.Cooldown),
		notify.WithDedupeWindow(wh.DedupeWindow),
		notify.WithRequestTimeout(wh.Timeout),
		notify.WithReportURLResolver(reportURLResolver(cfg.Server.PublicURL)),
	)
}

func reportURLResolver(baseURL string) notify.ReportURLResolver {
	if baseURL == "" {
		return nil
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(_ context.Context, alert alerting.Alert) string {
		return baseURL + "/api/alerts/" + alert.ID + "/report.pdf"
	}
}

func signToken(cfg *config.Config, arg string, ttl time.Duration) (string, error) {
	subject, role, ok := strings.Cut(arg, ":")
	if !ok || subject == "" {
		return "", errors.New("issue-token expects subject:role")
	}
	if cfg.Auth.JWTSecret == "" {
		return "", errors.New("auth.jwt_secret is required to issue tokens")
	}
	parsed, err := auth.ParseRole(role)
	if err != nil {
		return "", err
	}
	return auth.IssueToken([]byte(cfg.Auth.JWTSecret), subject, parsed, ttl)
}

func loggingMiddleware(next http.Handler, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", resp.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps server-sent event streams working through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
