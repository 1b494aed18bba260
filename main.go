package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	apihttp "homepi-cloud/internal/api/http"
	"homepi-cloud/internal/audit"
	"homepi-cloud/internal/auth"
	commandsapp "homepi-cloud/internal/commands/application"
	commandsrepo "homepi-cloud/internal/commands/infrastructure/postgres"
	commandshttp "homepi-cloud/internal/commands/interfaces/http"
	"homepi-cloud/internal/deviceapi"
	devapp "homepi-cloud/internal/devices/application"
	devrepo "homepi-cloud/internal/devices/infrastructure/postgres"
	"homepi-cloud/internal/eventing"
	"homepi-cloud/internal/notify"
	"homepi-cloud/internal/observability/metrics"
	schedulesapp "homepi-cloud/internal/schedules/application"
	schedulesrepo "homepi-cloud/internal/schedules/infrastructure/postgres"
	scheduleshttp "homepi-cloud/internal/schedules/interfaces/http"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)

	bus := eventing.NewInMemoryBus()

	deviceRepo := devrepo.NewDeviceRepository(db)
	deviceService, err := devapp.NewHeartbeatService(deviceRepo, bus,
		devapp.WithOnlineWindow(cfg.OnlineWindow))
	if err != nil {
		logger.Fatalf("device service error: %v", err)
	}

	commandRepo, err := commandsrepo.NewCommandRepository(db)
	if err != nil {
		logger.Fatalf("command repository error: %v", err)
	}
	queue, err := commandsapp.NewQueue(commandRepo, deviceService, bus,
		commandsapp.WithDefaultTTL(cfg.CommandTTL))
	if err != nil {
		logger.Fatalf("command queue error: %v", err)
	}

	scheduleRepo, err := schedulesrepo.NewScheduleRepository(db)
	if err != nil {
		logger.Fatalf("schedule repository error: %v", err)
	}
	scheduleService, err := schedulesapp.NewService(scheduleRepo, deviceService, bus)
	if err != nil {
		logger.Fatalf("schedule service error: %v", err)
	}

	broker := apihttp.NewSSEBroker()
	broker.Bind(bus)
	wireNotifiers(cfg, bus, logger)

	deviceHandler, err := deviceapi.NewHandler(deviceService, queue, scheduleService, logger)
	if err != nil {
		logger.Fatalf("device api handler error: %v", err)
	}
	commandHandler, err := commandshttp.NewHandler(queue, auditRepo)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	exportHandler, err := commandshttp.NewExportHandler(queue)
	if err != nil {
		logger.Fatalf("export handler error: %v", err)
	}
	scheduleHandler, err := scheduleshttp.NewHandler(scheduleService, auditRepo)
	if err != nil {
		logger.Fatalf("schedule handler error: %v", err)
	}
	readHandler, err := apihttp.NewHandler(deviceService, queue, logger)
	if err != nil {
		logger.Fatalf("read handler error: %v", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go runReaper(reaperCtx, queue, cfg.ReapInterval, logger)

	mux := http.NewServeMux()
	deviceHandler.Register(mux)
	readHandler.Register(mux)
	mux.Handle("/api/v1/commands", commandHandler)
	mux.Handle("/api/v1/commands/export.xlsx", exportHandler)
	mux.Handle("/api/v1/commands/export.pdf", exportHandler)
	mux.Handle("/api/v1/schedules", scheduleHandler)
	mux.Handle("/api/v1/schedules/", scheduleHandler.CancelHandler())
	mux.Handle("/api/v1/events/stream", apihttp.NewStreamHandler(broker))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/api/device/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	go func() {
		logger.Printf("http listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Printf("shutting down")
	stopReaper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("shutdown error: %v", err)
	}
}

func wireNotifiers(cfg config, bus eventing.EventBus, logger *log.Logger) {
	var notifiers []notify.Notifier
	if cfg.WebhookURL != "" {
		channel, err := notify.NewWebhookChannel(cfg.WebhookURL)
		if err != nil {
			logger.Fatalf("webhook channel error: %v", err)
		}
		notifier, err := notify.NewChannelNotifier(channel,
			notify.WithCooldown(cfg.NotifyCooldown),
			notify.WithDedupeWindow(cfg.NotifyDedupeWindow))
		if err != nil {
			logger.Fatalf("webhook notifier error: %v", err)
		}
		notifiers = append(notifiers, notifier)
	}
	if cfg.NATSURL != "" {
		channel, err := notify.NewNATSChannel(cfg.NATSURL, cfg.NATSSubject, "homepi-cloud")
		if err != nil {
			logger.Fatalf("nats channel error: %v", err)
		}
		notifier, err := notify.NewChannelNotifier(channel)
		if err != nil {
			logger.Fatalf("nats notifier error: %v", err)
		}
		notifiers = append(notifiers, notifier)
	}
	if len(notifiers) == 0 {
		return
	}
	notify.Bind(bus, notify.NewMultiNotifier(notifiers...))
}

func runReaper(ctx context.Context, queue *commandsapp.Queue, interval time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := queue.ExpireStale(ctx)
			if err != nil {
				logger.Printf("expiry sweep error: %v", err)
				continue
			}
			if expired > 0 {
				logger.Printf("expired %d stale commands", expired)
			}
		}
	}
}

type config struct {
	DatabaseURL        string
	HTTPAddr           string
	JWTSecret          string
	OnlineWindow       time.Duration
	CommandTTL         time.Duration
	ReapInterval       time.Duration
	WebhookURL         string
	NotifyCooldown     time.Duration
	NotifyDedupeWindow time.Duration
	NATSURL            string
	NATSSubject        string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:        getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		JWTSecret:          getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		OnlineWindow:       getenvDuration("ONLINE_WINDOW", time.Minute),
		CommandTTL:         getenvDuration("COMMAND_TTL", 30*time.Second),
		ReapInterval:       getenvDuration("REAP_INTERVAL", 15*time.Second),
		WebhookURL:         getenvDefault("NOTIFY_WEBHOOK_URL", ""),
		NotifyCooldown:     getenvDuration("NOTIFY_COOLDOWN", 0),
		NotifyDedupeWindow: getenvDuration("NOTIFY_DEDUP_WINDOW", 0),
		NATSURL:            getenvDefault("NATS_URL", ""),
		NATSSubject:        getenvDefault("NATS_SUBJECT", "homepi.events"),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
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

// Flush keeps the event stream working behind the logging wrapper.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
