package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MyDira/Hadirot-sub006/api"
	"github.com/MyDira/Hadirot-sub006/clock"
	"github.com/MyDira/Hadirot-sub006/config"
	"github.com/MyDira/Hadirot-sub006/httputil"
	"github.com/MyDira/Hadirot-sub006/logging"
	"github.com/MyDira/Hadirot-sub006/messaging"
	"github.com/MyDira/Hadirot-sub006/models"
	"github.com/MyDira/Hadirot-sub006/scheduler"
	"github.com/MyDira/Hadirot-sub006/services"
	"github.com/MyDira/Hadirot-sub006/storage"
	"github.com/MyDira/Hadirot-sub006/workers"
	"github.com/gin-gonic/gin"
	flag "github.com/spf13/pflag"
)

var (
	remindNow  = flag.Bool("remind", false, "Run the reminder job once and exit")
	sweepNow   = flag.Bool("sweep", false, "Run the expiry sweep once and exit")
	enqueue    = flag.String("enqueue", "", "Queue an operator command (run_reminders, run_sweep, pause, resume) and exit")
	renewalCfg = flag.StringP("config", "c", "", "Path to the renewal policy YAML (overrides RENEWAL_CONFIG)")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *renewalCfg != "" {
		os.Setenv("RENEWAL_CONFIG", *renewalCfg)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.LogPath, logging.DefaultMaxSize, logging.DefaultBackups)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	// SQLite holds operational data: job runs, job logs and operator commands.
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer sqliteStore.Close()

	if *enqueue != "" {
		id, err := sqliteStore.EnqueueCommand(models.CommandType(*enqueue), nil)
		if err != nil {
			log.Fatalf("Failed to enqueue %q: %v", *enqueue, err)
		}
		log.Printf("Queued command %s (id=%d)", *enqueue, id)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config:\n%v", err)
	}

	log.Println("Starting renewal daemon...")

	policy, err := buildPolicy(cfg.Renewal)
	if err != nil {
		log.Fatalf("Invalid renewal policy: %v", err)
	}
	log.Printf("Policy: remind %d days ahead, extend %d days, batch cap %d, tz %s, quiet days %v",
		policy.ReminderDaysBefore, policy.RenewalDays, policy.MaxBatchSize, policy.Location, cfg.Renewal.QuietDays)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}
	defer pgStore.Close()
	log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))

	if err := pgStore.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to prepare schema: %v", err)
	}

	if n, err := sqliteStore.MarkStaleRuns(); err != nil {
		log.Printf("Warning: could not mark stale runs: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d interrupted runs as failed", n)
	}

	var sender messaging.Sender
	if cfg.DryRun {
		sender = messaging.NewLogSender()
		log.Println("SMS dry run: messages are logged, not sent")
	} else {
		httpClient, err := httputil.NewClient(cfg.Twilio.HTTPTimeout, cfg.Twilio.ProxyURL)
		if err != nil {
			log.Fatalf("Failed to build Twilio HTTP client: %v", err)
		}
		sender = messaging.NewTwilioSender(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken, cfg.Twilio.FromNumber, cfg.Twilio.SendsPerSecond, httpClient)
		if cfg.Twilio.ProxyURL != "" {
			log.Printf("Twilio traffic via proxy %s", maskConnectionString(cfg.Twilio.ProxyURL))
		}
	}

	clk := clock.Real()
	reminderService := services.NewReminderService(pgStore, pgStore, sender, clk, policy)
	sweeperService := services.NewSweeperService(pgStore, clk)
	conversationService := services.NewConversationService(pgStore, pgStore, sender, clk, policy)

	if cfg.Redis.Addr != "" {
		rdb, err := storage.ConnectRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Printf("Warning: Redis unavailable, inbound dedupe disabled: %v", err)
		} else {
			defer rdb.Close()
			conversationService.WithDeduper(storage.NewRedisDeduper(rdb, cfg.Redis.DedupeTTL))
			log.Printf("Inbound dedupe via Redis at %s", cfg.Redis.Addr)
		}
	}

	log.Println("Services initialized")

	reminderWorker := workers.NewJobWorker(models.JobReminders, func(ctx context.Context) (any, error) {
		return reminderService.Run(ctx)
	}, sqliteStore, clk)
	sweepWorker := workers.NewJobWorker(models.JobSweep, func(ctx context.Context) (any, error) {
		return sweeperService.Run(ctx)
	}, sqliteStore, clk)

	dbLog := func(runID *int64, level models.LogLevel, job, message string) {
		if err := sqliteStore.Log(runID, level, message, job); err != nil {
			log.Printf("Warning: could not write job log: %v", err)
		}
	}
	jobWorkers := []*workers.JobWorker{reminderWorker, sweepWorker}
	for _, w := range jobWorkers {
		w.SetLogger(dbLog)
	}

	archive := storage.S3Config(cfg.Archive)
	if archive.Enabled() {
		archiver, err := storage.NewS3Archiver(ctx, archive)
		if err != nil {
			log.Printf("Warning: run archive disabled: %v", err)
		} else {
			for _, w := range jobWorkers {
				w.SetArchiver(archiver)
			}
			log.Printf("Archiving job runs to s3://%s/%s", archive.Bucket, archive.Prefix)
		}
	}

	// Handle one-shot commands
	if *remindNow || *sweepNow {
		if *remindNow {
			runOnce(ctx, reminderWorker)
		}
		if *sweepNow {
			runOnce(ctx, sweepWorker)
		}
		return
	}

	// Daemon mode
	for _, w := range jobWorkers {
		go w.Run(ctx)
	}

	sched := scheduler.New(cfg.Scheduler, policy.Location, sqliteStore)
	sched.SetWorkers(reminderWorker, sweepWorker)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	srv := &api.Server{
		Inbound: conversationService,
		Jobs: map[string]api.JobRunner{
			models.JobReminders: reminderWorker,
			models.JobSweep:     sweepWorker,
		},
		Runs:       sqliteStore,
		WebhookURL: cfg.Twilio.WebhookURL,
		AdminToken: cfg.Server.AdminToken,
	}
	if cfg.Twilio.ValidateSignatures && !cfg.DryRun {
		srv.Validator = messaging.NewSignatureValidator(cfg.Twilio.AuthToken)
	} else {
		log.Println("Warning: webhook signature validation is off")
	}
	if cfg.Server.AdminToken == "" {
		log.Println("ADMIN_TOKEN not set, /jobs endpoints are disabled")
	}

	gin.SetMode(gin.ReleaseMode)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewRouter(srv),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("HTTP listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	sched.Stop()
	cancel()
	log.Println("Goodbye!")
}

func buildPolicy(r config.RenewalConfig) (services.Policy, error) {
	loc, err := r.Location()
	if err != nil {
		return services.Policy{}, fmt.Errorf("timezone: %w", err)
	}
	quiet, err := r.Weekdays()
	if err != nil {
		return services.Policy{}, err
	}
	return services.Policy{
		ReminderDaysBefore: r.ReminderDaysBefore,
		RenewalDays:        r.RenewalDays,
		MaxBatchSize:       r.MaxBatchSize,
		SingleTimeout:      r.SingleTimeout,
		BatchTimeout:       r.BatchTimeout,
		QuietDays:          quiet,
		Location:           loc,
		SiteName:           r.SiteName,
		DashboardURL:       r.DashboardURL,
	}, nil
}

func runOnce(ctx context.Context, w *workers.JobWorker) {
	log.Printf("Running %s...", w.Name())
	run, err := w.RunOnce(ctx)
	if err != nil {
		log.Fatalf("%s failed: %v", w.Name(), err)
	}
	log.Printf("%s complete: %s", w.Name(), run.Summary)
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
