package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fenilsonani/mail-automation/internal/account"
	"github.com/fenilsonani/mail-automation/internal/ai"
	"github.com/fenilsonani/mail-automation/internal/api"
	"github.com/fenilsonani/mail-automation/internal/audit"
	"github.com/fenilsonani/mail-automation/internal/automation"
	"github.com/fenilsonani/mail-automation/internal/condition"
	"github.com/fenilsonani/mail-automation/internal/config"
	"github.com/fenilsonani/mail-automation/internal/execution"
	"github.com/fenilsonani/mail-automation/internal/labels"
	"github.com/fenilsonani/mail-automation/internal/logging"
	"github.com/fenilsonani/mail-automation/internal/mailbox"
	"github.com/fenilsonani/mail-automation/internal/matcher"
	"github.com/fenilsonani/mail-automation/internal/queue"
	"github.com/fenilsonani/mail-automation/internal/resilience"
	"github.com/fenilsonani/mail-automation/internal/rules"
	"github.com/fenilsonani/mail-automation/internal/scheduled"
	smtpingest "github.com/fenilsonani/mail-automation/internal/smtp"
	"github.com/fenilsonani/mail-automation/internal/storage"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "automation",
	Short: "Email rule matching and automated action engine",
	Long: `Matches inbound email against user rules and applies their actions:
- static, learned-pattern and AI rule matching with condition gates
- immediate and delayed actions with at-most-once delivery
- owner approval for rules that send mail
- cron-scheduled automation jobs such as check-in emails`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
}

// engine holds the wired components shared by serve and tick.
type engine struct {
	db        *storage.DB
	queue     *queue.RedisQueue
	accounts  *account.Store
	provider  *mailbox.Provider
	records   *execution.Store
	processor *execution.Processor
	scheduled *scheduled.Service
	scheduler *automation.Scheduler
	runner    *automation.Runner
	breakers  *resilience.Registry
	logger    *logging.Logger
}

func (e *engine) Close() {
	if e.queue != nil {
		if err := e.queue.Close(); err != nil {
			e.logger.Error("Redis queue close error", "error", err.Error())
		}
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			e.logger.Error("Database close error", "error", err.Error())
		}
	}
}

func newLogger() (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
}

func openDB(ctx context.Context) (*storage.DB, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create required directories: %w", err)
	}
	db, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, err
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.Migrate(migrateCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func buildEngine(ctx context.Context, logger *logging.Logger) (*engine, error) {
	e := &engine{logger: logger}

	db, err := openDB(ctx)
	if err != nil {
		return nil, err
	}
	e.db = db
	logger.Info("Database opened", "path", cfg.Storage.DatabasePath)

	q, err := queue.NewRedisQueue(queue.Config{
		RedisURL:    cfg.Queue.RedisURL,
		Prefix:      cfg.Queue.Prefix,
		MaxRetries:  cfg.Queue.MaxRetries,
		RetryMaxAge: config.Duration(cfg.Queue.RetryMaxAge, 24*time.Hour),
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to initialize Redis queue: %w", err)
	}
	e.queue = q
	logger.Info("Redis queue connected", "prefix", cfg.Queue.Prefix)

	e.breakers = resilience.NewRegistry(nil)
	e.accounts = account.NewStore(db)
	resolver := labels.NewResolver(labels.NewStore(db), logger)

	var opts []mailbox.Option
	if cfg.SMTP.RelayHost != "" {
		sender := mailbox.NewSMTPSender(mailbox.SMTPConfig{
			Addr:           cfg.SMTP.RelayHost,
			Hostname:       cfg.Ingest.Domain,
			Username:       cfg.SMTP.Username,
			Password:       cfg.SMTP.Password,
			RequireTLS:     cfg.SMTP.RequireTLS,
			VerifyTLS:      true,
			ConnectTimeout: config.Duration(cfg.SMTP.ConnectTimeout, 30*time.Second),
		}, e.breakers.Get("smtp:"+cfg.SMTP.RelayHost), logger)
		opts = append(opts, mailbox.WithSender(sender))
		logger.Info("Outbound relay configured", "relay", cfg.SMTP.RelayHost)
	} else {
		logger.Warn("No SMTP relay configured - outbound mail is recorded in the outbox only")
	}
	if cfg.SMTP.DKIMDomain != "" {
		signer, err := mailbox.NewDKIMSigner(cfg.SMTP.DKIMDomain, cfg.SMTP.DKIMSelector, cfg.SMTP.DKIMKeyFile)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		opts = append(opts, mailbox.WithDKIM(signer))
		logger.Info("Loaded DKIM key", "domain", cfg.SMTP.DKIMDomain, "selector", cfg.SMTP.DKIMSelector)
	}
	e.provider = mailbox.New(db, e.accounts, resolver, logger, opts...)

	var classifier ai.Classifier
	var summarizer ai.Summarizer
	if cfg.AI.Enabled {
		client := ai.NewOpenAI(ai.Config{
			APIKey:  cfg.AI.APIKey,
			BaseURL: cfg.AI.BaseURL,
			Model:   cfg.AI.Model,
			Timeout: config.Duration(cfg.AI.Timeout, 30*time.Second),
		}, e.breakers.Get("openai"))
		classifier, summarizer = client, client
		logger.Info("AI classification enabled", "model", cfg.AI.Model)
	}

	e.scheduled = scheduled.New(db, q, e.provider, logger)
	e.records = execution.NewStore(db)
	e.processor = execution.NewProcessor(execution.Deps{
		Accounts:  e.accounts,
		Messages:  e.provider,
		Rules:     rules.NewStore(db),
		Matcher:   matcher.New(classifier, cfg.AI.MinConfidence, logger),
		Evaluator: condition.NewEvaluator(e.provider, logger),
		Store:     e.records,
		Executor:  execution.NewExecutor(e.records, e.provider, e.scheduled, logger),
		Scheduled: e.scheduled,
		Audit:     audit.NewLogger(db.DB),
		Logger:    logger,
	})

	jobs := automation.NewStore(db)
	e.scheduler = automation.NewScheduler(jobs, q, cfg.Scheduler.BatchSize, logger)
	e.runner = automation.NewRunner(jobs, logger)
	e.runner.Register(automation.JobCheckIn, automation.NewCheckIn(e.provider, e.provider, summarizer, logger))

	return e, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API, queue workers and scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := newLogger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logger.Info("Automation engine starting")

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		e, err := buildEngine(ctx, logger)
		if err != nil {
			return err
		}
		defer e.Close()

		dispatcher := queue.NewDispatcher(e.queue, queue.DispatcherConfig{
			PollInterval:     config.Duration(cfg.Workers.PollInterval, time.Second),
			RecoveryInterval: config.Duration(cfg.Workers.RecoveryInterval, time.Minute),
			StaleAfter:       config.Duration(cfg.Workers.StaleAfter, 10*time.Minute),
		}, logger)
		dispatcher.Handle(scheduled.QueueName, cfg.Workers.ScheduledActions, e.scheduled.HandleTask)
		dispatcher.Handle(automation.QueueName, cfg.Workers.AutomationJobs, e.runner.HandleTask)
		dispatcher.Start(ctx)
		logger.Info("Queue workers started",
			"scheduled_actions", cfg.Workers.ScheduledActions,
			"automation_jobs", cfg.Workers.AutomationJobs)

		if interval := config.Duration(cfg.Scheduler.Interval, 0); interval > 0 {
			go runTicker(ctx, e.scheduler, interval, logger)
			logger.Info("In-process scheduler enabled", "interval", interval.String())
		}

		apiSrv := api.NewServer(api.Deps{
			Scheduler: e.scheduler,
			Runner:    e.runner,
			Scheduled: e.scheduled,
			Processor: e.processor,
			Records:   e.records,
			Health: []api.HealthCheck{
				{Name: "database", Check: e.db.PingContext},
				{Name: "queue", Check: e.queue.Ping},
			},
			Breakers:   e.breakers,
			SecretHash: cfg.API.SecretHash,
			Logger:     logger,
		})
		if cfg.API.SecretHash == "" {
			logger.Warn("api.secret_hash not set - trigger endpoints are unauthenticated")
		}
		apiErr := make(chan error, 1)
		go func() {
			addr := cfg.Server.Listen + ":" + strconv.Itoa(cfg.Server.Port)
			if err := apiSrv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- err
			}
		}()

		var ingest *smtpingest.Server
		if cfg.Ingest.Enabled {
			backend := smtpingest.NewBackend(e.accounts, e.processor, int64(cfg.Ingest.MaxMessageBytes), logger)
			ingest = smtpingest.NewServer(backend, cfg.Ingest, logger)
			if err := ingest.ListenAndServe(); err != nil {
				dispatcher.Stop()
				return err
			}
		}

		select {
		case <-ctx.Done():
		case err := <-apiErr:
			logger.Error("API server failed", "error", err.Error())
		}

		logger.Info("Starting graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.Duration(cfg.Server.ShutdownTimeout, 30*time.Second))
		defer cancel()

		if ingest != nil {
			if err := ingest.Close(); err != nil {
				logger.Error("SMTP ingest shutdown error", "error", err.Error())
			}
		}
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown error", "error", err.Error())
		}
		dispatcher.Stop()

		logger.Info("Shutdown complete")
		return nil
	},
}

// runTicker calls Tick on a fixed interval until ctx ends. External cron
// callers of the tick endpoint may run alongside it.
func runTicker(ctx context.Context, s *automation.Scheduler, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := s.Tick(ctx, now); err != nil {
				logger.Scheduler().ErrorContext(ctx, "scheduler tick failed", err)
			}
		}
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with secrets")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(doctorCmd)

	accountCmd.AddCommand(accountAddCmd)
	rootCmd.AddCommand(accountCmd)

	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rootCmd.AddCommand(rulesCmd)

	jobCmd.AddCommand(jobAddCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobEnableCmd)
	jobCmd.AddCommand(jobDisableCmd)
	rootCmd.AddCommand(jobCmd)

	secretCmd.AddCommand(secretHashCmd)
	rootCmd.AddCommand(secretCmd)
}
