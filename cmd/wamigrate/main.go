package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/wamigrate/wamigrate/internal/api"
	"github.com/wamigrate/wamigrate/internal/config"
	"github.com/wamigrate/wamigrate/internal/executor"
	"github.com/wamigrate/wamigrate/internal/ledger"
	"github.com/wamigrate/wamigrate/internal/lockfile"
	"github.com/wamigrate/wamigrate/internal/messaging"
	"github.com/wamigrate/wamigrate/internal/pacing"
	"github.com/wamigrate/wamigrate/internal/plan"
	"github.com/wamigrate/wamigrate/internal/scheduler"
	"github.com/wamigrate/wamigrate/internal/twiliowhatsapp"
	"github.com/wamigrate/wamigrate/internal/util"
	"github.com/wamigrate/wamigrate/internal/whatsapp"
)

func main() {
	initializeLogger(slog.LevelInfo)

	envCfg := loadEnvironmentConfig()
	flags := parseCommandLineFlags(envCfg)

	if *flags.status {
		os.Exit(printStatus(*flags.stateDir))
	}

	cfg, err := buildConfig(flags)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	initializeLogger(parseLogLevel(cfg.LogLevel))

	if err := run(cfg); err != nil {
		slog.Error("wamigrate run failed", "error", err)
		os.Exit(1)
	}
	slog.Info("wamigrate exited successfully")
}

// summaryMirrorCron is how often the run summary is re-mirrored into the
// SQL archive while a run is active.
const summaryMirrorCron = "*/5 * * * *"

// envConfig holds environment configuration.
type envConfig struct {
	ConfigPath string
	PlanPath   string
	StateDir   string
	Channel    string
	APIAddr    string
	ArchiveDSN string
	SessionDSN string
	StartCron  string
	DryRun     bool
}

// flagSet holds command line flag values.
type flagSet struct {
	configPath  *string
	planPath    *string
	stateDir    *string
	channel     *string
	apiAddr     *string
	archiveDSN  *string
	sessionDSN  *string
	startCron   *string
	qrOutput    *string
	numeric     *bool
	dryRun      *bool
	status      *bool
	maxAttempts *int
}

func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file.
func loadEnvironmentConfig() envConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	return envConfig{
		ConfigPath: os.Getenv("WAMIGRATE_CONFIG"),
		PlanPath:   os.Getenv("WAMIGRATE_PLAN"),
		StateDir:   os.Getenv("WAMIGRATE_STATE_DIR"),
		Channel:    os.Getenv("WAMIGRATE_CHANNEL"),
		APIAddr:    os.Getenv("API_ADDR"),
		ArchiveDSN: os.Getenv("DATABASE_URL"),
		SessionDSN: os.Getenv("WHATSAPP_DB_DSN"),
		StartCron:  os.Getenv("WAMIGRATE_START_CRON"),
		DryRun:     util.ParseBoolEnv("WAMIGRATE_DRY_RUN", false),
	}
}

// parseCommandLineFlags parses command line arguments with environment defaults.
func parseCommandLineFlags(env envConfig) flagSet {
	flags := flagSet{
		configPath:  flag.String("config", env.ConfigPath, "path to YAML config file (overrides $WAMIGRATE_CONFIG)"),
		planPath:    flag.String("plan", env.PlanPath, "path to the transfer plan JSON file (overrides $WAMIGRATE_PLAN)"),
		stateDir:    flag.String("state-dir", env.StateDir, "state directory for the progress ledger (overrides $WAMIGRATE_STATE_DIR)"),
		channel:     flag.String("channel", env.Channel, "delivery channel: whatsapp, twilio, or mock (overrides $WAMIGRATE_CHANNEL)"),
		apiAddr:     flag.String("api-addr", env.APIAddr, "status API listen address, empty disables (overrides $API_ADDR)"),
		archiveDSN:  flag.String("archive-dsn", env.ArchiveDSN, "SQL DSN to mirror the progress ledger into (overrides $DATABASE_URL)"),
		sessionDSN:  flag.String("session-dsn", env.SessionDSN, "WhatsApp session store DSN (overrides $WHATSAPP_DB_DSN)"),
		startCron:   flag.String("start-cron", env.StartCron, "cron expression gating run start (overrides $WAMIGRATE_START_CRON)"),
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		dryRun:      flag.Bool("dry-run", env.DryRun, "walk the plan without sending (overrides $WAMIGRATE_DRY_RUN)"),
		status:      flag.Bool("status", false, "print the current run summary and exit"),
		maxAttempts: flag.Int("max-attempts", 0, "delivery attempts per job (0 uses config default)"),
	}
	flag.Parse()
	return flags
}

// buildConfig loads the YAML config and layers flag overrides on top.
func buildConfig(flags flagSet) (*config.Config, error) {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return nil, err
	}
	if *flags.planPath != "" {
		cfg.PlanPath = *flags.planPath
	}
	if *flags.stateDir != "" {
		cfg.StateDir = *flags.stateDir
	}
	if *flags.channel != "" {
		cfg.Channel = *flags.channel
	}
	if *flags.apiAddr != "" {
		cfg.APIAddr = *flags.apiAddr
	}
	if *flags.archiveDSN != "" {
		cfg.ArchiveDSN = *flags.archiveDSN
	}
	if *flags.sessionDSN != "" {
		cfg.WhatsApp.SessionDSN = *flags.sessionDSN
	}
	if *flags.startCron != "" {
		cfg.StartCron = *flags.startCron
	}
	if *flags.qrOutput != "" {
		cfg.WhatsApp.QROutput = *flags.qrOutput
	}
	if *flags.numeric {
		cfg.WhatsApp.NumericCode = true
	}
	if *flags.dryRun {
		cfg.DryRun = true
	}
	if *flags.maxAttempts > 0 {
		cfg.MaxAttempts = *flags.maxAttempts
	}

	if cfg.PlanPath == "" {
		return nil, fmt.Errorf("no transfer plan given; use -plan or set planPath in the config file")
	}
	return cfg, nil
}

// printStatus renders the persisted run summary for -status.
func printStatus(stateDir string) int {
	if stateDir == "" {
		stateDir = "state"
	}
	summary, err := ledger.ReadSummary(stateDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("no run found in", stateDir)
			return 0
		}
		slog.Error("Failed to read run summary", "error", err)
		return 1
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		slog.Error("Failed to render run summary", "error", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func run(cfg *config.Config) error {
	lock, err := lockfile.Acquire(cfg.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	transferPlan, err := plan.Load(cfg.PlanPath)
	if err != nil {
		return fmt.Errorf("failed to load transfer plan: %w", err)
	}
	// Whatever statuses the plan file carries, resume state comes from the
	// ledger alone.
	plan.ResetStatuses(transferPlan)
	slog.Info("Transfer plan loaded", "plan", cfg.PlanPath,
		"jobs", len(transferPlan.Jobs), "excluded", len(transferPlan.Excluded))

	// Ctx is cancelled on the second interrupt; the first only pauses.
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.StartCron != "" {
		waitCtx, waitStop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		err := scheduler.WaitUntilNext(waitCtx, cfg.StartCron)
		waitStop()
		if err != nil {
			return fmt.Errorf("aborted while waiting for start window: %w", err)
		}
	}

	led, err := ledger.Open(cfg.StateDir, filepath.Base(cfg.PlanPath), len(transferPlan.Jobs))
	if err != nil {
		return fmt.Errorf("failed to open progress ledger: %w", err)
	}
	defer led.Close()

	if cfg.ArchiveDSN != "" {
		archive, err := ledger.NewArchive(cfg.ArchiveDSN)
		if err != nil {
			return fmt.Errorf("failed to open ledger archive: %w", err)
		}
		defer archive.Close()
		led.WithArchive(archive)

		// Attempts are mirrored as they happen, but the archive's summary row
		// only refreshes on status changes. The mirror job reads the on-disk
		// summary, so it never races the delivery loop.
		mirror := scheduler.New()
		defer mirror.Stop()
		if err := mirror.AddJob(summaryMirrorCron, func() {
			s, err := ledger.ReadSummary(cfg.StateDir)
			if err != nil {
				slog.Warn("Summary mirror read failed", "error", err)
				return
			}
			if err := archive.RecordSummary(s); err != nil {
				slog.Warn("Summary mirror write failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("failed to schedule summary mirror: %w", err)
		}
	}

	pacer, err := pacing.New(pacing.Config{
		MinDelay:     cfg.Pacing.MinDelay,
		MaxDelay:     cfg.Pacing.MaxDelay,
		DailyCeiling: cfg.Pacing.DailyCeiling,
	})
	if err != nil {
		return fmt.Errorf("invalid pacing configuration: %w", err)
	}

	sender, err := buildSender(ctx, cfg)
	if err != nil {
		return err
	}
	if sender != nil {
		defer sender.Close()
	}

	if cfg.APIAddr != "" {
		statusSrv := api.NewServer(cfg.APIAddr, cfg.StateDir)
		statusSrv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			statusSrv.Shutdown(shutdownCtx)
		}()
	}

	exec, err := executor.New(executor.RunContext{
		Plan:   transferPlan,
		Ledger: led,
		Pacer:  pacer,
		Sender: sender,
		Config: executor.Config{
			DryRun:      cfg.DryRun,
			MaxAttempts: cfg.MaxAttempts,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to build executor: %w", err)
	}

	// First interrupt pauses at the next job boundary, second stops outright.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		slog.Info("Interrupt received, pausing at the next job boundary (interrupt again to stop now)")
		exec.Pause()
		<-sigCh
		slog.Warn("Second interrupt received, stopping")
		stop()
	}()

	go logProgress(exec.Events())

	if err := exec.Run(ctx); err != nil {
		return err
	}

	summary := led.Summary()
	switch exec.State() {
	case executor.StatePaused:
		slog.Info("Run paused", "processed", summary.ProcessedJobs, "total", summary.TotalJobs)
	default:
		slog.Info("Run finished", "processed", summary.ProcessedJobs,
			"successful", summary.SuccessfulJobs, "failed", summary.FailedJobs)
	}
	return nil
}

// buildSender picks the channel adapter for the configured channel. Dry runs
// skip adapter construction entirely so they never touch a session.
func buildSender(ctx context.Context, cfg *config.Config) (messaging.Sender, error) {
	if cfg.DryRun {
		return nil, nil
	}
	switch cfg.Channel {
	case config.ChannelWhatsApp:
		var opts []whatsapp.Option
		if cfg.WhatsApp.SessionDSN != "" {
			opts = append(opts, whatsapp.WithSessionDSN(cfg.WhatsApp.SessionDSN))
		}
		if cfg.WhatsApp.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QROutput))
		}
		if cfg.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		return whatsapp.NewClient(ctx, opts...)
	case config.ChannelTwilio:
		return twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.FromWhats),
			twiliowhatsapp.WithMediaBaseURL(cfg.Twilio.MediaBaseURL),
		)
	case config.ChannelMock:
		return messaging.NewMockSender(), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel)
	}
}

func logProgress(events <-chan executor.Progress) {
	for p := range events {
		if p.Err != "" {
			slog.Warn("Delivery attempt failed", "job_id", p.JobID,
				"position", p.Position, "total", p.Total, "error", p.Err)
			continue
		}
		slog.Info("Delivery progress", "job_id", p.JobID,
			"position", p.Position, "total", p.Total,
			"successful", p.Successful, "failed", p.Failed)
	}
}
