package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/PacePipe/internal/api"
	"github.com/BTreeMap/PacePipe/internal/dispatcher"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/lockfile"
	"github.com/BTreeMap/PacePipe/internal/media"
	"github.com/BTreeMap/PacePipe/internal/pause"
	"github.com/BTreeMap/PacePipe/internal/queue"
	"github.com/BTreeMap/PacePipe/internal/scheduler"
	"github.com/BTreeMap/PacePipe/internal/session"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PacePipe/internal/util"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PacePipe state data
	DefaultStateDir = "/var/lib/pacepipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow SQLite database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAppDBFileName is the default application SQLite database filename
	DefaultAppDBFileName = "pacepipe.db"
	// DefaultMediaDirName is the media download directory inside the state directory
	DefaultMediaDirName = "temp"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 15 * time.Second
)

func main() {
	loadDotEnv()
	initializeLogger(os.Getenv("PACEPIPE_LOG_LEVEL"))

	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(config, os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping PacePipe")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "app_dsn_set", *flags.appDBDSN != "", "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("PacePipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("PacePipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	WhatsAppDBDSN    string
	ApplicationDBDSN string
	MediaTempDir     string
	OpenAIKey        string
	APIAddr          string
	LogLevel         string

	DelayMin       time.Duration
	DelayMax       time.Duration
	TickInterval   time.Duration
	DailyLimit     int
	ReconnectDelay time.Duration

	TwilioAccountSID  string
	TwilioAuthToken   string
	TwilioFromNumber  string
	TwilioSessionName string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	whatsappDBDSN  *string
	appDBDSN       *string
	mediaTempDir   *string
	openaiKey      *string
	apiAddr        *string
	delayMin       *time.Duration
	delayMax       *time.Duration
	tickInterval   *time.Duration
	dailyLimit     *int
	pauseSeed      *uint64
	reconnectDelay *time.Duration
	qrTerminal     *bool
	logLevel       string

	twilioAccountSID  string
	twilioAuthToken   string
	twilioFromNumber  string
	twilioSessionName string
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}
}

// parseLogLevel accepts DEBUG, INFO, WARN or ERROR in any case. Anything else
// falls back to debug.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil || s == "" {
		return slog.LevelDebug
	}
	return level
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(levelName string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(levelName)}))
	slog.SetDefault(logger)
}

func whatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// loadEnvironmentConfig loads configuration from environment variables
func loadEnvironmentConfig() Config {
	config := Config{
		StateDir:          os.Getenv("PACEPIPE_STATE_DIR"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		ApplicationDBDSN:  os.Getenv("DATABASE_DSN"),
		MediaTempDir:      os.Getenv("MEDIA_TEMP_DIR"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		APIAddr:           os.Getenv("API_ADDR"),
		LogLevel:          os.Getenv("PACEPIPE_LOG_LEVEL"),
		DelayMin:          util.ParseMillisEnv("DELAY_MIN_MS", dispatcher.DefaultDelayMin),
		DelayMax:          util.ParseMillisEnv("DELAY_MAX_MS", dispatcher.DefaultDelayMax),
		TickInterval:      util.ParseMillisEnv("QUEUE_TICK_MS", dispatcher.DefaultTickInterval),
		DailyLimit:        util.ParseIntEnv("MAX_MESSAGES_PER_INSTANCE_DAILY", api.DefaultDailyLimit),
		ReconnectDelay:    util.ParseDurationEnv("WHATSAPP_RECONNECT_DELAY_S", whatsapp.DefaultReconnectDelay),
		TwilioAccountSID:  os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromNumber:  os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioSessionName: os.Getenv("TWILIO_SESSION_NAME"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PACEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	// DATABASE_URL is accepted for the application database when DATABASE_DSN is unset
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No application DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = whatsAppDSN(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN provided, defaulting to SQLite", "dsn", config.WhatsAppDBDSN)
	}
	if config.MediaTempDir == "" {
		config.MediaTempDir = filepath.Join(config.StateDir, DefaultMediaDirName)
	}

	slog.Debug("environment variables loaded",
		"PACEPIPE_STATE_DIR", config.StateDir,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"API_ADDR", config.APIAddr,
		"DELAY_MIN", config.DelayMin,
		"DELAY_MAX", config.DelayMax,
		"MAX_MESSAGES_PER_INSTANCE_DAILY", config.DailyLimit)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config, args []string) (Flags, error) {
	fs := flag.NewFlagSet("pacepipe", flag.ContinueOnError)
	flags := Flags{
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for PacePipe data (overrides $PACEPIPE_STATE_DIR)"),
		whatsappDBDSN:     fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		appDBDSN:          fs.String("app-db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN or $DATABASE_URL)"),
		mediaTempDir:      fs.String("media-dir", config.MediaTempDir, "directory for downloaded media (overrides $MEDIA_TEMP_DIR)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		delayMin:          fs.Duration("delay-min", config.DelayMin, "minimum pause between sends of a session (overrides $DELAY_MIN_MS)"),
		delayMax:          fs.Duration("delay-max", config.DelayMax, "maximum pause between sends of a session (overrides $DELAY_MAX_MS)"),
		tickInterval:      fs.Duration("tick", config.TickInterval, "dispatcher tick interval (overrides $QUEUE_TICK_MS)"),
		dailyLimit:        fs.Int("daily-limit", config.DailyLimit, "messages per session per day, 0 for unlimited (overrides $MAX_MESSAGES_PER_INSTANCE_DAILY)"),
		pauseSeed:         fs.Uint64("pause-seed", 0, "seed for bulk pause durations, 0 for random"),
		reconnectDelay:    fs.Duration("reconnect-delay", config.ReconnectDelay, "wait before reconnecting a dropped session (overrides $WHATSAPP_RECONNECT_DELAY_S)"),
		qrTerminal:        fs.Bool("qr-terminal", true, "print login QR codes to stdout"),
		logLevel:          config.LogLevel,
		twilioAccountSID:  config.TwilioAccountSID,
		twilioAuthToken:   config.TwilioAuthToken,
		twilioFromNumber:  config.TwilioFromNumber,
		twilioSessionName: config.TwilioSessionName,
	}
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	// DSNs derived from the default state directory follow an overridden one
	if *flags.stateDir != config.StateDir {
		if *flags.whatsappDBDSN == whatsAppDSN(config.StateDir) {
			*flags.whatsappDBDSN = whatsAppDSN(*flags.stateDir)
		}
		if *flags.appDBDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDBDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.mediaTempDir == filepath.Join(config.StateDir, DefaultMediaDirName) {
			*flags.mediaTempDir = filepath.Join(*flags.stateDir, DefaultMediaDirName)
		}
		slog.Debug("Updated derived paths based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}
	if *flags.delayMax < *flags.delayMin {
		return Flags{}, fmt.Errorf("delay-max %v is below delay-min %v", *flags.delayMax, *flags.delayMin)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"apiAddr", *flags.apiAddr,
		"delayMin", *flags.delayMin,
		"delayMax", *flags.delayMax,
		"dailyLimit", *flags.dailyLimit,
		"openaiKeySet", *flags.openaiKey != "")
	return flags, nil
}

// sqliteDir returns the directory holding a file-based DSN, or "" for Postgres.
func sqliteDir(dsn string) string {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return ""
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

// ensureDirectoriesExist creates the state, media and database directories
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, *flags.mediaTempDir, sqliteDir(*flags.whatsappDBDSN), sqliteDir(*flags.appDBDSN)}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create directory", "error", err, "dir", dir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waLevel := max(parseLogLevel(flags.logLevel), slog.LevelInfo)
	waOpts := []whatsapp.Option{
		whatsapp.WithDBDSN(*flags.whatsappDBDSN),
		whatsapp.WithReconnectDelay(*flags.reconnectDelay),
		whatsapp.WithLogLevel(waLevel.String()),
	}
	if *flags.qrTerminal {
		waOpts = append(waOpts, whatsapp.WithQRWriter(os.Stdout))
	}
	return waOpts
}

// buildTwilioOptions returns nil when Twilio is not configured
func buildTwilioOptions(flags Flags) []twiliowhatsapp.Option {
	if flags.twilioAccountSID == "" || flags.twilioAuthToken == "" || flags.twilioFromNumber == "" {
		return nil
	}
	opts := []twiliowhatsapp.Option{
		twiliowhatsapp.WithAccountSID(flags.twilioAccountSID),
		twiliowhatsapp.WithAuthToken(flags.twilioAuthToken),
		twiliowhatsapp.WithFromWhats(flags.twilioFromNumber),
	}
	if flags.twilioSessionName != "" {
		opts = append(opts, twiliowhatsapp.WithSessionName(flags.twilioSessionName))
	}
	return opts
}

// buildDispatcherOptions constructs dispatcher timing options
func buildDispatcherOptions(flags Flags) []dispatcher.Option {
	return []dispatcher.Option{
		dispatcher.WithDelayRange(*flags.delayMin, *flags.delayMax),
		dispatcher.WithTickInterval(*flags.tickInterval),
	}
}

// buildGenAIOptions returns nil when no API key is configured
func buildGenAIOptions(flags Flags) []genai.Option {
	if *flags.openaiKey == "" {
		return nil
	}
	return []genai.Option{genai.WithAPIKey(*flags.openaiKey)}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	apiOpts := []api.Option{api.WithDailyLimiter(api.NewDailyLimiter(*flags.dailyLimit))}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.pauseSeed != 0 {
		apiOpts = append(apiOpts, api.WithPauseEngine(pause.NewEngine(rand.NewPCG(*flags.pauseSeed, 0))))
	}
	return apiOpts
}

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir, *flags.apiAddr)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(*flags.appDBDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	manager, err := whatsapp.NewManager(ctx, st, buildWhatsAppOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to start WhatsApp session manager: %w", err)
	}
	defer manager.Close()
	if err := manager.Restore(ctx); err != nil {
		slog.Error("run: failed to restore sessions", "error", err)
	}

	providers := session.Providers{manager}
	if opts := buildTwilioOptions(flags); opts != nil {
		tw, err := twiliowhatsapp.NewClient(opts...)
		if err != nil {
			return fmt.Errorf("failed to create Twilio client: %w", err)
		}
		providers = append(providers, tw)
		slog.Info("run: Twilio backend enabled", "session", tw.SessionName())
	}

	downloader, err := media.NewDownloader(media.WithTempDir(*flags.mediaTempDir))
	if err != nil {
		return fmt.Errorf("failed to create media downloader: %w", err)
	}

	dispOpts := append(buildDispatcherOptions(flags),
		dispatcher.WithCampaignLogger(st),
		dispatcher.WithDownloader(downloader),
		dispatcher.WithEvents(manager.Events()),
	)
	disp := dispatcher.New(queue.NewStore(), providers, dispOpts...)
	disp.Start(ctx)

	apiOpts := buildAPIOptions(flags)
	if opts := buildGenAIOptions(flags); opts != nil {
		gc, err := genai.NewClient(opts...)
		if err != nil {
			slog.Warn("run: GenAI disabled", "error", err)
		} else {
			apiOpts = append(apiOpts, api.WithSuggester(gc))
		}
	}
	server := api.NewServer(manager, providers, disp, st, apiOpts...)

	sched := scheduler.NewScheduler()
	if err := sched.AddJob("daily-limit-reset", scheduler.Midnight, server.ResetDailyCounts); err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("run: shutdown requested")
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("API server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		slog.Error("run: API shutdown failed", "error", serr)
	}
	disp.Stop()
	sched.Stop(shutdownCtx)
	return err
}
