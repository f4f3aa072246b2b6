package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/TicketPipe/internal/api"
	"github.com/BTreeMap/TicketPipe/internal/flow"
	"github.com/BTreeMap/TicketPipe/internal/gateway"
	"github.com/BTreeMap/TicketPipe/internal/lockfile"
	"github.com/BTreeMap/TicketPipe/internal/models"
	"github.com/BTreeMap/TicketPipe/internal/session"
	"github.com/BTreeMap/TicketPipe/internal/store"
	"github.com/BTreeMap/TicketPipe/internal/tracker"
	"github.com/BTreeMap/TicketPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TicketPipe state data
	DefaultStateDir = "/var/lib/ticketpipe"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

// Gateway driver names selectable via $GATEWAY_DRIVER.
const (
	driverWhapi     = "whapi"
	driverWhatsmeow = "whatsmeow"
	driverTwilio    = "twilio"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	if err := run(config); err != nil {
		slog.Error("TicketPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("TicketPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	RedisURL         string
	StateDir         string
	APIAddr          string
	SessionTTL       time.Duration
	Projects         []string
	GatewayDriver    string
	WhapiBaseURL     string
	WhapiToken       string
	WhatsmeowDSN     string
	QROutput         string
	NumericCode      bool
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TrelloKey        string
	TrelloToken      string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		StateDir:         os.Getenv("TICKETPIPE_STATE_DIR"),
		APIAddr:          os.Getenv("API_ADDR"),
		SessionTTL:       util.ParseDurationEnv("SESSION_TTL", models.DefaultSessionTTL),
		Projects:         util.ParseListEnv("PROJECTS"),
		GatewayDriver:    strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY_DRIVER"))),
		WhapiBaseURL:     os.Getenv("WHAPI_BASE_URL"),
		WhapiToken:       os.Getenv("WHAPI_TOKEN"),
		WhatsmeowDSN:     os.Getenv("WHATSMEOW_DB_DSN"),
		QROutput:         os.Getenv("QR_OUTPUT"),
		NumericCode:      util.ParseBoolEnv("NUMERIC_CODE", false),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TrelloKey:        os.Getenv("TRELLO_KEY"),
		TrelloToken:      os.Getenv("TRELLO_TOKEN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TICKETPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.GatewayDriver == "" {
		config.GatewayDriver = driverWhapi
		slog.Debug("No GATEWAY_DRIVER set, using default", "driver", config.GatewayDriver)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"TICKETPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"SESSION_TTL", config.SessionTTL,
		"PROJECTS", len(config.Projects),
		"GATEWAY_DRIVER", config.GatewayDriver,
		"WHAPI_TOKEN_SET", config.WhapiToken != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"TRELLO_KEY_SET", config.TrelloKey != "")

	return config
}

// run wires the configured modules together and blocks until shutdown.
func run(config Config) error {
	if usesFileState(config) {
		lock, err := lockfile.AcquireLock(config.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := buildStore(config)
	if err != nil {
		return fmt.Errorf("failed to initialize persistence store: %w", err)
	}
	defer st.Close()

	sessions, err := buildSessionStore(config)
	if err != nil {
		return fmt.Errorf("failed to initialize session store: %w", err)
	}
	defer sessions.Close()

	if err := seedProjects(st, config.Projects); err != nil {
		return fmt.Errorf("failed to seed project set: %w", err)
	}

	svc, err := buildGatewayService(config, sessions)
	if err != nil {
		return fmt.Errorf("failed to initialize messaging gateway: %w", err)
	}

	trk := buildTracker(config)

	engine := flow.NewEngine(sessions, st, svc, trk, flow.Config{
		SessionTTL: config.SessionTTL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging gateway: %w", err)
	}
	defer svc.Stop()

	go engine.Run(ctx, svc.Interactions())

	ingester, _ := svc.(api.WebhookIngester)
	var apiOpts []api.Option
	if config.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(config.APIAddr))
	}
	server := api.NewServer(st, sessions, ingester, apiOpts...)
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	slog.Info("TicketPipe running", "driver", config.GatewayDriver, "api_addr", config.APIAddr)
	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// usesFileState reports whether the configured backends keep state on
// the local filesystem, which requires the single-instance lock.
func usesFileState(config Config) bool {
	if config.GatewayDriver == driverWhatsmeow {
		return true
	}
	return config.DatabaseURL != "" && store.DetectDSNType(config.DatabaseURL) != "postgres"
}

// buildStore selects the persistence backend from the database DSN.
func buildStore(config Config) (store.Store, error) {
	if config.DatabaseURL == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(config.DatabaseURL) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(config.DatabaseURL))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", config.DatabaseURL)
	return store.NewSQLiteStore(store.WithSQLiteDSN(config.DatabaseURL))
}

// buildSessionStore selects the session backend. Redis is used when a
// URL is configured, otherwise sessions are process-local.
func buildSessionStore(config Config) (session.Store, error) {
	if config.RedisURL == "" {
		slog.Debug("No REDIS_URL set, using in-memory session store")
		return session.NewMemoryStore(), nil
	}
	return session.NewRedisStore(session.WithURL(config.RedisURL))
}

// buildGatewayService constructs the configured messaging transport.
func buildGatewayService(config Config, sessions session.Store) (gateway.Service, error) {
	switch config.GatewayDriver {
	case driverWhapi:
		return gateway.NewWhapiService(sessions,
			gateway.WithBaseURL(config.WhapiBaseURL),
			gateway.WithToken(config.WhapiToken))
	case driverWhatsmeow:
		var opts []gateway.WhatsmeowOption
		if config.WhatsmeowDSN != "" {
			opts = append(opts, gateway.WithWhatsmeowDBDSN(config.WhatsmeowDSN))
		}
		if config.QROutput != "" {
			opts = append(opts, gateway.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			opts = append(opts, gateway.WithNumericCode())
		}
		return gateway.NewWhatsmeowService(opts...)
	case driverTwilio:
		return gateway.NewTwilioService(
			gateway.WithAccountSID(config.TwilioAccountSID),
			gateway.WithAuthToken(config.TwilioAuthToken),
			gateway.WithFromNumber(config.TwilioFrom))
	default:
		return nil, fmt.Errorf("unknown gateway driver: %s", config.GatewayDriver)
	}
}

// buildTracker constructs the external sync adapter when credentials
// are configured.
func buildTracker(config Config) tracker.Tracker {
	if config.TrelloKey == "" || config.TrelloToken == "" {
		slog.Debug("No Trello credentials set, external sync disabled")
		return tracker.Noop{}
	}
	trk, err := tracker.NewTrelloClient(
		tracker.WithKey(config.TrelloKey),
		tracker.WithToken(config.TrelloToken))
	if err != nil {
		slog.Warn("Failed to initialize Trello client, external sync disabled", "error", err)
		return tracker.Noop{}
	}
	return trk
}

// seedProjects upserts the PROJECTS entries ("Name" or "Name:externalID")
// into the known project set at startup.
func seedProjects(st store.Store, entries []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, entry := range entries {
		name, externalID, _ := strings.Cut(entry, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		p := models.Project{Name: name, ExternalID: strings.TrimSpace(externalID)}
		if err := st.UpsertProject(ctx, p); err != nil {
			return err
		}
		slog.Debug("Seeded project", "project", p.Name, "external_set", p.ExternalID != "")
	}
	return nil
}
