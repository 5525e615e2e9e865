package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/model-hopper/internal/config"
	"github.com/tributary-ai/model-hopper/internal/middleware"
	"github.com/tributary-ai/model-hopper/internal/providers"
	"github.com/tributary-ai/model-hopper/internal/providers/anthropic"
	"github.com/tributary-ai/model-hopper/internal/providers/gemini"
	"github.com/tributary-ai/model-hopper/internal/providers/openai"
	"github.com/tributary-ai/model-hopper/internal/routing"
	"github.com/tributary-ai/model-hopper/internal/server"
	"github.com/tributary-ai/model-hopper/internal/telemetry"
	"github.com/tributary-ai/model-hopper/internal/types"
)

const version = "1.0.0"

// Application represents the main application
type Application struct {
	configPath string
	router     *routing.Router
	logger     *logrus.Logger
	shutdown   telemetry.ShutdownFunc

	mu     sync.RWMutex
	config *config.Config
}

// NewApplication loads configuration, sets up logging and tracing and builds
// the provider pool
func NewApplication(configPath string, forceTracing bool) (*Application, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// spans always go to stderr; stdout may carry a -prompt reply
	shutdown, err := telemetry.InitTracer(telemetry.Options{
		ServiceName:    "model-hopper",
		ServiceVersion: version,
		Enabled:        forceTracing || cfg.Tracing.Enabled,
		Writer:         os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	app := &Application{
		configPath: configPath,
		router:     routing.NewRouter(logger),
		logger:     logger,
		shutdown:   shutdown,
		config:     cfg,
	}
	app.router.SetProviders(buildProviders(cfg, logger)...)

	if enabled := cfg.GetEnabledProviders(); len(enabled) == 0 {
		logger.Warn("No provider API keys configured. Requests will fail until keys are added.")
	} else {
		logger.WithField("providers", enabled).Info("Provider registration completed")
	}

	return app, nil
}

// RoutingOptions returns the options built from the current configuration
func (app *Application) RoutingOptions() routing.RoutingOptions {
	app.mu.RLock()
	defer app.mu.RUnlock()
	return app.config.RoutingOptions("")
}

// Reload re-reads the configuration and swaps in a fresh provider pool. Quota
// state already observed is carried over to the new adapters.
func (app *Application) Reload(ctx context.Context) error {
	cfg, err := config.LoadConfig(app.configPath)
	if err != nil {
		return err
	}

	pool := buildProviders(cfg, app.logger)
	for _, provider := range pool {
		if old, ok := app.router.GetProvider(provider.ID()); ok {
			if state := old.GetQuotaState(); state != nil {
				provider.SetQuotaState(*state)
			}
		}
	}
	app.router.SetProviders(pool...)

	app.mu.Lock()
	app.config = cfg
	app.mu.Unlock()

	app.logger.WithField("providers", cfg.GetEnabledProviders()).Info("Configuration reloaded")
	return nil
}

// Prompt routes a single prompt and prints the reply
func (app *Application) Prompt(ctx context.Context, prompt string, override types.ProviderID) error {
	app.mu.RLock()
	opts := app.config.RoutingOptions(override)
	app.mu.RUnlock()

	opts.OnAutoSwitch = func(from, to types.ProviderID) {
		app.logger.WithFields(logrus.Fields{"from": from, "to": to}).Warnf("Auto-switched from %s to %s.", from, to)
	}

	resp, err := app.router.RouteRequest(ctx, &types.AIRequest{Prompt: prompt}, opts)
	if err != nil {
		app.logger.WithError(err).Error("Request failed")
		return fmt.Errorf("request failed: %w", err)
	}

	app.logger.WithFields(logrus.Fields{
		"provider": resp.Provider,
		"model":    resp.Model,
	}).Infof("Request handled by %s", resp.Provider)

	fmt.Println(resp.Text)
	return nil
}

// LogToStderr moves stdout logging to stderr so stdout carries only the
// reply. A file output is left alone.
func (app *Application) LogToStderr() {
	app.mu.RLock()
	output := app.config.Logging.Output
	app.mu.RUnlock()

	if output == "stdout" {
		app.logger.SetOutput(os.Stderr)
	}
}

// IssueToken mints a client JWT for the HTTP service
func (app *Application) IssueToken(clientID string) (string, error) {
	app.mu.RLock()
	secCfg := app.config.ToSecurityMiddlewareConfig()
	app.mu.RUnlock()

	sm := middleware.NewSecurityMiddleware(secCfg, app.logger)
	defer sm.Stop()

	return sm.AuthProvider().GenerateJWT(clientID, map[string]string{"issued_by": "cli"})
}

// Serve runs the HTTP service until SIGINT or SIGTERM
func (app *Application) Serve() error {
	app.mu.RLock()
	serverConfig := app.config.ToServerConfig()
	manualOverride := app.config.ManualOverride
	app.mu.RUnlock()

	srv, err := server.NewServer(app.router, serverConfig, app.RoutingOptions, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	srv.SetReloadFunc(app.Reload)

	app.logger.WithFields(logrus.Fields{
		"version":         version,
		"manual_override": manualOverride,
	}).Info("Starting Model Hopper")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrors := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- fmt.Errorf("server failed to start: %w", err)
		}
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	app.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// Close flushes pending spans
func (app *Application) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.shutdown(ctx); err != nil {
		app.logger.WithError(err).Warn("Tracer shutdown error")
	}
}

// buildProviders creates one adapter per vendor. Adapters without a key are
// still registered; the router skips them as unconfigured.
func buildProviders(cfg *config.Config, logger *logrus.Logger) []providers.Provider {
	return []providers.Provider{
		openai.NewOpenAIProvider(cfg.OpenAIConfig(), cfg.QuotaRefreshMinutes, logger),
		anthropic.NewAnthropicProvider(cfg.AnthropicConfig(), cfg.QuotaRefreshMinutes, logger),
		gemini.NewGeminiProvider(cfg.GeminiConfig(), cfg.QuotaRefreshMinutes, logger),
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	switch config.Output {
	case "stdout":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// anything else is a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// resolveConfigPath falls back to DefaultConfigFile in the working directory
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if _, err := os.Stat(config.DefaultConfigFile); err == nil {
		return config.DefaultConfigFile
	}
	return ""
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY                 OpenAI API key\n")
	fmt.Fprintf(os.Stderr, "  ANTHROPIC_API_KEY              Anthropic API key\n")
	fmt.Fprintf(os.Stderr, "  GEMINI_API_KEY                 Gemini API key\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_PORT              Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_LOG_LEVEL         Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_LOG_FORMAT        Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_PRIORITY_ORDER    Comma separated provider ids\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_OVERRIDE          Provider tried first\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_JWT_SECRET        Secret for client JWTs\n")
	fmt.Fprintf(os.Stderr, "  MODEL_HOPPER_TRACING           Export spans to stderr (true,false)\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s -init-config %s\n", os.Args[0], config.DefaultConfigFile)
	fmt.Fprintf(os.Stderr, "  %s -prompt \"Summarize RFC 2616\" -override anthropic\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  OPENAI_API_KEY=sk-xxx GEMINI_API_KEY=AIza-xxx %s\n", os.Args[0])
}

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file (default ./"+config.DefaultConfigFile+" if present)")
		prompt      = flag.String("prompt", "", "Route a single prompt and print the reply")
		override    = flag.String("override", "", "Provider to try first (openai, anthropic, gemini)")
		initConfig  = flag.String("init-config", "", "Write a sample configuration file to this path")
		issueToken  = flag.String("issue-token", "", "Print a client JWT for this client id")
		trace       = flag.Bool("trace", false, "Export spans to stderr")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *showVersion {
		fmt.Printf("Model Hopper v%s\n", version)
		os.Exit(0)
	}

	if *initConfig != "" {
		if err := config.WriteSample(*initConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write sample config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Sample configuration written to %s\n", *initConfig)
		os.Exit(0)
	}

	// a missing .env is fine
	_ = godotenv.Load()

	var overrideID types.ProviderID
	if *override != "" {
		id, err := types.ParseProviderID(*override)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -override: %v\n", err)
			os.Exit(2)
		}
		overrideID = id
	}

	app, err := NewApplication(resolveConfigPath(*configPath), *trace)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	switch {
	case *issueToken != "":
		app.LogToStderr()
		token, err := app.IssueToken(*issueToken)
		app.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)

	case *prompt != "":
		app.LogToStderr()
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		err := app.Prompt(ctx, *prompt, overrideID)
		cancel()
		app.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}

	default:
		if overrideID != "" {
			app.mu.Lock()
			app.config.ManualOverride = overrideID
			app.mu.Unlock()
		}
		err := app.Serve()
		app.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
			os.Exit(1)
		}
	}
}
