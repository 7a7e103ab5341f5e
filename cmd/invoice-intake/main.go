package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/peterbourgon/ff/v4/ffyaml"
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-intake/internal/invoice"
	"github.com/zombor/invoice-intake/internal/scanning"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

type config struct {
	port            int
	dbPath          string
	databaseURL     string
	storagePath     string
	minioEndpoint   string
	minioBucket     string
	minioAccessKey  string
	minioSecretKey  string
	minioSSL        bool
	extractor       string
	geminiKey       string
	geminiModel     string
	openaiKey       string
	openaiBaseURL   string
	openaiModel     string
	ollamaURL       string
	ollamaModel     string
	extractTimeout  time.Duration
	extractRetries  int
	defaultCurrency string
	sentinelAmount  string
	dueDays         int
	strictIdentity  bool
	authUser        string
	authPass        string
	logLevel        string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	var cfg config
	fs := ff.NewFlagSet("invoice-intake")
	fs.IntVar(&cfg.port, 0, "port", 8080, "HTTP server port")
	fs.StringVar(&cfg.dbPath, 0, "db", "invoice-intake.db", "BoltDB file path")
	fs.StringVar(&cfg.databaseURL, 0, "database-url", "", "PostgreSQL URL; replaces the BoltDB file when set")
	fs.StringVar(&cfg.storagePath, 0, "storage", "./documents", "Storage directory path")
	fs.StringVar(&cfg.minioEndpoint, 0, "minio-endpoint", "", "S3-compatible endpoint; replaces the storage directory when set")
	fs.StringVar(&cfg.minioBucket, 0, "minio-bucket", "invoices", "Bucket for uploaded documents")
	fs.StringVar(&cfg.minioAccessKey, 0, "minio-access-key", "", "Object storage access key")
	fs.StringVar(&cfg.minioSecretKey, 0, "minio-secret-key", "", "Object storage secret key")
	fs.BoolVar(&cfg.minioSSL, 0, "minio-ssl", "Use TLS for object storage")
	fs.StringVar(&cfg.extractor, 0, "extractor", "gemini", "Extractor: 'gemini', 'openai' or 'ollama'")
	fs.StringVar(&cfg.geminiKey, 0, "gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
	fs.StringVar(&cfg.geminiModel, 0, "gemini-model", "gemini-2.5-pro", "Google Gemini model name")
	fs.StringVar(&cfg.openaiKey, 0, "openai-key", "", "OpenAI API key (or set OPENAI_API_KEY env var)")
	fs.StringVar(&cfg.openaiBaseURL, 0, "openai-base-url", "", "OpenAI-compatible API base URL")
	fs.StringVar(&cfg.openaiModel, 0, "openai-model", "gpt-4o", "OpenAI model name")
	fs.StringVar(&cfg.ollamaURL, 0, "ollama-url", "http://localhost:11434", "Ollama API base URL")
	fs.StringVar(&cfg.ollamaModel, 0, "ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
	fs.DurationVar(&cfg.extractTimeout, 0, "extract-timeout", 2*time.Minute, "Timeout for a single model call")
	fs.IntVar(&cfg.extractRetries, 0, "extract-retries", 3, "Attempts per document for transient model failures")
	fs.StringVar(&cfg.defaultCurrency, 0, "default-currency", "EUR", "Currency used when a document names none")
	fs.StringVar(&cfg.sentinelAmount, 0, "sentinel-amount", "1", "Amount stored when none can be read")
	fs.IntVar(&cfg.dueDays, 0, "due-days", 0, "Derive missing due dates this many days after the invoice date (0 disables)")
	fs.BoolVar(&cfg.strictIdentity, 0, "strict-identity", "Reject invoices without customer, vendor or number instead of using placeholders")
	fs.StringVar(&cfg.authUser, 0, "auth-user", "", "Basic auth username (optional)")
	fs.StringVar(&cfg.authPass, 0, "auth-pass", "", "Basic auth password (optional)")
	fs.StringVar(&cfg.logLevel, 0, "log-level", "info", "Log level: debug, info, warn or error")
	showVersion := fs.BoolLong("version", "Show version information")
	_ = fs.StringLong("config", "", "YAML config file")

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("INVOICE_INTAKE"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ffyaml.Parse),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q\n", cfg.logLevel)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sentinel, err := decimal.NewFromString(cfg.sentinelAmount)
	if err != nil || !sentinel.IsPositive() {
		return fmt.Errorf("sentinel amount must be a positive number, got %q", cfg.sentinelAmount)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	storage, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}

	extractor, err := openExtractor(ctx, cfg)
	if err != nil {
		return err
	}
	defer extractor.Close()

	service := invoice.NewService(store, extractor, storage, invoice.NormalizerConfig{
		DefaultCurrency: cfg.defaultCurrency,
		SentinelAmount:  sentinel,
		DueDays:         cfg.dueDays,
		StrictIdentity:  cfg.strictIdentity,
	})
	service.UseMetrics(invoice.NewMetrics(nil))

	server := invoice.NewServer(service, invoice.NewExporter(store, nil), invoice.BasicAuth{
		Username: cfg.authUser,
		Password: cfg.authPass,
	})

	addr := fmt.Sprintf(":%d", cfg.port)
	errc := make(chan error, 1)
	go func() {
		errc <- server.Start(addr)
	}()

	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	if cfg.authUser != "" || cfg.authPass != "" {
		slog.Info("Basic auth enabled", "user", cfg.authUser)
	}

	select {
	case err := <-errc:
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
		slog.Info("Shutting down...")
		return nil
	}
}

func openStore(ctx context.Context, cfg config) (invoice.Store, error) {
	if cfg.databaseURL != "" {
		slog.Info("Connecting to PostgreSQL...")
		store, err := invoice.NewPostgresStore(ctx, cfg.databaseURL)
		if err != nil {
			return nil, fmt.Errorf("initializing postgres store: %w", err)
		}
		return store, nil
	}

	slog.Info("Initializing database...", "path", cfg.dbPath)
	store, err := invoice.NewBoltStore(cfg.dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing bolt store: %w", err)
	}
	return store, nil
}

func openStorage(ctx context.Context, cfg config) (invoice.Storage, error) {
	if cfg.minioEndpoint != "" {
		slog.Info("Initializing object storage...", "endpoint", cfg.minioEndpoint, "bucket", cfg.minioBucket)
		storage, err := invoice.NewMinioStorage(ctx, invoice.MinioConfig{
			Endpoint:  cfg.minioEndpoint,
			AccessKey: cfg.minioAccessKey,
			SecretKey: cfg.minioSecretKey,
			Bucket:    cfg.minioBucket,
			UseSSL:    cfg.minioSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing object storage: %w", err)
		}
		return storage, nil
	}

	slog.Info("Initializing storage...", "path", cfg.storagePath)
	storage, err := invoice.NewLocalStorage(cfg.storagePath)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return storage, nil
}

func openExtractor(ctx context.Context, cfg config) (scanning.Extractor, error) {
	var (
		next scanning.Extractor
		err  error
	)

	switch cfg.extractor {
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini extractor...", "model", cfg.geminiModel)
		next, err = scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
	case "openai":
		apiKey := cfg.openaiKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		slog.Info("Initializing OpenAI extractor...", "model", cfg.openaiModel, "base_url", cfg.openaiBaseURL)
		next, err = scanning.NewOpenAI(apiKey, cfg.openaiBaseURL, cfg.openaiModel)
	case "ollama":
		slog.Info("Initializing Ollama extractor...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		next = scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	default:
		return nil, fmt.Errorf("invalid extractor %q: use gemini, openai or ollama", cfg.extractor)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s extractor: %w", cfg.extractor, err)
	}

	tries := cfg.extractRetries
	if tries < 1 {
		tries = 1
	}
	return scanning.NewRetrying(next, scanning.RetryConfig{
		MaxTries:       uint(tries),
		AttemptTimeout: cfg.extractTimeout,
	}), nil
}
