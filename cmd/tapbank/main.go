// ABOUTME: Entry point for the tapbank server
// ABOUTME: Runs the NFC card bank and its management commands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/2389/tapbank/internal/admin"
	"github.com/2389/tapbank/internal/backup"
	"github.com/2389/tapbank/internal/bank"
	"github.com/2389/tapbank/internal/binding"
	"github.com/2389/tapbank/internal/config"
	"github.com/2389/tapbank/internal/store"
	"github.com/2389/tapbank/internal/web"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _              _                 _
| |_ __ _ _ __ | |__   __ _ _ __ | | __
| __/ _' | '_ \| '_ \ / _' | '_ \| |/ /
| || (_| | |_) | |_) | (_| | | | |   <
 \__\__,_| .__/|_.__/ \__,_|_| |_|_|\_\
         |_|
`

// getConfigPath returns the path to the tapbank config file.
// Priority: TAPBANK_CONFIG env var > XDG_CONFIG_HOME/tapbank/tapbank.yaml > ~/.config/tapbank/tapbank.yaml
func getConfigPath() string {
	if envPath := os.Getenv("TAPBANK_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "tapbank.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "tapbank", "tapbank.yaml")
}

// getDataPath returns the path to the tapbank data directory.
// Priority: XDG_DATA_HOME/tapbank > ~/.local/share/tapbank
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "tapbank")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: tapbank <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                  Start the bank server")
		fmt.Println("  init                   Create a new config file interactively")
		fmt.Println("  bootstrap --name NAME  Create config and the first card")
		fmt.Println("  health                 Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "bootstrap":
		err = runBootstrap(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	// Startup info
	green := color.New(color.FgGreen)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", describeDatabase(cfg.Database))
	if cfg.Backup.Gist.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Backup:    gist %s\n", cfg.Backup.Gist.GistID)
	}
	fmt.Println()

	logger.Info("starting tapbank",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"driver", cfg.Database.Driver,
	)

	st, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Backup mirror, armed by every mutation
	var notify func()
	var mirror *backup.Mirror
	if cfg.Backup.Gist.Enabled {
		mirror = backup.NewMirror(st, backup.Options{
			GistID:   cfg.Backup.Gist.GistID,
			Token:    cfg.Backup.Gist.Token,
			Filename: cfg.Backup.Gist.Filename,
			Debounce: cfg.Backup.Gist.Debounce,
		})
		notify = mirror.Notify
	}

	protocol := binding.NewProtocol(st, binding.Options{
		SessionTTL: cfg.Sessions.TTL,
		ScanWindow: cfg.Sessions.ScanWindow,
		GrantTTL:   cfg.Sessions.TTL,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
	})

	engine, err := bank.NewEngine(st, protocol, bank.Options{
		DefaultPIN: cfg.Bank.DefaultPIN,
		Notify:     notify,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	mux := http.NewServeMux()
	web.NewServer(st, protocol, engine, cfg.Sessions.TTL).Routes(mux)
	admin.NewAdmin(st, admin.Options{
		Key:        cfg.Admin.Key,
		BaseURL:    cfg.Server.BaseURL,
		DefaultPIN: cfg.Bank.DefaultPIN,
		Notify:     notify,
	}).Routes(mux)

	// Background workers
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSessionSweep(ctx, st, cfg.Sessions.SweepInterval, logger)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		bank.NewCharger(st, cfg.Bank.ChargeInterval, notify).Run(ctx)
	}()

	if mirror != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mirror.Run(ctx)
		}()
	}

	server := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.HTTPAddr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	wg.Wait()
	logger.Info("stopped")
	return nil
}

// runSessionSweep deletes expired sessions on an interval. Expiry is also
// enforced lazily on lookup; the sweep just keeps the table small.
func runSessionSweep(ctx context.Context, st store.Store, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := st.DeleteExpiredSessions(ctx)
			if err != nil {
				logger.Error("sweeping sessions", "error", err)
				continue
			}
			if count > 0 {
				logger.Debug("swept expired sessions", "count", count)
			}
		}
	}
}

func describeDatabase(cfg config.DatabaseConfig) string {
	if cfg.Driver == "postgres" {
		return "postgres"
	}
	return cfg.Path
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Driver == "postgres" {
		return store.NewPostgresStore(cfg.DSN)
	}
	return store.NewSQLiteStore(cfg.Path)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", strings.TrimPrefix(cfg.Server.HTTPAddr, ":"))
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		url = fmt.Sprintf("http://localhost%s/healthz", cfg.Server.HTTPAddr)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runInit creates a config file interactively.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("HTTP listen address [:8080]: ")
	httpAddr, _ := reader.ReadString('\n')
	httpAddr = strings.TrimSpace(httpAddr)
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	fmt.Print("External base URL (for tag URLs, optional): ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	dbPath := filepath.Join(getDataPath(), "tapbank.db")
	fmt.Printf("Database path [%s]: ", dbPath)
	customDB, _ := reader.ReadString('\n')
	if customDB = strings.TrimSpace(customDB); customDB != "" {
		dbPath = customDB
	}

	jwtSecret, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	adminKey, err := randomSecret()
	if err != nil {
		return fmt.Errorf("generating admin key: %w", err)
	}

	if err := writeConfigFile(configPath, httpAddr, baseURL, dbPath, jwtSecret, adminKey); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Printf("  Admin key: %s\n", adminKey)
	fmt.Printf("  Admin URL: %s/admin?key=%s\n", displayBase(baseURL, httpAddr), adminKey)
	return nil
}

// runBootstrap performs first-time setup:
// 1. Creates config with random secrets (if not exists)
// 2. Creates the database and the first card
// 3. Prints the launch URL to write onto a tag
//
// One-command setup: tapbank bootstrap --name "Your Name"
func runBootstrap(ctx context.Context) error {
	// Supports both "--name value" and "--name=value" formats
	var displayName string
	var pin string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--name" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			displayName = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			displayName = strings.TrimPrefix(arg, "--name=")
		case arg == "--pin":
			if i+1 >= len(args) {
				return fmt.Errorf("--pin requires a value")
			}
			pin = args[i+1]
			i++
		case strings.HasPrefix(arg, "--pin="):
			pin = strings.TrimPrefix(arg, "--pin=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return fmt.Errorf("--name flag is required")
	}
	if len(displayName) > 100 {
		return fmt.Errorf("display name exceeds maximum length of 100 characters")
	}
	if pin == "" {
		pin = config.DefaultPIN
	}

	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "tapbank.db")

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	var cfg *config.Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		jwtSecret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		adminKey, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating admin key: %w", err)
		}

		if err := os.MkdirAll(getDataPath(), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		if err := writeConfigFile(configPath, ":8080", "", dbPath, jwtSecret, adminKey); err != nil {
			return err
		}
		green.Printf("  ✓ Created config: %s\n", configPath)
		fmt.Printf("  Admin key: %s\n", adminKey)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
	} else {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cyan.Printf("  Using existing config: %s\n", configPath)
	}

	st, err := openStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green.Printf("  ✓ Database: %s\n", describeDatabase(cfg.Database))

	pinHash, err := binding.HashPIN(pin)
	if err != nil {
		return fmt.Errorf("hashing PIN: %w", err)
	}
	token, err := binding.NewCardToken()
	if err != nil {
		return fmt.Errorf("generating card token: %w", err)
	}

	acct := &store.Account{
		ID:        uuid.NewString(),
		Name:      displayName,
		Token:     token,
		PINHash:   pinHash,
		Balance:   cfg.Bank.StartingBalance,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.CreateAccount(ctx, acct); err != nil {
		return fmt.Errorf("creating card: %w", err)
	}

	green.Printf("  ✓ Created card: %s\n", displayName)
	fmt.Println()
	fmt.Println("  Write this URL onto an NFC tag:")
	cyan.Printf("  %s/launch/%s\n", displayBase(cfg.Server.BaseURL, cfg.Server.HTTPAddr), token)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func displayBase(baseURL, httpAddr string) string {
	if baseURL != "" {
		return strings.TrimSuffix(baseURL, "/")
	}
	if strings.HasPrefix(httpAddr, ":") {
		return "http://localhost" + httpAddr
	}
	return "http://" + httpAddr
}

func writeConfigFile(configPath, httpAddr, baseURL, dbPath, jwtSecret, adminKey string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configContent := fmt.Sprintf(`# tapbank configuration
# Generated by tapbank

server:
  http_addr: "%s"
  base_url: "%s"

database:
  driver: "sqlite"
  path: "%s"

auth:
  jwt_secret: "%s"

admin:
  key: "%s"

sessions:
  ttl: "5m"
  scan_window: "5m"
  sweep_interval: "1m"

bank:
  default_pin: "0000"
  starting_balance: 1000
  charge_interval: "1m"

logging:
  level: "info"
  format: "text"
`, httpAddr, baseURL, dbPath, jwtSecret, adminKey)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
