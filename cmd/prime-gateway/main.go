// ABOUTME: Entry point for the prime-gateway control-plane server
// ABOUTME: Serves the WebSocket protocol, approval workflow, and binding resolution

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
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

	"github.com/2389/prime-gateway/internal/auth"
	"github.com/2389/prime-gateway/internal/binding"
	"github.com/2389/prime-gateway/internal/config"
	"github.com/2389/prime-gateway/internal/events"
	"github.com/2389/prime-gateway/internal/gateway"
	"github.com/2389/prime-gateway/internal/idempotency"
	"github.com/2389/prime-gateway/internal/node"
	"github.com/2389/prime-gateway/internal/registry"
	"github.com/2389/prime-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                              _
  _ __  _ __(_)_ __ ___   ___    __ _  __ _| |_ _____      ____ _ _   _
 | '_ \| '__| | '_ ' _ \ / _ \  / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | |_) | |  | | | | | | |  __/ | (_| | (_| | ||  __/\ V  V / (_| | |_| |
 | .__/|_|  |_|_| |_| |_|\___|  \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
 |_|                            |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: PRIME_CONFIG env var > XDG_CONFIG_HOME/prime/gateway.yaml > ~/.config/prime/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("PRIME_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "prime", "gateway.yaml")
}

// getDataPath returns the path to the prime data directory.
// Priority: XDG_DATA_HOME/prime > ~/.local/share/prime
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "prime")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: prime-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                     Start the gateway server")
		fmt.Println("  bootstrap                 Create a config file with a fresh JWT secret")
		fmt.Println("  token --subject S [...]   Mint a token signed with the configured secret")
		fmt.Println("  health                    Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "bootstrap":
		err = runBootstrap()
	case "token":
		err = runToken()
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

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting prime-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"db_path", cfg.Database.Path,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	bus := events.NewBus(logger)
	defer bus.Close()

	nonces := auth.NewNonceLedger(cfg.Auth.NonceTTL)
	defer nonces.Close()

	idem := idempotency.NewService(st, cfg.Idempotency.TTL, logger)
	nodes := node.NewService(st, bus, &node.ShellRunner{}, node.Options{
		RequireMediumApproval: cfg.Node.RequireMediumApproval,
		ApprovalTTL:           cfg.Node.ApprovalTTL,
	}, logger)

	srv := gateway.NewServer(gateway.Config{
		Registry:    registry.NewRegistry(logger),
		Bus:         bus,
		Nonces:      nonces,
		Verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		Idempotency: idem,
		Bindings:    binding.NewService(st, logger),
		Nodes:       nodes,
		Options: &gateway.Options{
			OutboundQueue:     cfg.Gateway.OutboundQueue,
			HandshakeTimeout:  cfg.Gateway.HandshakeTimeout,
			RequestTimeout:    cfg.Gateway.RequestTimeout,
			HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		},
		Logger: logger,
	})

	go srv.RunHeartbeat(ctx)
	go nodes.RunSweeper(ctx, cfg.Node.SweepInterval)
	go idem.RunSweeper(ctx, cfg.Idempotency.TTL)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
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

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

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

// runBootstrap writes a starter config with a random JWT secret. It never
// overwrites an existing file.
func runBootstrap() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(`server:
  http_addr: "127.0.0.1:8400"

database:
  path: %q

auth:
  jwt_secret: %q
  nonce_ttl: 30s

gateway:
  outbound_queue: 64
  handshake_timeout: 10s
  request_timeout: 30s
  heartbeat_interval: 30s

idempotency:
  ttl: 1h

node:
  require_medium_approval: false
  approval_ttl: 24h
  sweep_interval: 1m

logging:
  level: info
  format: text
`, filepath.Join(dataPath, "gateway.db"), secret)

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("    ✓ ")
	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("Next: mint a token with `prime-gateway token --subject you --role operator --scope '*' --cap admin`")
	return nil
}

// runToken mints a JWT signed with the configured secret.
func runToken() error {
	var (
		subject string
		role    = "node"
		scopes  []string
		caps    []string
		ttl     = 30 * 24 * time.Hour
	)

	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", args[i])
			}
			i++
			return args[i], nil
		}
		var v string
		var err error
		switch args[i] {
		case "--subject", "-s":
			if v, err = value(); err == nil {
				subject = v
			}
		case "--role", "-r":
			if v, err = value(); err == nil {
				role = v
			}
		case "--scope":
			if v, err = value(); err == nil {
				scopes = append(scopes, v)
			}
		case "--cap":
			if v, err = value(); err == nil {
				caps = append(caps, v)
			}
		case "--ttl":
			if v, err = value(); err == nil {
				ttl, err = time.ParseDuration(v)
			}
		default:
			err = fmt.Errorf("unknown flag: %s", args[i])
		}
		if err != nil {
			return err
		}
	}

	if subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(subject, role, scopes, caps, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
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
