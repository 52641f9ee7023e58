// Package main is the CLI entrypoint for annexd. It provides subcommands
// for running the server (serve), managing database migrations (migrate),
// generating a federation signing key (keygen), and printing version
// information (version). The serve command loads configuration, connects to
// PostgreSQL and NATS, runs pending migrations, restores the Merkle tree
// from durable leaves, constructs every service, starts the HTTP/WebSocket
// server and background workers, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/annex-server/annex/internal/agents"
	"github.com/annex-server/annex/internal/api"
	"github.com/annex-server/annex/internal/auth"
	"github.com/annex-server/annex/internal/channels"
	"github.com/annex-server/annex/internal/config"
	"github.com/annex-server/annex/internal/connmgr"
	"github.com/annex-server/annex/internal/database"
	"github.com/annex-server/annex/internal/eventlog"
	"github.com/annex-server/annex/internal/federation"
	"github.com/annex-server/annex/internal/gateway"
	"github.com/annex-server/annex/internal/identity"
	"github.com/annex-server/annex/internal/policy"
	"github.com/annex-server/annex/internal/policyeval"
	"github.com/annex-server/annex/internal/presence"
	"github.com/annex-server/annex/internal/rtx"
	"github.com/annex-server/annex/internal/workers"
	"github.com/annex-server/annex/internal/zkcrypto"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "migrate":
		if err := runMigrate(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "keygen":
		if err := runKeygen(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// printUsage prints the CLI usage information.
func printUsage() {
	fmt.Println("Annex — Federated Trust-and-Identity Server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  annexd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Start the Annex server")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  keygen    Generate a federation signing key")
	fmt.Println("  version   Print version information")
	fmt.Println("  help      Show this help message")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println("  Config file:  annex.toml (or set ANNEX_CONFIG_PATH)")
	fmt.Println("  Env prefix:   ANNEX_ (e.g. ANNEX_DATABASE_URL)")
}

// runServe starts the full Annex server.
func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting Annex",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reconfigure logger with loaded settings.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	ctx := context.Background()

	// Connect to database.
	db, err := database.New(ctx, cfg.Database.URL, cfg.Database.MaxConnections, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	// Run migrations.
	if err := database.MigrateUp(cfg.Database.URL, logger); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	// Bootstrap the local server row (and default policy).
	serverID, err := ensureLocalServer(ctx, db, cfg)
	if err != nil {
		return fmt.Errorf("bootstrapping local server: %w", err)
	}
	logger.Info("local server ready", slog.Int64("server_id", serverID))

	// Load the federation signing key.
	signingKey, err := loadSigningKey(cfg.Instance.SigningKeyPath)
	if err != nil {
		return fmt.Errorf("loading signing key: %w", err)
	}

	// Load the Groth16 verification key.
	vkey, err := zkcrypto.LoadVerifyingKey(cfg.Identity.VerificationKeyPath)
	if err != nil {
		return fmt.Errorf("loading verification key: %w", err)
	}

	// Restore the Merkle tree from durable leaves.
	tree, err := identity.LoadTree(ctx, db.Pool, uint(cfg.Identity.TreeDepth), logger)
	if err != nil {
		return fmt.Errorf("restoring merkle tree: %w", err)
	}
	logger.Info("merkle tree restored",
		slog.Uint64("leaf_count", tree.NextIndex()),
		slog.String("root", tree.RootHex()))

	// Connect the NATS event fanout.
	fanout, err := eventlog.NewFanout(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer fanout.Close()

	// Load server policy.
	policies, err := policy.Load(ctx, db.Pool, serverID)
	if err != nil {
		return fmt.Errorf("loading server policy: %w", err)
	}

	// Construct services, leaves first.
	events := eventlog.New(serverID, fanout, logger)
	registry := identity.NewRegistry(db.Pool, tree, logger)
	verifier := identity.NewVerifier(db.Pool, serverID, registry, vkey, logger)
	authSvc := auth.NewService(db.Pool, serverID, logger)
	manager := connmgr.New(logger)
	presenceSvc := presence.NewService(db.Pool, serverID, fanout.Conn(), logger)
	channelSvc := channels.NewService(db.Pool, serverID, logger)
	agentSvc := agents.NewService(db.Pool, serverID, policies, events, presenceSvc, logger)
	fedSvc := federation.New(federation.Config{
		Pool:       db.Pool,
		ServerID:   serverID,
		PublicURL:  cfg.Instance.PublicURL,
		SigningKey: signingKey,
		Policies:   policies,
		Channels:   channelSvc,
		Verifier:   verifier,
		Events:     events,
		Logger:     logger,
	})
	rtxSvc := rtx.NewService(db.Pool, serverID, cfg.Instance.PublicURL, fedSvc, manager, logger)
	evalEngine := policyeval.New(db.Pool, serverID, policies, events, manager, logger)

	gw := &gateway.Server{
		Pool:       db.Pool,
		Auth:       authSvc,
		Channels:   channelSvc,
		Manager:    manager,
		Presence:   presenceSvc,
		Federation: fedSvc,
		Logger:     logger,
	}

	srv := api.NewServer(&api.Server{
		DB:         db,
		Config:     cfg,
		Auth:       authSvc,
		Registry:   registry,
		Verifier:   verifier,
		Agents:     agentSvc,
		Channels:   channelSvc,
		Federation: fedSvc,
		RTX:        rtxSvc,
		Policies:   policies,
		PolicyEval: evalEngine,
		Events:     events,
		Fanout:     fanout,
		Manager:    manager,
		Gateway:    gw,
		ServerID:   serverID,
		Version:    version,
		Logger:     logger,
	})

	// Background workers.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	workerMgr := workers.New(db.Pool, serverID, policies, logger)
	workerMgr.Start(workerCtx)

	if threshold := cfg.Presence.InactivityThreshold(); threshold > 0 {
		pruner := presence.NewPruner(presenceSvc, events, db.Pool, threshold, logger)
		go pruner.Run(workerCtx)
	}

	// Graceful shutdown handler.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
	}

	cancelWorkers()
	workerMgr.Stop()

	logger.Info("Annex stopped")
	return nil
}

// ensureLocalServer checks for the local server row (matched by name) and
// creates one with the default policy if absent. Returns the server ID.
func ensureLocalServer(ctx context.Context, db *database.DB, cfg *config.Config) (int64, error) {
	var id int64
	err := db.Pool.QueryRow(ctx,
		`SELECT id FROM servers WHERE name = $1`, cfg.Instance.Name,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reading server row: %w", err)
	}

	policyJSON, err := json.Marshal(policy.Default())
	if err != nil {
		return 0, fmt.Errorf("serializing default policy: %w", err)
	}

	err = pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO servers (name, policy_json) VALUES ($1, $2) RETURNING id`,
			cfg.Instance.Name, string(policyJSON),
		).Scan(&id); err != nil {
			return fmt.Errorf("creating server row: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO server_policy_versions (server_id, version, policy_json)
			 VALUES ($1, 1, $2)`,
			id, string(policyJSON),
		); err != nil {
			return fmt.Errorf("recording initial policy version: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// loadSigningKey reads a hex-encoded Ed25519 seed or private key from disk.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %q (generate one with `annexd keygen`): %w", path, err)
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding signing key hex: %w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("signing key must be %d or %d bytes of hex, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// runKeygen generates an Ed25519 key pair, writes the private seed to the
// configured path, and prints the hex public key for peers to pin.
func runKeygen() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	seedHex := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(cfg.Instance.SigningKeyPath, []byte(seedHex+"\n"), 0600); err != nil {
		return fmt.Errorf("writing signing key: %w", err)
	}

	fmt.Printf("signing key written to %s\n", cfg.Instance.SigningKeyPath)
	fmt.Printf("public key (pin this on peers): %s\n", hex.EncodeToString(pub))
	return nil
}

// runMigrate handles the migrate subcommand with up/down/status operations.
func runMigrate() error {
	logger := setupLogger("info", "text")

	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	action := "up"
	if len(os.Args) >= 3 {
		action = os.Args[2]
	}

	switch action {
	case "up":
		return database.MigrateUp(cfg.Database.URL, logger)
	case "down":
		return database.MigrateDown(cfg.Database.URL, logger)
	case "status":
		version, dirty, err := database.MigrateStatus(cfg.Database.URL)
		if err != nil {
			return err
		}
		fmt.Printf("migration version: %d (dirty: %v)\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q (want up, down, or status)", action)
	}
}

func runVersion() {
	fmt.Printf("Annex %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from ANNEX_CONFIG_PATH or the
// default "annex.toml".
func configPath() string {
	if p := os.Getenv("ANNEX_CONFIG_PATH"); p != "" {
		return p
	}
	return "annex.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
