package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/playwarden/internal/config"
	"github.com/mtzanidakis/playwarden/internal/console"
	"github.com/mtzanidakis/playwarden/internal/identity"
	"github.com/mtzanidakis/playwarden/internal/ingest"
	"github.com/mtzanidakis/playwarden/internal/maintenance"
	"github.com/mtzanidakis/playwarden/internal/natsbus"
	"github.com/mtzanidakis/playwarden/internal/poller"
	"github.com/mtzanidakis/playwarden/internal/store"
	"github.com/mtzanidakis/playwarden/internal/tracker"
	"github.com/mtzanidakis/playwarden/internal/vault"
)

var version = "dev"

// consoleSecretName is the secrets-table entry holding the sealed remote
// console password.
const consoleSecretName = "console_password"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("playwarden %s\n", version)
	case "track":
		if err := runTracker(); err != nil {
			slog.Error("tracker failed", "error", err)
			os.Exit(1)
		}
	case "stats":
		if err := runStats(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "secret":
		if err := runSecret(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: playwarden <command>\n\nCommands:\n  track      Start the presence and playtime tracker\n  stats      Show playtime statistics\n  secret     Manage sealed secrets\n  version    Print version\n")
}

func runTracker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting playwarden tracker", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	busClient, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect nats client: %w", err)
	}
	defer busClient.Close()

	// Console password: config takes precedence, then the sealed secret
	if cfg.Console.Password == "" {
		password, err := loadConsolePassword(db, cfg.Vault)
		if err != nil {
			return err
		}
		cfg.Console.Password = password
	}
	if cfg.Console.Password == "" {
		return fmt.Errorf("no console password: set console.password or run 'playwarden secret set-console-password'")
	}

	// Remote console client
	con := console.New(cfg.Console)
	if err := con.Connect(ctx); err != nil {
		slog.Warn("console not reachable yet, reconnect loop running", "error", err)
	}
	defer con.Close()

	// Presence poller
	pol := poller.New(con, cfg.Poller)
	go pol.Run(ctx)
	slog.Info("presence poller started", "interval", cfg.Poller.Interval)

	// Identity resolver
	var resolver identity.Resolver
	switch cfg.Identity.Mode {
	case "remote":
		resolver = identity.NewRemote(busClient, cfg.Identity.Timeout)
	default:
		resolver = identity.NewLocal()
	}

	// Session tracker
	trk := tracker.New(db, resolver, pol, tracker.NewBusPublisher(busClient), cfg.Tracker)
	if err := trk.Start(ctx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}

	// Player event ingest
	ing := ingest.New(busClient, trk)
	if err := ing.Start(ctx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}

	// Maintenance
	maint, err := maintenance.New(db, cfg.Maintenance)
	if err != nil {
		return fmt.Errorf("init maintenance: %w", err)
	}
	go maint.Start(ctx)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	// Stop taking new events, then drain open sessions before the store closes
	ing.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := trk.Shutdown(shutdownCtx); err != nil {
		slog.Error("tracker shutdown failed", "error", err)
	}

	return nil
}

// loadConsolePassword opens the sealed console password from the secrets
// table. Returns empty when no vault passphrase is set or no secret exists.
func loadConsolePassword(db *store.Store, cfg config.VaultConfig) (string, error) {
	if cfg.Passphrase == "" {
		return "", nil
	}

	sec, err := db.GetSecret(consoleSecretName)
	if err != nil {
		return "", fmt.Errorf("load console secret: %w", err)
	}
	if sec == nil {
		return "", nil
	}

	plaintext, err := vault.New(cfg.Passphrase).Open(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("unseal console password: %w", err)
	}
	return string(plaintext), nil
}
