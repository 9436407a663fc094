package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kuuji/turnd/internal/config"
	"github.com/kuuji/turnd/internal/control"
	"github.com/kuuji/turnd/internal/server"
)

// exitConfig, exitBind, and exitFabric are the process exit codes for the
// three failure classes turnd distinguishes on startup; 0 is a clean run
// or a clean shutdown on signal.
const (
	exitConfig = 1
	exitBind   = 2
	exitFabric = 3
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the TURN relay server",
	Long: `Start turnd in the foreground: bind the relay socket, optionally join
the proxy fabric, and serve until interrupted.

Requires a config file (see 'turnd init' to create one):
  sudo turnd run`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		exitWith(exitConfig, err)
	}

	if err := validateConfig(cfg); err != nil {
		exitWith(exitConfig, fmt.Errorf("invalid config: %w", err))
	}

	srv, err := server.New(cfg, globalLogger)
	if err != nil {
		exitWith(exitConfig, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	globalLogger.Info("starting turnd", "config", cfgPath)

	if err := srv.Run(ctx, control.ResolveSocketPath()); err != nil {
		if ctx.Err() != nil {
			globalLogger.Info("turnd stopped")
			return nil
		}
		if isBindError(err) {
			exitWith(exitBind, err)
		}
		if isFabricError(err) {
			exitWith(exitFabric, err)
		}
		return err
	}

	return nil
}

func isBindError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && (opErr.Op == "listen" || opErr.Op == "bind")
}

func isFabricError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "fabric") || strings.Contains(msg, "proxy")
}

// exitWith logs err and exits the process with code, never returning.
func exitWith(code int, err error) {
	globalLogger.Error(err.Error())
	os.Exit(code)
}

// validateConfig checks that all required configuration fields are present.
func validateConfig(cfg *config.Config) error {
	if cfg.Server.Bind == "" {
		return fmt.Errorf("server.bind is required")
	}
	if cfg.Server.External == "" {
		return fmt.Errorf("server.external is required")
	}
	if cfg.Server.Realm == "" {
		return fmt.Errorf("server.realm is required")
	}
	if len(cfg.Users) == 0 {
		return fmt.Errorf("at least one user is required (see turnd init)")
	}
	return nil
}

// loadConfig loads the TOML config from the resolved path.
func loadConfig() (*config.Config, error) {
	cfgPath := resolvedConfigPath()
	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", cfgPath, err)
	}
	return cfg, nil
}

// resolvedConfigPath returns the config file path, using the global flag
// if set, otherwise the default system path (/etc/turnd/config.toml).
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	p, err := config.DefaultConfigPath()
	if err != nil {
		return "config.toml"
	}
	return p
}
