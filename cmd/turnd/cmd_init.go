package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kuuji/turnd/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactively create a turnd config",
	Long: `Walk through a config wizard and write the result to config.toml and
secrets.toml. Re-running init on an existing config starts from its
current values.

This command should be run with sudo so the files can be owned correctly:
  sudo turnd init`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	var (
		realm      = cfg.Server.Realm
		bind       = cfg.Server.Bind
		external   = cfg.Server.External
		portLo     = strconv.Itoa(cfg.Server.PortRange.Lo)
		portHi     = strconv.Itoa(cfg.Server.PortRange.Hi)
		enableFab  bool
		fabricBind = cfg.Fabric.Bind
		proxyURL   = cfg.Fabric.Proxy
		username   string
		password   string
	)
	if fabricBind != "" || proxyURL != "" {
		enableFab = true
	}

	serverForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Realm").
				Description("The TURN realm advertised in 401 challenges.").
				Value(&realm),
			huh.NewInput().
				Title("Bind address").
				Description("Local address the relay socket listens on.").
				Value(&bind),
			huh.NewInput().
				Title("External address").
				Description("This host's public IP, used in XOR-RELAYED-ADDRESS.").
				Value(&external),
			huh.NewInput().
				Title("Relay port range: low").
				Value(&portLo),
			huh.NewInput().
				Title("Relay port range: high").
				Value(&portHi),
		),
	).WithTheme(customHuhTheme())

	if err := serverForm.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	fabricForm := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Join a proxy fabric?").
				Description("Mesh with sibling turnd instances so peers behind one are reachable from clients on another.").
				Value(&enableFab),
		),
	).WithTheme(customHuhTheme())

	if err := fabricForm.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	if enableFab {
		fabForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Fabric hub bind address").
					Description("Leave empty if this instance only connects out to another hub.").
					Value(&fabricBind),
				huh.NewInput().
					Title("Fabric hub URL to connect to").
					Description("Leave empty if this instance is the hub.").
					Value(&proxyURL),
			),
		).WithTheme(customHuhTheme())
		if err := fabForm.Run(); err != nil {
			return fmt.Errorf("cancelled")
		}
	} else {
		fabricBind, proxyURL = "", ""
	}

	userForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Add a user: username").
				Description("Leave empty to keep the existing user list unchanged.").
				Value(&username),
			huh.NewInput().
				Title("Add a user: password").
				EchoMode(huh.EchoModePassword).
				Value(&password),
		),
	).WithTheme(customHuhTheme())
	if err := userForm.Run(); err != nil {
		return fmt.Errorf("cancelled")
	}

	cfg.Server.Realm = realm
	cfg.Server.Bind = bind
	cfg.Server.External = external
	if n, err := strconv.Atoi(portLo); err == nil {
		cfg.Server.PortRange.Lo = n
	}
	if n, err := strconv.Atoi(portHi); err == nil {
		cfg.Server.PortRange.Hi = n
	}
	cfg.Fabric.Bind = fabricBind
	cfg.Fabric.Proxy = proxyURL
	if username != "" {
		cfg.Users = append(cfg.Users, config.User{Username: username, Password: password})
	}

	if err := config.SaveConfig(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Wrote %s\n", cfgPath)
	fmt.Fprintf(os.Stdout, "Wrote %s\n", config.SecretsPathFromConfig(cfgPath))
	return nil
}
