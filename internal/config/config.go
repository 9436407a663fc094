// Package config loads and saves turnd's TOML configuration, split across
// a world-readable config.toml and a restricted secrets.toml holding the
// long-term user credentials.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// DefaultConfigDir is the system-wide config directory for turnd.
const DefaultConfigDir = "/etc/turnd"

// secretsFileName is the name of the secrets file within the config directory.
const secretsFileName = "secrets.toml"

// Config is the top-level configuration for turnd, persisted as TOML at
// DefaultConfigPath(). Non-secret fields live in config.toml; the [[users]]
// credential list lives in secrets.toml.
type Config struct {
	Server ServerConfig `toml:"server"`
	Fabric FabricConfig `toml:"fabric"`
	Users  []User       `toml:"users"`
}

// ServerConfig describes this instance's listening and relay identity.
type ServerConfig struct {
	// Bind is the UDP address the TURN listener binds to.
	Bind string `toml:"bind"`

	// External is this instance's publicly reachable address. Only the IP
	// is used for XOR-RELAYED-ADDRESS and for deciding whether a peer is
	// local to this instance; the port is ignored since each allocation
	// gets its own relayed port.
	External string `toml:"external"`

	// Realm is presented in REALM attributes during the authentication
	// challenge.
	Realm string `toml:"realm"`

	// Software, if set, is stamped into SOFTWARE attributes on responses.
	Software string `toml:"software,omitempty"`

	PortRange PortRangeConfig `toml:"port_range"`
	Lifetimes LifetimesConfig `toml:"lifetimes"`
}

// PortRangeConfig bounds the relayed-transport ports handed out by Allocate.
type PortRangeConfig struct {
	Lo int `toml:"lo"`
	Hi int `toml:"hi"`
}

// LifetimesConfig controls allocation, permission, and reaper timing, all in
// whole seconds since TURN LIFETIME attributes are seconds on the wire.
type LifetimesConfig struct {
	AllocationDefaultSeconds int `toml:"allocation_default_seconds"`
	AllocationMaxSeconds     int `toml:"allocation_max_seconds"`
	PermissionSeconds        int `toml:"permission_seconds"`
	ReaperIntervalSeconds    int `toml:"reaper_interval_seconds"`
}

// FabricConfig controls the inter-server proxy fabric used to route
// CreatePermission and relayed traffic to peers hosted on other instances.
// Both fields are optional; an empty value disables that half of the fabric.
type FabricConfig struct {
	// Bind is the address this instance listens on for upstream sessions
	// from other instances. Empty disables inbound fabric hosting.
	Bind string `toml:"bind,omitempty"`

	// Proxy is the upstream fabric address this instance dials out to.
	// Empty disables outbound fabric participation.
	Proxy string `toml:"proxy,omitempty"`

	SendDeadlineSeconds int `toml:"send_deadline_seconds"`
}

// User is one long-term credential accepted by the authentication prelude.
type User struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// configFile is the TOML representation for config.toml (world-readable, no
// secrets — the user credential list is omitted).
type configFile struct {
	Server ServerConfig `toml:"server"`
	Fabric FabricConfig `toml:"fabric"`
}

// secretsFile is the TOML representation for secrets.toml (0640).
type secretsFile struct {
	Users []User `toml:"users"`
}

func toConfigFile(cfg *Config) *configFile {
	return &configFile{Server: cfg.Server, Fabric: cfg.Fabric}
}

func toSecretsFile(cfg *Config) *secretsFile {
	return &secretsFile{Users: cfg.Users}
}

func mergeSecrets(cfg *Config, s *secretsFile) {
	cfg.Users = s.Users
}

// DefaultConfig returns a Config populated with the defaults from spec.md:
// the full ephemeral port range, a 600s default / 3600s max allocation
// lifetime, a 300s permission lifetime, and a 60s reaper interval. Realm,
// external address, and the fabric/user sections are left empty and must be
// filled in by the operator or by `turnd init`.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Bind: "0.0.0.0:3478",
			PortRange: PortRangeConfig{
				Lo: 49152,
				Hi: 65535,
			},
			Lifetimes: LifetimesConfig{
				AllocationDefaultSeconds: 600,
				AllocationMaxSeconds:     3600,
				PermissionSeconds:        300,
				ReaperIntervalSeconds:    60,
			},
		},
		Fabric: FabricConfig{
			SendDeadlineSeconds: 5,
		},
	}
}

// DefaultConfigPath returns the default path for turnd's config file.
func DefaultConfigPath() (string, error) {
	return filepath.Join(DefaultConfigDir, "config.toml"), nil
}

// DefaultSecretsPath returns the default path for turnd's secrets file.
func DefaultSecretsPath() string {
	return filepath.Join(DefaultConfigDir, secretsFileName)
}

// SecretsPathFromConfig derives the secrets.toml path from a config.toml
// path, keeping secrets.toml alongside config.toml.
func SecretsPathFromConfig(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), secretsFileName)
}

// LoadConfig reads config.toml and secrets.toml, merging them into a single
// Config. If config.toml does not exist, the returned error wraps
// fs.ErrNotExist. If secrets.toml does not exist, Users is left empty and no
// error is returned.
func LoadConfig(path string) (*Config, error) {
	cfg, err := LoadPublicConfig(path)
	if err != nil {
		return nil, err
	}

	secretsPath := SecretsPathFromConfig(path)
	var sec secretsFile
	if _, err := toml.DecodeFile(secretsPath, &sec); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading secrets file %s: %w", secretsPath, err)
		}
	} else {
		mergeSecrets(cfg, &sec)
	}

	return cfg, nil
}

// LoadPublicConfig reads only config.toml (bind/realm/lifetimes/fabric),
// without the user credential list, so it works without access to
// secrets.toml.
func LoadPublicConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig writes both config.toml and secrets.toml to the directory
// containing path, creating parent directories (0755) as needed.
//
// When running via sudo, both files are chowned to root:<invoking-user-gid>
// so the invoking operator can inspect them without re-elevating:
//   - config.toml:  0644 (world-readable — no credentials)
//   - secrets.toml: 0640 (group-readable, contains user passwords)
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0755); err != nil {
		return fmt.Errorf("setting directory permissions on %s: %w", dir, err)
	}

	if err := writeFile(path, 0644, toConfigFile(cfg)); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	applyUserOwnership(path)

	secretsPath := SecretsPathFromConfig(path)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)

	return nil
}

// SaveSecrets writes only secrets.toml for the given config path. Use this
// when only the user credential list changed and re-writing config.toml is
// unnecessary.
func SaveSecrets(configPath string, cfg *Config) error {
	secretsPath := SecretsPathFromConfig(configPath)
	if err := writeFile(secretsPath, 0640, toSecretsFile(cfg)); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	applyUserOwnership(secretsPath)
	return nil
}

// applyUserOwnership chowns path to root:<SUDO_GID> when running as root via
// sudo, so the invoking operator can read it without elevation. Best effort:
// errors are ignored since the file is already written and root can always
// reach it.
func applyUserOwnership(path string) {
	if os.Getuid() != 0 {
		return
	}
	gidStr := os.Getenv("SUDO_GID")
	if gidStr == "" {
		return
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return
	}
	_ = os.Chown(path, 0, gid)
}

// writeFile encodes v as TOML and writes it to path with the given mode,
// correcting permissions even if the file already existed (WriteFile only
// applies mode on creation).
func writeFile(path string, mode os.FileMode, v interface{}) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding TOML: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	return nil
}

// ParseTOML decodes a TOML config from a string, applying the same defaults
// as LoadPublicConfig.
func ParseTOML(s string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.Decode(s, cfg); err != nil {
		return nil, fmt.Errorf("decoding TOML config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// MarshalTOML encodes the full Config, including users, as a single TOML
// document, unlike SaveConfig's config/secrets split.
func MarshalTOML(cfg *Config) (string, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("encoding TOML config: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// applyDefaults fills in zero-valued optional fields after TOML decoding.
func applyDefaults(cfg *Config) {
	d := DefaultConfig()
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = d.Server.Bind
	}
	if cfg.Server.PortRange.Lo == 0 && cfg.Server.PortRange.Hi == 0 {
		cfg.Server.PortRange = d.Server.PortRange
	}
	if cfg.Server.Lifetimes.AllocationDefaultSeconds == 0 {
		cfg.Server.Lifetimes.AllocationDefaultSeconds = d.Server.Lifetimes.AllocationDefaultSeconds
	}
	if cfg.Server.Lifetimes.AllocationMaxSeconds == 0 {
		cfg.Server.Lifetimes.AllocationMaxSeconds = d.Server.Lifetimes.AllocationMaxSeconds
	}
	if cfg.Server.Lifetimes.PermissionSeconds == 0 {
		cfg.Server.Lifetimes.PermissionSeconds = d.Server.Lifetimes.PermissionSeconds
	}
	if cfg.Server.Lifetimes.ReaperIntervalSeconds == 0 {
		cfg.Server.Lifetimes.ReaperIntervalSeconds = d.Server.Lifetimes.ReaperIntervalSeconds
	}
	if cfg.Fabric.SendDeadlineSeconds == 0 {
		cfg.Fabric.SendDeadlineSeconds = d.Fabric.SendDeadlineSeconds
	}
}
