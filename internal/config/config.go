// Package config loads, validates, and atomically persists the wxmux daemon
// configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	maxConfigFileBytes int64 = 1 << 20 // 1MB
	maxRenameRetry           = 10
	// Windows file lock releases (antivirus/indexing) typically settle quickly.
	// Use a short linear backoff: baseDelay * (1..maxRenameRetry).
	renameRetryBaseDelay = 10 * time.Millisecond
	maxValidPort         = 65535

	minScrollbackLines = 100
	maxScrollbackLines = 1_000_000
)

// defaultConfigDirFn is a test seam; tests override it to simulate
// directory-resolution failures in validateConfigPath.
var defaultConfigDirFn = defaultConfigDir
var userHomeDirFn = os.UserHomeDir

var defaultPathWarningState struct {
	mu       sync.Mutex
	messages []string
}

func recordDefaultPathWarning(message string) {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return
	}
	defaultPathWarningState.mu.Lock()
	defaultPathWarningState.messages = append(defaultPathWarningState.messages, trimmed)
	defaultPathWarningState.mu.Unlock()
}

// ConsumeDefaultPathWarnings returns and clears path-resolution warnings
// accumulated during DefaultPath() calls.
func ConsumeDefaultPathWarnings() []string {
	defaultPathWarningState.mu.Lock()
	defer defaultPathWarningState.mu.Unlock()
	if len(defaultPathWarningState.messages) == 0 {
		return nil
	}
	out := make([]string, len(defaultPathWarningState.messages))
	copy(out, defaultPathWarningState.messages)
	defaultPathWarningState.messages = nil
	return out
}

// allowedShells is the set of permitted shell executables (matched by base
// name, case-insensitive). Additions require security review to prevent
// arbitrary command execution.
var allowedShells = map[string]struct{}{
	"bash":    {},
	"zsh":     {},
	"fish":    {},
	"sh":      {},
	"dash":    {},
	"pwsh":    {},
	"cmd.exe": {},
	"wsl.exe": {},
}

// Config is the wxmux daemon's runtime configuration.
type Config struct {
	// Shell is the default program spawned for a new pane when no explicit
	// command is given.
	Shell string `yaml:"shell" json:"shell"`

	// SocketPath is the unix-domain socket the daemon listens on. Empty
	// means "resolve from $XDG_RUNTIME_DIR at daemon start".
	SocketPath string `yaml:"socket_path,omitempty" json:"socket_path,omitempty"`

	// TLSPort, when non-zero, also binds a TLS listener on this TCP port
	// for remote attach, backed by the daemon's pki directory.
	TLSPort int `yaml:"tls_port" json:"tls_port"`

	// PKIDir holds the generated CA and server certificate/key. Empty means
	// "resolve to ~/.local/share/wxmux/pki".
	PKIDir string `yaml:"pki_dir,omitempty" json:"pki_dir,omitempty"`

	// ArchiveDir holds the sqlite archive database. Empty means "resolve to
	// ~/.local/share/wxmux/archive.db".
	ArchiveDir string `yaml:"archive_dir,omitempty" json:"archive_dir,omitempty"`

	// IdleThreshold is how long a client connection may go without a
	// client-originated PDU before it counts as idle. It is loaded and saved
	// with the file, but the daemon does not read it; list-clients reports
	// raw timestamps only.
	IdleThreshold time.Duration `yaml:"idle_threshold" json:"idle_threshold"`

	// ScrollbackLines is the number of stable rows to retain per pane. It is
	// loaded, range-checked and saved with the file, but the daemon does not
	// read it; panes keep a fixed 10,000-row scrollback.
	ScrollbackLines int `yaml:"scrollback_lines" json:"scrollback_lines"`

	// LocalUIPort is the port for the local notification WebSocket server
	// used by a desktop UI to subscribe to mux events. 0 lets the OS assign
	// an available port.
	LocalUIPort int `yaml:"localui_port" json:"localui_port"`

	// LogLevel controls the minimum slog level emitted by the daemon:
	// "debug", "info", "warn", or "error".
	LogLevel string `yaml:"log_level" json:"log_level"`

	// DefaultWorkspace names the workspace new top-level windows join when
	// the caller does not specify one.
	DefaultWorkspace string `yaml:"default_workspace" json:"default_workspace"`

	// DefaultCwd is the working directory for newly spawned panes when the
	// caller does not specify one. It is loaded and saved with the file, but
	// the daemon does not read it; a spawn without a cwd starts in the
	// daemon's own cwd.
	DefaultCwd string `yaml:"default_cwd,omitempty" json:"default_cwd,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Shell:            defaultShellForPlatform(),
		TLSPort:          0,
		IdleThreshold:    15 * time.Minute,
		ScrollbackLines:  10_000,
		LocalUIPort:      0,
		LogLevel:         "info",
		DefaultWorkspace: "default",
	}
}

func defaultShellForPlatform() string {
	if runtime.GOOS == "windows" {
		return "pwsh"
	}
	if sh := strings.TrimSpace(os.Getenv("SHELL")); sh != "" {
		return sh
	}
	return "bash"
}

// DefaultPath resolves the config file path, preferring $XDG_CONFIG_HOME,
// falling back to ~/.config when unset, and then to os.TempDir() if the home
// directory cannot be resolved.
// The temp-dir fallback is not a stable persistence location and may vary
// between sessions depending on environment configuration.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			// Keep config path resolvable even in restricted environments.
			slog.Warn("[config] using temp dir as config path fallback", "error", err)
			recordDefaultPathWarning(
				"Config path fallback: failed to resolve XDG_CONFIG_HOME/home directory. Using temp directory; settings persistence may be limited.",
			)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "wxmux", "config.yaml")
}

// Load reads the config file. If the file does not exist, defaults are
// returned. The configured shell is validated against an allowlist; an error
// is returned if validation fails.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[config] failed to parse config, using defaults", "path", path, "error", err)
		return DefaultConfig(), err
	}

	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnsureFile writes the default config if missing and returns the loaded
// config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// AllowedShellList returns the permitted shell executable names for display,
// sorted alphabetically.
func AllowedShellList() []string {
	shells := make([]string, 0, len(allowedShells))
	for s := range allowedShells {
		shells = append(shells, s)
	}
	sortStrings(shells)
	return shells
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Clone returns a deep copy of cfg. Config currently has no reference-typed
// fields, so this is a value copy, but kept as its own entry point in case a
// future field needs a deep copy (e.g. a map of per-domain overrides).
func Clone(src Config) Config {
	return src
}

// Save validates cfg, fills defaults, and atomically writes it to path.
// Returns the normalized config that was actually written to disk.
func Save(path string, cfg Config) (Config, error) {
	normalizedPath, err := validateConfigPath(path)
	if err != nil {
		return cfg, err
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}

	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(normalizedPath, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[config] config saved", "path", path)
	return cfg, nil
}

// atomicWrite writes config data using temp-file + rename to avoid partial
// writes and retries rename on Windows to tolerate transient file locks.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[config] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[config] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}

	if err = renameFileWithRetry(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

// validateConfigPath normalizes path and enforces that config writes stay
// inside the default config directory when that directory is resolvable.
func validateConfigPath(path string) (string, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return "", errors.New("config path required")
	}
	absolutePath, err := filepath.Abs(trimmedPath)
	if err != nil {
		return "", fmt.Errorf("save config: resolve path: %w", err)
	}

	expectedDir, err := defaultConfigDirFn()
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	absoluteExpectedDir, err := filepath.Abs(expectedDir)
	if err != nil {
		return "", fmt.Errorf("save config: resolve config dir: %w", err)
	}
	if !pathWithinDir(absolutePath, absoluteExpectedDir) {
		return "", fmt.Errorf("save config: path outside config directory: %q", absolutePath)
	}

	return absolutePath, nil
}

func defaultConfigDir() (string, error) {
	return filepath.Dir(DefaultPath()), nil
}

// pathWithinDir blocks directory traversal by ensuring path is under dir. It
// also rejects Windows cross-drive escapes because filepath.Rel returns an
// absolute path when roots differ.
func pathWithinDir(path string, dir string) bool {
	relativePath, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	if relativePath == "." {
		return true
	}
	if relativePath == ".." || strings.HasPrefix(relativePath, ".."+string(os.PathSeparator)) {
		return false
	}
	return !filepath.IsAbs(relativePath)
}

// applyDefaultsAndValidate fills missing defaults and validates cfg in
// place. Used by both Load and Save to ensure consistent normalization.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if isZeroConfig(*cfg) {
		*cfg = defaults
		return nil
	}

	if cfg.Shell == "" {
		cfg.Shell = defaults.Shell
	}
	if err := validateShell(cfg.Shell); err != nil {
		return err
	}
	if cfg.DefaultWorkspace == "" {
		cfg.DefaultWorkspace = defaults.DefaultWorkspace
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = defaults.IdleThreshold
	}
	validateScrollbackLines(cfg, defaults)
	validateLocalUIPort(cfg)
	validateTLSPort(cfg)
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", level)
	}
}

// validateScrollbackLines resets scrollback_lines to the default when it is
// zero or outside [minScrollbackLines, maxScrollbackLines]. Out-of-range
// values are logged and reset rather than
// rejected, consistent with the policy that parse errors must not prevent
// startup.
func validateScrollbackLines(cfg *Config, defaults Config) {
	if cfg.ScrollbackLines == 0 {
		cfg.ScrollbackLines = defaults.ScrollbackLines
		return
	}
	if cfg.ScrollbackLines < minScrollbackLines || cfg.ScrollbackLines > maxScrollbackLines {
		slog.Warn("[config] scrollback_lines out of range, falling back to default",
			"configured", cfg.ScrollbackLines, "min", minScrollbackLines, "max", maxScrollbackLines)
		cfg.ScrollbackLines = defaults.ScrollbackLines
	}
}

// validateLocalUIPort checks that LocalUIPort is within the valid TCP port
// range (0-65535). Port 0 means "let the OS auto-assign an available port".
func validateLocalUIPort(cfg *Config) {
	if cfg.LocalUIPort < 0 || cfg.LocalUIPort > maxValidPort {
		slog.Warn("[config] localui_port out of valid range (0-65535), falling back to 0 (auto-assign)",
			"configured", cfg.LocalUIPort, "max", maxValidPort)
		cfg.LocalUIPort = 0
	}
}

func validateTLSPort(cfg *Config) {
	if cfg.TLSPort < 0 || cfg.TLSPort > maxValidPort {
		slog.Warn("[config] tls_port out of valid range (0-65535), disabling TLS listener",
			"configured", cfg.TLSPort, "max", maxValidPort)
		cfg.TLSPort = 0
	}
}

// validateShell ensures the configured shell is safe for process creation.
// It rejects null bytes, verifies the base name against allowedShells, and
// confirms absolute paths exist on disk.
func validateShell(shell string) error {
	shell = strings.TrimSpace(shell)
	if shell == "" {
		return errors.New("shell is required")
	}
	if strings.ContainsRune(shell, '\x00') {
		return errors.New("shell contains invalid null byte")
	}

	baseName := strings.ToLower(filepath.Base(shell))
	if _, ok := allowedShells[baseName]; !ok {
		return fmt.Errorf("shell %q is not in the allowlist", shell)
	}

	if filepath.IsAbs(shell) {
		info, err := os.Stat(shell)
		if err != nil {
			return fmt.Errorf("shell path does not exist: %w", err)
		}
		if info.IsDir() {
			return errors.New("shell path cannot be a directory")
		}
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}

func isZeroConfig(cfg Config) bool {
	// reflect.DeepEqual guards against field-addition drift that manual
	// checks miss.
	return reflect.DeepEqual(cfg, Config{})
}

func renameFileWithRetry(sourcePath string, targetPath string) error {
	var lastErr error
	for attempt := range maxRenameRetry {
		err := os.Rename(sourcePath, targetPath)
		if err == nil {
			return nil
		}
		lastErr = err
		if runtime.GOOS != "windows" {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * renameRetryBaseDelay)
	}
	return lastErr
}
