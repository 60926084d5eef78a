package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	defaultPort          = 9100
	defaultBinary        = "intel_gpu_top"
	defaultRefreshPeriod = 10 * time.Second
)

// Config represents runtime configuration sourced from flags and environment
// variables.
type Config struct {
	Port          int
	Binary        string
	RefreshPeriod time.Duration
	LogLevel      slog.Level
	SysfsRoot     string
	EnablePprof   bool
	ShowVersion   bool
	ProcRoot      string
	WS            WebsocketConfig
	Proc          ProcConfig
}

// WebsocketConfig captures tunables for the live reading stream.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// ProcConfig contains settings for the per-process GPU usage scanner.
type ProcConfig struct {
	Enable       bool
	ScanInterval time.Duration
	MaxPIDs      int
	MaxFDsPerPID int
}

// ListenAddr is the address the metrics endpoint binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// Load parses command-line flags from args (without the program name) and
// environment variables, applying defaults. A -h/--help request is reported
// as pflag.ErrHelp.
func Load(args []string) (Config, error) {
	cfg := Config{
		Port:          defaultPort,
		Binary:        defaultBinary,
		RefreshPeriod: defaultRefreshPeriod,
		LogLevel:      slog.LevelInfo,
		SysfsRoot:     "/sys",
		ProcRoot:      "/proc",
		WS: WebsocketConfig{
			MaxClients:   64,
			WriteTimeout: 3 * time.Second,
		},
		Proc: ProcConfig{
			ScanInterval: 2 * time.Second,
			MaxPIDs:      5000,
			MaxFDsPerPID: 64,
		},
	}

	flags := NewFlagSet(&cfg)
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("port must be within 1-65535, got %d", cfg.Port)
	}
	if strings.TrimSpace(cfg.Binary) == "" {
		return Config{}, fmt.Errorf("binary must not be empty")
	}

	if value := strings.TrimSpace(os.Getenv("REFRESH_PERIOD_MS")); value != "" {
		ms, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse REFRESH_PERIOD_MS: %w", err)
		}
		if ms <= 0 {
			return Config{}, fmt.Errorf("REFRESH_PERIOD_MS must be > 0")
		}
		cfg.RefreshPeriod = time.Duration(ms) * time.Millisecond
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	if value := strings.TrimSpace(os.Getenv("APP_SYSFS_ROOT")); value != "" {
		cfg.SysfsRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_ENABLE_PPROF")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_ENABLE_PPROF: %w", err)
		}
		cfg.EnablePprof = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_MAX_CLIENTS")); value != "" {
		maxClients, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_MAX_CLIENTS: %w", err)
		}
		if maxClients <= 0 {
			return Config{}, fmt.Errorf("APP_WS_MAX_CLIENTS must be > 0")
		}
		cfg.WS.MaxClients = maxClients
	}

	if value := strings.TrimSpace(os.Getenv("APP_WS_WRITE_TIMEOUT")); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_WS_WRITE_TIMEOUT: %w", err)
		}
		if timeout <= 0 {
			return Config{}, fmt.Errorf("APP_WS_WRITE_TIMEOUT must be > 0")
		}
		cfg.WS.WriteTimeout = timeout
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ROOT")); value != "" {
		cfg.ProcRoot = value
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_ENABLE")); value != "" {
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_ENABLE: %w", err)
		}
		cfg.Proc.Enable = enabled
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_SCAN_INTERVAL")); value != "" {
		dur, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_SCAN_INTERVAL: %w", err)
		}
		if dur <= 0 {
			return Config{}, fmt.Errorf("APP_PROC_SCAN_INTERVAL must be > 0")
		}
		cfg.Proc.ScanInterval = dur
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_MAX_PIDS")); value != "" {
		maxPIDs, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_MAX_PIDS: %w", err)
		}
		if maxPIDs <= 0 {
			return Config{}, fmt.Errorf("APP_PROC_MAX_PIDS must be > 0")
		}
		cfg.Proc.MaxPIDs = maxPIDs
	}

	if value := strings.TrimSpace(os.Getenv("APP_PROC_MAX_FDS_PER_PID")); value != "" {
		maxFDs, err := strconv.Atoi(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_PROC_MAX_FDS_PER_PID: %w", err)
		}
		if maxFDs <= 0 {
			return Config{}, fmt.Errorf("APP_PROC_MAX_FDS_PER_PID must be > 0")
		}
		cfg.Proc.MaxFDsPerPID = maxFDs
	}

	return cfg, nil
}

// NewFlagSet binds the exporter's command-line flags to cfg.
func NewFlagSet(cfg *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("igpu-exporter", pflag.ContinueOnError)
	flags.IntVarP(&cfg.Port, "port", "p", cfg.Port, "port to serve metrics on")
	flags.StringVarP(&cfg.Binary, "binary", "b", cfg.Binary, "intel_gpu_top binary name or path")
	flags.BoolVar(&cfg.ShowVersion, "version", false, "print version and exit")
	flags.SortFlags = false
	return flags
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}
