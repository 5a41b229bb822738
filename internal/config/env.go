// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress string
	GatewayPort   int

	// Upstream bridges
	BridgePort        int
	MappingBridgePort int // 0 disables the fleet-wide mapping connection

	// Fleet
	ReloadInterval time.Duration

	// Mapping
	MapSyncSchedule string

	// Logging
	LogLevel string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("GATEWAY_STATE_DIR", "/var/lib/tesrai")
	cfg.ListenAddress = strings.TrimSpace(envStr("GATEWAY_LISTEN_ADDRESS", "0.0.0.0"))
	cfg.GatewayPort = envInt("GATEWAY_PORT", 8080, &errs)

	cfg.BridgePort = envInt("ROS_BRIDGE_PORT", 9090, &errs)
	cfg.MappingBridgePort = envInt("ROS_MAPPING_BRIDGE_PORT", 0, &errs)

	cfg.ReloadInterval = envDuration("GATEWAY_RELOAD_INTERVAL", 15*time.Second, &errs)
	cfg.MapSyncSchedule = envStr("GATEWAY_MAP_SYNC_SCHEDULE", "@every 1h")
	cfg.LogLevel = envStr("GATEWAY_LOG_LEVEL", "info")

	if cfg.ListenAddress == "" {
		errs = append(errs, "GATEWAY_LISTEN_ADDRESS must not be empty")
	}
	validatePort("GATEWAY_PORT", cfg.GatewayPort, &errs)
	validatePort("ROS_BRIDGE_PORT", cfg.BridgePort, &errs)
	if cfg.MappingBridgePort != 0 {
		validatePort("ROS_MAPPING_BRIDGE_PORT", cfg.MappingBridgePort, &errs)
	}
	if cfg.ReloadInterval <= 0 {
		errs = append(errs, "GATEWAY_RELOAD_INTERVAL must be positive")
	}
	if _, err := cron.ParseStandard(cfg.MapSyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("GATEWAY_MAP_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.MapSyncSchedule, err))
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("GATEWAY_LOG_LEVEL: invalid level %q (allowed: debug, info, warn, error)", cfg.LogLevel))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}
