package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	canIf           string
	nodeID          int
	bitRate         int
	storageDir      string
	consoleAddr     string
	serialDev       string
	serialBaud      int
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
	pdoManual       bool
	configFile      string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	canIf := flag.String("can-if", "can0", "SocketCAN interface")
	nodeID := flag.Int("node-id", 0, "CANopen node id 1..127 (0 = use persisted value or negotiate)")
	bitRate := flag.Int("bit-rate", 0, "CAN bit rate in kbit/s (0 = use persisted value or 250)")
	storageDir := flag.String("storage-dir", "/var/lib/canopend", "Directory for persisted parameter groups")
	consoleAddr := flag.String("console-listen", ":5555", "Maintenance console TCP listen address; empty disables")
	serialDev := flag.String("console-serial", "", "Maintenance console serial device; empty disables")
	serialBaud := flag.Int("console-baud", 115200, "Maintenance console serial baud rate")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement of the console port")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canopend-<hostname>)")
	pdoManual := flag.Bool("pdo-manual", false, "Expose the manual PDO trigger entry")
	configFile := flag.String("config", "", "Optional YAML config file (flags and environment win)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over
	// environment and file values.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.canIf = *canIf
	cfg.nodeID = *nodeID
	cfg.bitRate = *bitRate
	cfg.storageDir = *storageDir
	cfg.consoleAddr = *consoleAddr
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.pdoManual = *pdoManual
	cfg.configFile = *configFile

	if err := applyFileConfig(cfg, setFlags); err != nil {
		fmt.Printf("config file error: %v\n", err)
		return nil, *showVersion
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if c.canIf == "" {
		return errors.New("can-if must not be empty")
	}
	if c.nodeID < 0 || c.nodeID > 127 {
		return fmt.Errorf("node-id must be 0..127 (got %d)", c.nodeID)
	}
	switch c.bitRate {
	case 0, 10, 20, 50, 125, 250, 500, 800, 1000:
	default:
		return fmt.Errorf("bit-rate must be a CiA rate in kbit/s (got %d)", c.bitRate)
	}
	if c.storageDir == "" {
		return errors.New("storage-dir must not be empty")
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("console-baud must be > 0 (got %d)", c.serialBaud)
	}
	if c.logMetricsEvery < 0 {
		return errors.New("log-metrics-interval must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CANOPEND_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["can-if"]; !ok {
		if v, ok := get("CANOPEND_CAN_IF"); ok && v != "" {
			c.canIf = v
		}
	}
	if _, ok := set["node-id"]; !ok {
		if v, ok := get("CANOPEND_NODE_ID"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.nodeID = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_NODE_ID: %w", err)
			}
		}
	}
	if _, ok := set["bit-rate"]; !ok {
		if v, ok := get("CANOPEND_BIT_RATE"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.bitRate = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_BIT_RATE: %w", err)
			}
		}
	}
	if _, ok := set["storage-dir"]; !ok {
		if v, ok := get("CANOPEND_STORAGE_DIR"); ok && v != "" {
			c.storageDir = v
		}
	}
	if _, ok := set["console-listen"]; !ok {
		if v, ok := get("CANOPEND_CONSOLE_LISTEN"); ok {
			c.consoleAddr = v
		}
	}
	if _, ok := set["console-serial"]; !ok {
		if v, ok := get("CANOPEND_CONSOLE_SERIAL"); ok {
			c.serialDev = v
		}
	}
	if _, ok := set["console-baud"]; !ok {
		if v, ok := get("CANOPEND_CONSOLE_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_CONSOLE_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANOPEND_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANOPEND_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANOPEND_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANOPEND_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANOPEND_MDNS_ENABLE"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.mdnsEnable = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_MDNS_ENABLE: %w", err)
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANOPEND_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["pdo-manual"]; !ok {
		if v, ok := get("CANOPEND_PDO_MANUAL"); ok && v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				c.pdoManual = b
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANOPEND_PDO_MANUAL: %w", err)
			}
		}
	}
	return firstErr
}
