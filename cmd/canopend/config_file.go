package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors appConfig for the optional YAML file. Pointer fields
// distinguish "absent" from zero values.
type fileConfig struct {
	CANIf           string         `yaml:"can_if"`
	NodeID          *int           `yaml:"node_id"`
	BitRate         *int           `yaml:"bit_rate"`
	StorageDir      string         `yaml:"storage_dir"`
	ConsoleListen   *string        `yaml:"console_listen"`
	ConsoleSerial   *string        `yaml:"console_serial"`
	ConsoleBaud     *int           `yaml:"console_baud"`
	LogFormat       string         `yaml:"log_format"`
	LogLevel        string         `yaml:"log_level"`
	MetricsAddr     *string        `yaml:"metrics_addr"`
	LogMetricsEvery *time.Duration `yaml:"log_metrics_interval"`
	MDNSEnable      *bool          `yaml:"mdns_enable"`
	MDNSName        string         `yaml:"mdns_name"`
	PDOManual       *bool          `yaml:"pdo_manual"`
}

// applyFileConfig loads cfg.configFile (or CANOPEND_CONFIG) and applies its
// values to fields whose flags were not explicitly set. Environment overrides
// run after this and win over file values.
func applyFileConfig(c *appConfig, set map[string]struct{}) error {
	path := c.configFile
	if _, ok := set["config"]; !ok {
		if v, vok := os.LookupEnv("CANOPEND_CONFIG"); vok && v != "" {
			path = v
		}
	}
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	if _, ok := set["can-if"]; !ok && fc.CANIf != "" {
		c.canIf = fc.CANIf
	}
	if _, ok := set["node-id"]; !ok && fc.NodeID != nil {
		c.nodeID = *fc.NodeID
	}
	if _, ok := set["bit-rate"]; !ok && fc.BitRate != nil {
		c.bitRate = *fc.BitRate
	}
	if _, ok := set["storage-dir"]; !ok && fc.StorageDir != "" {
		c.storageDir = fc.StorageDir
	}
	if _, ok := set["console-listen"]; !ok && fc.ConsoleListen != nil {
		c.consoleAddr = *fc.ConsoleListen
	}
	if _, ok := set["console-serial"]; !ok && fc.ConsoleSerial != nil {
		c.serialDev = *fc.ConsoleSerial
	}
	if _, ok := set["console-baud"]; !ok && fc.ConsoleBaud != nil {
		c.serialBaud = *fc.ConsoleBaud
	}
	if _, ok := set["log-format"]; !ok && fc.LogFormat != "" {
		c.logFormat = fc.LogFormat
	}
	if _, ok := set["log-level"]; !ok && fc.LogLevel != "" {
		c.logLevel = fc.LogLevel
	}
	if _, ok := set["metrics-addr"]; !ok && fc.MetricsAddr != nil {
		c.metricsAddr = *fc.MetricsAddr
	}
	if _, ok := set["log-metrics-interval"]; !ok && fc.LogMetricsEvery != nil {
		c.logMetricsEvery = *fc.LogMetricsEvery
	}
	if _, ok := set["mdns-enable"]; !ok && fc.MDNSEnable != nil {
		c.mdnsEnable = *fc.MDNSEnable
	}
	if _, ok := set["mdns-name"]; !ok && fc.MDNSName != "" {
		c.mdnsName = fc.MDNSName
	}
	if _, ok := set["pdo-manual"]; !ok && fc.PDOManual != nil {
		c.pdoManual = *fc.PDOManual
	}
	return nil
}
