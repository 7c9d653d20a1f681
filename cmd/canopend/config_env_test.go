package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()

	os.Setenv("CANOPEND_CAN_IF", "can1")
	os.Setenv("CANOPEND_NODE_ID", "12")
	os.Setenv("CANOPEND_BIT_RATE", "500")
	os.Setenv("CANOPEND_MDNS_ENABLE", "true")
	os.Setenv("CANOPEND_LOG_METRICS_INTERVAL", "5s")
	t.Cleanup(func() {
		os.Unsetenv("CANOPEND_CAN_IF")
		os.Unsetenv("CANOPEND_NODE_ID")
		os.Unsetenv("CANOPEND_BIT_RATE")
		os.Unsetenv("CANOPEND_MDNS_ENABLE")
		os.Unsetenv("CANOPEND_LOG_METRICS_INTERVAL")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.canIf != "can1" {
		t.Fatalf("expected can-if override, got %s", base.canIf)
	}
	if base.nodeID != 12 {
		t.Fatalf("expected node id 12 got %d", base.nodeID)
	}
	if base.bitRate != 500 {
		t.Fatalf("expected bit rate 500 got %d", base.bitRate)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.nodeID = 7
	os.Setenv("CANOPEND_NODE_ID", "99")
	t.Cleanup(func() { os.Unsetenv("CANOPEND_NODE_ID") })
	set := map[string]struct{}{"node-id": {}}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.nodeID != 7 {
		t.Fatalf("flag value should win over env, got %d", base.nodeID)
	}
}

func TestApplyEnvOverrides_BadValue(t *testing.T) {
	base := baseConfig()
	os.Setenv("CANOPEND_NODE_ID", "twelve")
	t.Cleanup(func() { os.Unsetenv("CANOPEND_NODE_ID") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestApplyFileConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canopend.yaml")
	data := []byte("can_if: can2\nnode_id: 33\nbit_rate: 125\nstorage_dir: /tmp/params\nmdns_enable: true\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	base := baseConfig()
	base.configFile = path
	if err := applyFileConfig(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.canIf != "can2" || base.nodeID != 33 || base.bitRate != 125 {
		t.Fatalf("file values not applied: %+v", base)
	}
	if base.storageDir != "/tmp/params" || !base.mdnsEnable {
		t.Fatalf("file values not applied: %+v", base)
	}
}

func TestApplyFileConfig_EnvWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canopend.yaml")
	if err := os.WriteFile(path, []byte("node_id: 33\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	base := baseConfig()
	base.configFile = path
	os.Setenv("CANOPEND_NODE_ID", "44")
	t.Cleanup(func() { os.Unsetenv("CANOPEND_NODE_ID") })
	// The file applies first, env overrides run after and win.
	if err := applyFileConfig(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.nodeID != 44 {
		t.Fatalf("env should win over file, got %d", base.nodeID)
	}
}

func TestApplyFileConfig_FlagWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "canopend.yaml")
	if err := os.WriteFile(path, []byte("node_id: 33\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	base := baseConfig()
	base.configFile = path
	base.nodeID = 7
	set := map[string]struct{}{"node-id": {}}
	if err := applyFileConfig(base, set); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.nodeID != 7 {
		t.Fatalf("flag should win over file, got %d", base.nodeID)
	}
}

func TestApplyFileConfig_MissingFile(t *testing.T) {
	base := baseConfig()
	base.configFile = filepath.Join(t.TempDir(), "absent.yaml")
	if err := applyFileConfig(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
