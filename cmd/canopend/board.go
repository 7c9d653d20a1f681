package main

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"os/exec"
	"strconv"

	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/node"
)

const (
	deviceName    = "canopend"
	deviceType    = 0x0195
	hardwareRev   = 0x0001
	vendorID      = 0x000002B5
	thermalPath   = "/sys/class/thermal/thermal_zone0/temp"
	voltagePath   = "/sys/class/hwmon/hwmon0/in1_input"
	machineIDPath = "/etc/machine-id"
)

// sysfsSensors samples board diagnostics from the kernel sysfs interface.
// Temperature is exported in millidegrees, supply voltage in millivolts.
type sysfsSensors struct {
	tempPath string
	voltPath string
}

func newSysfsSensors() *sysfsSensors {
	return &sysfsSensors{tempPath: thermalPath, voltPath: voltagePath}
}

func (s *sysfsSensors) Temperature() (float32, error) {
	v, err := readMilli(s.tempPath)
	if err != nil {
		return 0, fmt.Errorf("temperature: %w", err)
	}
	return v, nil
}

func (s *sysfsSensors) Voltage() (float32, error) {
	v, err := readMilli(s.voltPath)
	if err != nil {
		return 0, fmt.Errorf("voltage: %w", err)
	}
	return v, nil
}

func readMilli(path string) (float32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float32(n) / 1000, nil
}

// systemdReboot asks the init system for a full reboot. The call is fired
// from a goroutine so the program-control response goes out before the
// host goes down.
type systemdReboot struct{}

func (systemdReboot) RequestReboot() {
	go func() {
		if err := exec.Command("systemctl", "reboot").Run(); err != nil {
			logging.L().Error("reboot_request_failed", "error", err)
		}
	}()
}

// boardHardware derives the static identity written into the dictionary.
// The checksum is a stable fingerprint of the host machine id so two boards
// flashed from the same image still report distinct values.
func boardHardware() node.Hardware {
	hw := node.Hardware{
		Name:        deviceName,
		Version:     version,
		DeviceType:  deviceType,
		HardwareRev: hardwareRev,
		VendorID:    vendorID,
	}
	if raw, err := os.ReadFile(machineIDPath); err == nil {
		hw.Checksum = crc32.ChecksumIEEE(bytes.TrimSpace(raw))
	}
	return hw
}
