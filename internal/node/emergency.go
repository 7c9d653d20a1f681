package node

import "github.com/kstaniek/go-canopen-node/internal/logging"

// DeviceError enumerates device-level fault conditions reported through
// the emergency object.
type DeviceError uint8

const (
	ErrorGeneric DeviceError = iota
	ErrorBusRecovered
	ErrorOverTemperature
	ErrorSupplyVoltage
	ErrorStorageFault
	ErrorSensorFault
)

// CiA 301/401 emergency error codes; conditions without a standard code
// use the manufacturer-specific range.
var emergencyCodes = map[DeviceError]uint16{
	ErrorGeneric:         0x1000,
	ErrorBusRecovered:    0x8140, // recovered from bus-off
	ErrorOverTemperature: 0x4200,
	ErrorSupplyVoltage:   0x3100,
	ErrorStorageFault:    0x5000,
	ErrorSensorFault:     0xFF00,
}

// Error register bits (object 0x1001).
const (
	regGeneric       = 0x01
	regVoltage       = 0x04
	regTemperature   = 0x08
	regCommunication = 0x10
)

func errorRegister(e DeviceError) uint8 {
	switch e {
	case ErrorBusRecovered:
		return regGeneric | regCommunication
	case ErrorOverTemperature:
		return regGeneric | regTemperature
	case ErrorSupplyVoltage:
		return regGeneric | regVoltage
	}
	return regGeneric
}

// ReportError raises an emergency for the condition. Info carries
// manufacturer-specific detail bytes.
func (n *Node) ReportError(e DeviceError, info uint32) {
	code := emergencyCodes[e]
	if code == 0 {
		code = emergencyCodes[ErrorGeneric]
	}
	if err := n.stack.Emergency(code, errorRegister(e), info); err != nil {
		logging.L().Warn("emergency_send_failed", "code", code, "error", err)
		return
	}
	logging.L().Warn("emergency_raised", "code", code, "info", info)
}

// ClearError signals recovery from the condition (error-reset code with
// the original error class in the info field).
func (n *Node) ClearError(e DeviceError) {
	if err := n.stack.Emergency(0x0000, 0, uint32(emergencyCodes[e])); err != nil {
		logging.L().Warn("emergency_send_failed", "code", 0, "error", err)
		return
	}
	logging.L().Info("emergency_cleared", "class", uint16(emergencyCodes[e]))
}
