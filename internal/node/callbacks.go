package node

import (
	"encoding/binary"
	"math"

	"github.com/kstaniek/go-canopen-node/internal/logging"
	"github.com/kstaniek/go-canopen-node/internal/metrics"
	"github.com/kstaniek/go-canopen-node/internal/od"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

// Store/restore command signatures (CiA 301): ASCII "save" and "load",
// little-endian on the wire.
const (
	saveSignature = 0x65766173 // "evas"
	loadSignature = 0x64616F6C // "daol"
)

// The public serial number is the raw value without its date prefix.
const serialModulus = 100_000_000

// Supported controller bit-rates in kbit/s.
var bitrateTable = []uint16{10, 20, 50, 125, 250, 500, 800, 1000}

// installCallbacks registers every validation handler. Called during
// finalize on each configuration pass; re-registration replaces the
// previous handler set.
func (n *Node) installCallbacks() {
	n.dict.SetCallback(idxStoreParams, counted(n.storeParams))
	n.dict.SetCallback(idxRestoreParams, counted(n.restoreParams))
	n.dict.SetCallback(idxCOBIDTimestamp, counted(n.cobidTimestamp))
	n.dict.SetCallback(idxProgramControl, counted(n.programControl))
	n.dict.SetCallback(idxTemperature, counted(n.readTemperature))
	n.dict.SetCallback(idxVoltage, counted(n.readVoltage))
	n.dict.SetCallback(idxCANInfo, counted(n.readCANInfo))
	n.dict.SetCallback(idxDaisyChain, counted(n.daisyChain))
	n.dict.SetCallback(idxSerialRecord, counted(n.serialRecord))
	n.dict.SetCallback(idxNodeID, counted(n.nodeIDEntry))
	n.dict.SetCallback(idxBitRate, counted(n.bitRateEntry))
	n.dict.SetCallback(idxPDOControl, counted(n.pdoControl))
}

// counted accounts every refused access before the abort travels back to
// the protocol engine.
func counted(cb od.Callback) od.Callback {
	return func(req *od.Request) od.Abort {
		abort := cb(req)
		if abort != od.AbortNone {
			metrics.IncRefusal(abort.Label())
		}
		return abort
	}
}

// serialValid reads the latch state of the serial record.
func (n *Node) serialValid() bool {
	tx := n.dict.Lock()
	defer tx.Unlock()
	return tx.U8(idxSerialRecord, 1) != 0
}

// derivePublicSerial writes raw mod 10^8 into the identity entry. Runs
// under the table lock.
func derivePublicSerial(tx *od.Tx) {
	raw := tx.U64(idxSerialRecord, 2)
	tx.SetU32(idxIdentity, 4, uint32(raw%serialModulus))
}

func (n *Node) storeParams(req *od.Request) od.Abort {
	if req.Reading || req.SubIndex == 0 {
		return od.AbortNone
	}
	sig := binary.LittleEndian.Uint32(req.Data)
	// The signature is a command, never a stored value.
	req.Restore()

	switch req.SubIndex {
	case subStoreComm, subStoreRuntime:
		// Stack-managed groups, not user-triggerable here.
		return od.AbortDataTransf
	}
	if sig != saveSignature {
		return od.AbortDataTransf
	}

	switch req.SubIndex {
	case subStoreAll:
		for _, g := range []storage.Group{storage.ApplicationParams, storage.Test, storage.Calibration} {
			if err := n.save(g); err != nil {
				return od.AbortHardware
			}
		}
		return od.AbortNone
	case subStoreApp:
		if err := n.save(storage.ApplicationParams); err != nil {
			return od.AbortHardware
		}
		return od.AbortNone
	case subStoreSerial:
		return n.storeSerial()
	case subStoreTest:
		if err := n.save(storage.Test); err != nil {
			return od.AbortHardware
		}
		return od.AbortNone
	case subStoreCalib:
		if err := n.save(storage.Calibration); err != nil {
			return od.AbortHardware
		}
		return od.AbortNone
	}
	return od.AbortSubUnknown
}

// storeSerial latches the serial record. Permitted only while the record
// is not yet valid; the latch holds through every subsequent session.
func (n *Node) storeSerial() od.Abort {
	if n.serialValid() {
		return od.AbortDeviceState
	}
	tx := n.dict.Lock()
	tx.SetU8(idxSerialRecord, 1, 1)
	derivePublicSerial(tx)
	tx.Unlock()

	if err := n.save(storage.Serial); err != nil {
		// Do not leave a latch the media does not back.
		tx := n.dict.Lock()
		tx.SetU8(idxSerialRecord, 1, 0)
		tx.Unlock()
		return od.AbortHardware
	}
	logging.L().Info("serial_latched")
	return od.AbortNone
}

func (n *Node) restoreParams(req *od.Request) od.Abort {
	if req.Reading || req.SubIndex == 0 {
		return od.AbortNone
	}
	sig := binary.LittleEndian.Uint32(req.Data)
	req.Restore()

	switch req.SubIndex {
	case subStoreAll, subStoreApp:
		if sig != loadSignature {
			return od.AbortDataTransf
		}
		// Takes effect after the next reset; live values stay untouched.
		if err := n.store.Restore(storage.ApplicationParams); err != nil {
			metrics.IncStorage("restore", false)
			logging.L().Error("storage_restore_failed", "group", storage.ApplicationParams, "error", err)
			return od.AbortHardware
		}
		metrics.IncStorage("restore", true)
		logging.L().Info("storage_restore_scheduled", "group", storage.ApplicationParams)
		return od.AbortNone
	default:
		// Communication, runtime, serial, test and calibration are never
		// restorable through this entry.
		return od.AbortDataTransf
	}
}

func (n *Node) cobidTimestamp(req *od.Request) od.Abort {
	if req.Reading {
		return od.AbortNone
	}
	v := binary.LittleEndian.Uint32(req.Data)
	if v&(1<<30) != 0 { // producer bit; this device only consumes
		req.Restore()
		return od.AbortDataTransf
	}
	return od.AbortNone
}

func (n *Node) programControl(req *od.Request) od.Abort {
	if req.Reading || req.SubIndex != 1 {
		return od.AbortNone
	}
	cmd := req.Data[0]
	req.Restore()
	if n.bootloader == nil {
		return od.AbortDeviceState
	}
	switch n.bootloader.Request(n.ActiveNodeID(), cmd) {
	case BootloaderOK:
		return od.AbortNone
	case BootloaderReboot:
		logging.L().Warn("program_control_reboot", "command", cmd)
		n.system.RequestReboot()
		return od.AbortNone
	case BootloaderTimeout:
		return od.AbortTimeout
	case BootloaderWrongState:
		return od.AbortDeviceState
	default:
		return od.AbortInvalidValue
	}
}

func (n *Node) readTemperature(req *od.Request) od.Abort {
	if !req.Reading || req.SubIndex != 1 {
		return od.AbortNone
	}
	v, err := n.sensors.Temperature()
	if abort := n.sensorResult(uint32(idxTemperature), err); abort != od.AbortNone {
		return abort
	}
	binary.LittleEndian.PutUint32(req.Data, math.Float32bits(v))
	return od.AbortNone
}

func (n *Node) readVoltage(req *od.Request) od.Abort {
	if !req.Reading || req.SubIndex != 1 {
		return od.AbortNone
	}
	v, err := n.sensors.Voltage()
	if abort := n.sensorResult(uint32(idxVoltage), err); abort != od.AbortNone {
		return abort
	}
	binary.LittleEndian.PutUint32(req.Data, math.Float32bits(v))
	return od.AbortNone
}

// sensorResult folds a sample outcome into the sensor fault latch, raising
// an emergency on the first failure and clearing it on the first success
// after one.
func (n *Node) sensorResult(source uint32, err error) od.Abort {
	n.mu.Lock()
	was := n.sensorFault
	n.sensorFault = err != nil
	n.mu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrSensors)
		if !was {
			n.ReportError(ErrorSensorFault, source)
		}
		return od.AbortHardware
	}
	if was {
		n.ClearError(ErrorSensorFault)
	}
	return od.AbortNone
}

func (n *Node) readCANInfo(req *od.Request) od.Abort {
	if !req.Reading {
		return od.AbortNone
	}
	info := n.stack.BusInfo()
	switch req.SubIndex {
	case 0:
		// Static count, pre-populated.
	case subCANBitrate:
		binary.LittleEndian.PutUint16(req.Data, uint16(n.activeBitrate()/1000))
	case subCANFlags:
		req.Data[0] = info.Flags()
	case subCANRxFrames:
		binary.LittleEndian.PutUint32(req.Data, info.RxFrames)
	case subCANTxFrames:
		binary.LittleEndian.PutUint32(req.Data, info.TxFrames)
	case subCANRxBytes:
		binary.LittleEndian.PutUint32(req.Data, info.RxBytes)
	case subCANTxBytes:
		binary.LittleEndian.PutUint32(req.Data, info.TxBytes)
	case subCANErrFrames:
		binary.LittleEndian.PutUint32(req.Data, info.ErrorFrames)
	case subCANTxDropped:
		binary.LittleEndian.PutUint32(req.Data, info.TxDropped)
	case subCANListenOnly:
		req.Data[0] = 0
		if n.listenOnly() {
			req.Data[0] = 1
		}
	case subCANActiveID:
		req.Data[0] = n.ActiveNodeID()
	case subCANRecoveries:
		binary.LittleEndian.PutUint32(req.Data, info.Recoveries)
	}
	return od.AbortNone
}

func (n *Node) daisyChain(req *od.Request) od.Abort {
	if req.Reading {
		if req.SubIndex == subDaisyNext {
			req.Data[0] = 0
			if n.daisy != nil && n.daisy.Present() {
				req.Data[0] = 1
			}
		}
		return od.AbortNone
	}
	switch req.SubIndex {
	case subDaisyShiftIn:
		if req.Data[0] != 0 {
			req.Restore()
			return od.AbortInvalidValue
		}
		return od.AbortNone
	case subDaisyShiftOut:
		if req.Data[0] != 0 && n.daisy != nil {
			n.daisy.ShiftPulse()
		}
		return od.AbortNone
	}
	return od.AbortNone
}

func (n *Node) serialRecord(req *od.Request) od.Abort {
	if req.Reading {
		return od.AbortNone
	}
	if req.SubIndex == 2 && n.serialValid() {
		req.Restore()
		return od.AbortReadOnly
	}
	return od.AbortNone
}

func (n *Node) nodeIDEntry(req *od.Request) od.Abort {
	if req.Reading {
		return od.AbortNone
	}
	if !ValidNodeID(req.Data[0]) {
		req.Restore()
		return od.AbortInvalidValue
	}
	return od.AbortNone
}

func (n *Node) bitRateEntry(req *od.Request) od.Abort {
	if req.Reading {
		return od.AbortNone
	}
	v := binary.LittleEndian.Uint16(req.Data)
	for _, kbit := range bitrateTable {
		if v == kbit {
			return od.AbortNone
		}
	}
	req.Restore()
	return od.AbortInvalidValue
}

// pdoControl answers the manual PDO trigger entry. Without the capability
// the entry exists but every write is refused.
func (n *Node) pdoControl(req *od.Request) od.Abort {
	if req.Reading || req.SubIndex != 1 {
		return od.AbortNone
	}
	if !n.pdoManual {
		req.Restore()
		return od.AbortInvalidValue
	}
	// Manual trigger: the value names the TPDO to fire; delivery is the
	// protocol engine's concern.
	return od.AbortNone
}

// save persists one group with uniform logging and accounting.
func (n *Node) save(g storage.Group) error {
	if err := n.store.Save(g); err != nil {
		metrics.IncStorage("save", false)
		metrics.IncError(metrics.ErrStorageSave)
		logging.L().Error("storage_save_failed", "group", g, "error", err)
		n.ReportError(ErrorStorageFault, uint32(g))
		return err
	}
	metrics.IncStorage("save", true)
	logging.L().Debug("storage_saved", "group", g)
	return nil
}
