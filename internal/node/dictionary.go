package node

import (
	"strconv"
	"strings"

	"github.com/kstaniek/go-canopen-node/internal/od"
	"github.com/kstaniek/go-canopen-node/internal/storage"
)

// Dictionary entries owned by the node runtime.
const (
	idxDeviceType     = 0x1000
	idxDeviceName     = 0x1008
	idxSWVersion      = 0x100A
	idxStoreParams    = 0x1010
	idxRestoreParams  = 0x1011
	idxCOBIDTimestamp = 0x1012
	idxIdentity       = 0x1018
	idxProgramControl = 0x1F51
	idxProgramSWID    = 0x1F56
	idxNodeID         = 0x2101
	idxBitRate        = 0x2102
	idxPowerOnCounter = 0x2103
	idxTemperature    = 0x2108
	idxVoltage        = 0x2109
	idxCANInfo        = 0x2110
	idxDaisyChain     = 0x2111
	idxSerialRecord   = 0x2120
	idxPDOControl     = 0x2130
	idxAppParams      = 0x2200
	idxCalibration    = 0x4000
	idxTestData       = 0x5000
)

// Sub-index layout of the store/restore entries (CiA 301, 0x1010/0x1011).
const (
	subStoreAll     = 1
	subStoreComm    = 2
	subStoreApp     = 3
	subStoreRuntime = 4
	subStoreSerial  = 5
	subStoreTest    = 6
	subStoreCalib   = 7
	storeSubCount   = 7
	storeSaveOnCmd  = 1 // capability value reported on 0x1010 reads
)

// Sub-index layout of the daisy-chain entry.
const (
	subDaisyShiftIn  = 1
	subDaisyShiftOut = 2
	subDaisyNext     = 3
)

// Sub-index layout of the CAN runtime info entry.
const (
	subCANBitrate    = 1
	subCANFlags      = 2
	subCANRxFrames   = 3
	subCANTxFrames   = 4
	subCANRxBytes    = 5
	subCANTxBytes    = 6
	subCANErrFrames  = 7
	subCANTxDropped  = 8
	subCANListenOnly = 9
	subCANActiveID   = 10
	subCANRecoveries = 11
	canInfoSubCount  = 11
)

const (
	deviceNameLen = 24
	swVersionLen  = 16
)

func u8(v uint8) []byte { return []byte{v} }
func u16z() []byte      { return make([]byte, 2) }
func u32z() []byte      { return make([]byte, 4) }
func u64z() []byte      { return make([]byte, 8) }

// buildDictionary creates the device dictionary with every entry at its
// compiled-in default. Startup-derived values are filled in later by
// setDefaults, strictly before any persistence load.
func buildDictionary() *od.Dictionary {
	d := od.New()

	d.Add(idxDeviceType, 0, od.AccessConst, u32z())
	d.Add(idxDeviceName, 0, od.AccessConst, make([]byte, deviceNameLen))
	d.Add(idxSWVersion, 0, od.AccessRO, make([]byte, swVersionLen))

	d.Add(idxStoreParams, 0, od.AccessConst, u8(storeSubCount))
	d.Add(idxRestoreParams, 0, od.AccessConst, u8(storeSubCount))
	for sub := uint8(1); sub <= storeSubCount; sub++ {
		d.Add(idxStoreParams, sub, od.AccessRW, []byte{storeSaveOnCmd, 0, 0, 0})
		d.Add(idxRestoreParams, sub, od.AccessRW, []byte{storeSaveOnCmd, 0, 0, 0})
	}

	d.Add(idxCOBIDTimestamp, 0, od.AccessRW, []byte{0x00, 0x01, 0x00, 0x00})

	d.Add(idxIdentity, 0, od.AccessConst, u8(4))
	d.Add(idxIdentity, 1, od.AccessConst, u32z()) // vendor id
	d.Add(idxIdentity, 2, od.AccessConst, u32z()) // product code
	d.Add(idxIdentity, 3, od.AccessConst, u32z()) // revision
	d.Add(idxIdentity, 4, od.AccessRO, u32z())    // public serial

	d.Add(idxProgramControl, 0, od.AccessConst, u8(1))
	d.Add(idxProgramControl, 1, od.AccessRW, u8(0))
	d.Add(idxProgramSWID, 0, od.AccessConst, u8(1))
	d.Add(idxProgramSWID, 1, od.AccessRO, u32z())

	d.Add(idxNodeID, 0, od.AccessRW, u8(UnassignedNodeID))
	d.Add(idxBitRate, 0, od.AccessRW, []byte{0xFA, 0x00}) // 250 kbit/s
	d.Add(idxPowerOnCounter, 0, od.AccessRO, u32z())

	d.Add(idxTemperature, 0, od.AccessConst, u8(1))
	d.Add(idxTemperature, 1, od.AccessRO, u32z())
	d.Add(idxVoltage, 0, od.AccessConst, u8(1))
	d.Add(idxVoltage, 1, od.AccessRO, u32z())

	d.Add(idxCANInfo, 0, od.AccessConst, u8(canInfoSubCount))
	d.Add(idxCANInfo, subCANBitrate, od.AccessRO, u16z())
	d.Add(idxCANInfo, subCANFlags, od.AccessRO, u8(0))
	for sub := uint8(subCANRxFrames); sub <= subCANTxDropped; sub++ {
		d.Add(idxCANInfo, sub, od.AccessRO, u32z())
	}
	d.Add(idxCANInfo, subCANListenOnly, od.AccessRO, u8(0))
	d.Add(idxCANInfo, subCANActiveID, od.AccessRO, u8(0))
	d.Add(idxCANInfo, subCANRecoveries, od.AccessRO, u32z())

	d.Add(idxDaisyChain, 0, od.AccessConst, u8(3))
	d.Add(idxDaisyChain, subDaisyShiftIn, od.AccessRW, u8(0))
	d.Add(idxDaisyChain, subDaisyShiftOut, od.AccessRW, u8(0))
	d.Add(idxDaisyChain, subDaisyNext, od.AccessRO, u8(0))

	d.Add(idxSerialRecord, 0, od.AccessConst, u8(2))
	d.Add(idxSerialRecord, 1, od.AccessRO, u8(0))  // valid flag
	d.Add(idxSerialRecord, 2, od.AccessRW, u64z()) // raw serial

	d.Add(idxPDOControl, 0, od.AccessConst, u8(1))
	d.Add(idxPDOControl, 1, od.AccessRW, u8(0))

	d.Add(idxAppParams, 0, od.AccessConst, u8(4))
	for sub := uint8(1); sub <= 4; sub++ {
		d.Add(idxAppParams, sub, od.AccessRW, u32z())
	}

	d.Add(idxCalibration, 0, od.AccessConst, u8(2))
	d.Add(idxCalibration, 1, od.AccessRW, []byte{0x00, 0x00, 0x80, 0x3F}) // gain 1.0
	d.Add(idxCalibration, 2, od.AccessRW, u32z())                         // offset 0.0

	d.Add(idxTestData, 0, od.AccessConst, u8(2))
	d.Add(idxTestData, 1, od.AccessRW, u32z())
	d.Add(idxTestData, 2, od.AccessRW, u32z())

	return d
}

// defineGroups maps dictionary entries onto their persistence groups.
func defineGroups(store *storage.Orchestrator) {
	store.Define(storage.Communication,
		storage.Ref{Index: idxNodeID, Sub: 0},
		storage.Ref{Index: idxBitRate, Sub: 0},
	)
	store.Define(storage.ApplicationParams,
		storage.Ref{Index: idxAppParams, Sub: 1},
		storage.Ref{Index: idxAppParams, Sub: 2},
		storage.Ref{Index: idxAppParams, Sub: 3},
		storage.Ref{Index: idxAppParams, Sub: 4},
	)
	store.Define(storage.Runtime,
		storage.Ref{Index: idxPowerOnCounter, Sub: 0},
	)
	store.Define(storage.Serial,
		storage.Ref{Index: idxSerialRecord, Sub: 1},
		storage.Ref{Index: idxSerialRecord, Sub: 2},
	)
	store.Define(storage.Test,
		storage.Ref{Index: idxTestData, Sub: 1},
		storage.Ref{Index: idxTestData, Sub: 2},
	)
	store.Define(storage.Calibration,
		storage.Ref{Index: idxCalibration, Sub: 1},
		storage.Ref{Index: idxCalibration, Sub: 2},
	)
}

// revisionNumber packs a dotted version string into the identity revision
// word, major in the high half, minor in the low half.
func revisionNumber(version string) uint32 {
	parts := strings.SplitN(strings.TrimPrefix(version, "v"), ".", 3)
	var major, minor uint64
	if len(parts) > 0 {
		major, _ = strconv.ParseUint(parts[0], 10, 16)
	}
	if len(parts) > 1 {
		minor, _ = strconv.ParseUint(parts[1], 10, 16)
	}
	return uint32(major)<<16 | uint32(minor)
}

// setDefaults writes the startup-derived values into the dictionary. Runs
// on every configuration pass, strictly before persisted groups load.
func (n *Node) setDefaults() {
	tx := n.dict.Lock()
	defer tx.Unlock()
	tx.SetU32(idxDeviceType, 0, uint32(n.hw.DeviceType))
	tx.SetString(idxDeviceName, 0, n.hw.Name)
	tx.SetString(idxSWVersion, 0, n.hw.Version)
	tx.SetU32(idxIdentity, 1, n.hw.VendorID)
	tx.SetU32(idxIdentity, 2, uint32(n.hw.HardwareRev)<<16|uint32(n.hw.DeviceType))
	tx.SetU32(idxIdentity, 3, revisionNumber(n.hw.Version))
	tx.SetU32(idxProgramSWID, 1, n.hw.Checksum)
	tx.SetU8(idxNodeID, 0, UnassignedNodeID)
	if n.cfg.Bitrate > 0 {
		tx.SetU16(idxBitRate, 0, uint16(n.cfg.Bitrate/1000))
	}
	tx.SetU8(idxSerialRecord, 1, 0)
	tx.SetU64(idxSerialRecord, 2, 0)
}
