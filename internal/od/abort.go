package od

import "fmt"

// Abort is a CiA 301 SDO abort code produced at the object dictionary
// boundary. Zero means the access is accepted.
type Abort uint32

const (
	AbortNone         Abort = 0
	AbortTimeout      Abort = 0x05040000 // SDO protocol timeout
	AbortReadOnly     Abort = 0x06010002 // attempt to write a read-only object
	AbortNoObject     Abort = 0x06020000 // object does not exist
	AbortHardware     Abort = 0x06060000 // access failed due to a hardware error
	AbortLength       Abort = 0x06070010 // data type does not match (length)
	AbortSubUnknown   Abort = 0x06090011 // sub-index does not exist
	AbortInvalidValue Abort = 0x06090030 // invalid value for parameter
	AbortGeneral      Abort = 0x08000000 // general error
	AbortDataTransf   Abort = 0x08000020 // data cannot be transferred or stored
	AbortDeviceState  Abort = 0x08000022 // data cannot be transferred because of present device state
)

var abortText = map[Abort]string{
	AbortTimeout:      "timeout",
	AbortReadOnly:     "read_only",
	AbortNoObject:     "no_object",
	AbortHardware:     "hardware",
	AbortLength:       "length",
	AbortSubUnknown:   "sub_unknown",
	AbortInvalidValue: "invalid_value",
	AbortGeneral:      "general",
	AbortDataTransf:   "data_transfer",
	AbortDeviceState:  "device_state",
}

// Label returns a short stable name suitable as a metrics label.
func (a Abort) Label() string {
	if s, ok := abortText[a]; ok {
		return s
	}
	return "other"
}

func (a Abort) String() string {
	if a == AbortNone {
		return "none"
	}
	return fmt.Sprintf("0x%08X (%s)", uint32(a), a.Label())
}
