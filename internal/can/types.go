package can

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// Error class bits carried in can_id of an error frame (<linux/can/error.h>).
const (
	ERR_MASK = 0x1FFFFFFF // subscribe to every error class

	ERR_TX_TIMEOUT = 0x00000001
	ERR_LOSTARB    = 0x00000002
	ERR_CRTL       = 0x00000004
	ERR_PROT       = 0x00000008
	ERR_TRX        = 0x00000010
	ERR_ACK        = 0x00000020
	ERR_BUSOFF     = 0x00000040
	ERR_BUSERROR   = 0x00000080
	ERR_RESTARTED  = 0x00000100
)

// Controller status detail bits, data[1] of an ERR_CRTL error frame.
const (
	ERR_CRTL_RX_OVERFLOW = 0x01
	ERR_CRTL_TX_OVERFLOW = 0x02
	ERR_CRTL_RX_WARNING  = 0x04
	ERR_CRTL_TX_WARNING  = 0x08
	ERR_CRTL_RX_PASSIVE  = 0x10
	ERR_CRTL_TX_PASSIVE  = 0x20
	ERR_CRTL_ACTIVE      = 0x40
)

// Frame is a classic CAN frame as exchanged with the controller driver.
// CANID carries EFF/RTR/ERR flags in its upper bits like SocketCAN.
// Len is payload length (0..8); only the first Len bytes of Data are valid.
type Frame struct {
	CANID uint32
	Len   uint8
	Data  [8]byte
}

// ID returns the identifier without flag bits.
func (f Frame) ID() uint32 {
	if f.CANID&CAN_EFF_FLAG != 0 {
		return f.CANID & CAN_EFF_MASK
	}
	return f.CANID & CAN_SFF_MASK
}

// IsError reports whether the frame is a controller error indication.
func (f Frame) IsError() bool { return f.CANID&CAN_ERR_FLAG != 0 }

// IsRTR reports whether the frame is a remote transmission request.
func (f Frame) IsRTR() bool { return f.CANID&CAN_RTR_FLAG != 0 }
