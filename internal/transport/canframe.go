package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/serebryakov7/canfuzz/common"
)

// Размер struct can_frame в Linux SocketCAN.
const canFrameSize = 16

const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000
	canEffMask = 0x1FFFFFFF
	canSffMask = 0x7FF
)

// MarshalCANFrame кодирует кадр в раскладку struct can_frame.
// Порядок байт поля can_id задается order: ядро использует порядок хоста,
// pcap LINKTYPE_CAN_SOCKETCAN использует сетевой.
func MarshalCANFrame(f common.Frame, order binary.ByteOrder) []byte {
	buf := make([]byte, canFrameSize)
	id := f.ID
	if f.Extended {
		id = (id & canEffMask) | canEffFlag
	} else {
		id &= canSffMask
	}
	order.PutUint32(buf[0:4], id)
	buf[4] = common.PayloadLen
	copy(buf[8:16], f.Data[:])
	return buf
}

// UnmarshalCANFrame разбирает struct can_frame. Кадры ошибок и RTR
// возвращаются с ok == false: фаззер их не журналирует.
func UnmarshalCANFrame(buf []byte, order binary.ByteOrder) (common.Frame, bool, error) {
	if len(buf) < canFrameSize {
		return common.Frame{}, false, fmt.Errorf("can_frame: нужно %d байт, получено %d", canFrameSize, len(buf))
	}
	raw := order.Uint32(buf[0:4])
	if raw&(canErrFlag|canRtrFlag) != 0 {
		return common.Frame{}, false, nil
	}
	dlc := int(buf[4])
	if dlc > common.PayloadLen {
		dlc = common.PayloadLen
	}
	var f common.Frame
	if raw&canEffFlag != 0 {
		f = common.FrameFromSlice(raw&canEffMask, true, buf[8:8+dlc])
	} else {
		f = common.FrameFromSlice(raw&canSffMask, false, buf[8:8+dlc])
	}
	return f, true, nil
}
