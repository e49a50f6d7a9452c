package common

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxStandardID задает наибольший 11-битный идентификатор арбитража.
const MaxStandardID = 0x7FF

// PayloadLen задает длину поля данных классического CAN кадра.
const PayloadLen = 8

// Frame представляет классический CAN кадр.
// Значение неизменяемо: Data хранится массивом, а не срезом.
type Frame struct {
	ID       uint32           `json:"id" cbor:"id"`
	Data     [PayloadLen]byte `json:"data" cbor:"data"`
	Extended bool             `json:"extended,omitempty" cbor:"ext,omitempty"`
}

// NewFrame создает стандартный (11-битный) кадр.
func NewFrame(id uint32, data [PayloadLen]byte) Frame {
	return Frame{ID: id, Data: data}
}

// FrameFromSlice копирует до 8 байт данных в кадр.
func FrameFromSlice(id uint32, extended bool, data []byte) Frame {
	f := Frame{ID: id, Extended: extended}
	copy(f.Data[:], data)
	return f
}

// Valid проверяет, что идентификатор помещается в формат кадра.
func (f Frame) Valid() bool {
	if f.Extended {
		return f.ID <= 0x1FFFFFFF
	}
	return f.ID <= MaxStandardID
}

// HexID возвращает идентификатор в виде 0x100.
func (f Frame) HexID() string {
	return hexString(uint64(f.ID))
}

// HexBytes возвращает байты данных в виде ["0x0", "0x5", ...].
func (f Frame) HexBytes() []string {
	out := make([]string, len(f.Data))
	for i, b := range f.Data {
		out[i] = hexString(uint64(b))
	}
	return out
}

// String форматирует кадр так же, как он пишется в журнал:
// CAN ID: 0x100, Data: ['0x0', '0x5', ...]
func (f Frame) String() string {
	quoted := make([]string, 0, len(f.Data))
	for _, h := range f.HexBytes() {
		quoted = append(quoted, "'"+h+"'")
	}
	return fmt.Sprintf("CAN ID: %s, Data: [%s]", f.HexID(), strings.Join(quoted, ", "))
}

// Tag возвращает детерминированное имя кадра для артефактов:
// can_0x100_0x0_0x5_0x0_0x0_0x0_0x0_0x0_0x0
func (f Frame) Tag() string {
	return "can_" + f.HexID() + "_" + strings.Join(f.HexBytes(), "_")
}

// Key возвращает компактный ключ кадра для индексов хранилища.
func (f Frame) Key() string {
	return fmt.Sprintf("%03X#%X", f.ID, f.Data[:])
}

func hexString(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
