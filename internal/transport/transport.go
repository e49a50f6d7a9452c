// Package transport описывает доступ к CAN шине: отправка одного кадра
// и ограниченное по времени ожидание одного входящего кадра.
package transport

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/serebryakov7/canfuzz/common"
)

// Kind определяет тип адаптера шины.
type Kind string

const (
	// KindSocketCAN: сетевой интерфейс Linux SocketCAN (can0, vcan0).
	KindSocketCAN Kind = "socketcan"
	// KindSLCAN: последовательный адаптер с протоколом Lawicel/SLCAN.
	KindSLCAN Kind = "slcan"
	// KindVirtual: шина в памяти процесса.
	KindVirtual Kind = "virtual"
)

// ErrClosed возвращается операциями над закрытым транспортом.
var ErrClosed = errors.New("transport: closed")

// Transport описывает физический или виртуальный CAN адаптер.
type Transport interface {
	// Send отправляет один кадр.
	Send(frame common.Frame) error
	// Receive ждет один кадр не дольше timeout. При таймауте возвращает ok == false и nil.
	Receive(timeout time.Duration) (frame common.Frame, ok bool, err error)
	// Close освобождает адаптер.
	Close() error
}

// Error описывает ошибку ввода-вывода на шине. Фаззер считает ее восстановимой.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options содержит параметры открытия адаптера.
type Options struct {
	// Baud задает скорость последовательного порта для SLCAN.
	Baud int
	// Bitrate задает скорость CAN шины в бит/с для SLCAN (команда S<n>).
	Bitrate int
}

// Open создает транспорт по его типу.
func Open(kind Kind, channel string, opts Options) (Transport, error) {
	switch Kind(strings.ToLower(string(kind))) {
	case KindSocketCAN:
		s, err := OpenSocketCAN(channel)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindSLCAN:
		s, err := OpenSLCAN(channel, opts)
		if err != nil {
			return nil, err
		}
		return s, nil
	case KindVirtual:
		return NewVirtual().DiscardHistory(), nil
	default:
		return nil, fmt.Errorf("неподдерживаемый тип шины: %q (socketcan, slcan или virtual)", kind)
	}
}
