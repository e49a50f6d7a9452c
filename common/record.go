package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class классифицирует запись журнала доказательств.
type Class uint8

const (
	// ClassSent: кадр, отправленный фаззером.
	ClassSent Class = iota
	// ClassTriggered: кадр, с которым сопоставлено визуальное изменение.
	ClassTriggered
	// ClassInternalState: кадр, спонтанно полученный с шины во время фаззинга.
	ClassInternalState
)

// String возвращает имя класса для структурированных журналов и MQTT.
func (c Class) String() string {
	switch c {
	case ClassSent:
		return "sent"
	case ClassTriggered:
		return "triggered"
	case ClassInternalState:
		return "internal_state"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Label возвращает префикс строки в текстовом журнале.
func (c Class) Label() string {
	switch c {
	case ClassTriggered:
		return "[VISUAL]"
	case ClassInternalState:
		return "[INTERNAL STATE]"
	default:
		return "[SENT]"
	}
}

// MarshalJSON сериализует класс строкой.
func (c Class) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// Record представляет одну неизменяемую запись журнала доказательств.
type Record struct {
	Time    time.Time `json:"time" cbor:"t"`
	Class   Class     `json:"class" cbor:"c"`
	Frame   Frame     `json:"frame" cbor:"f"`
	Session string    `json:"session,omitempty" cbor:"s,omitempty"`
}

// NewRecord создает запись с текущим временем.
func NewRecord(class Class, frame Frame, session string) Record {
	return Record{Time: time.Now(), Class: class, Frame: frame, Session: session}
}

// Line форматирует запись одной строкой текстового журнала:
// [VISUAL] 12:04:55 - CAN ID: 0x100, Data: ['0x0', ...]
func (r Record) Line() string {
	prefix := ""
	if r.Class == ClassInternalState {
		prefix = "Received "
	}
	return fmt.Sprintf("%s %s - %s%s", r.Class.Label(), r.Time.Format(time.TimeOnly), prefix, r.Frame.String())
}
