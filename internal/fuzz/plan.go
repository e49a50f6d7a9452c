// Package fuzz перебирает пространство стандартных CAN кадров в детерминированном
// порядке: идентификатор, затем номер байта, затем значение байта.
package fuzz

import (
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/serebryakov7/canfuzz/common"
)

const (
	// ByteValues: число значений одного байта.
	ByteValues = 256
	// FramesPerID: число кадров на один идентификатор, 8 позиций × 256 значений.
	FramesPerID = common.PayloadLen * ByteValues
)

// Position задает точку перебора. Нулевые ByteIndex и ByteValue соответствуют
// первому кадру идентификатора.
type Position struct {
	ID        uint32 `json:"id" cbor:"id"`
	ByteIndex int    `json:"byte_index" cbor:"i"`
	ByteValue int    `json:"byte_value" cbor:"v"`
}

// Less сравнивает позиции в порядке перебора.
func (p Position) Less(o Position) bool {
	if p.ID != o.ID {
		return p.ID < o.ID
	}
	if p.ByteIndex != o.ByteIndex {
		return p.ByteIndex < o.ByteIndex
	}
	return p.ByteValue < o.ByteValue
}

// Frame строит кадр для позиции: все байты нулевые, кроме Data[ByteIndex].
func (p Position) Frame() common.Frame {
	var data [common.PayloadLen]byte
	data[p.ByteIndex] = byte(p.ByteValue)
	return common.NewFrame(p.ID, data)
}

// Next возвращает позицию, следующую за p без учета диапазона и игнорируемых ID.
func (p Position) Next() Position {
	p.ByteValue++
	if p.ByteValue == ByteValues {
		p.ByteValue = 0
		p.ByteIndex++
		if p.ByteIndex == common.PayloadLen {
			p.ByteIndex = 0
			p.ID++
		}
	}
	return p
}

func (p Position) String() string {
	return fmt.Sprintf("0x%03X[%d]=0x%02X", p.ID, p.ByteIndex, p.ByteValue)
}

// Plan описывает полный план перебора.
type Plan struct {
	StartID uint32
	EndID   uint32
	Ignore  map[uint32]struct{}
	// Resume задает позицию, с которой начинается перебор. Нулевое значение означает начало диапазона.
	Resume Position
	// Delay задает паузу после каждой итерации.
	Delay time.Duration
}

// NewPlan собирает план из диапазона и списка игнорируемых ID.
func NewPlan(start, end uint32, ignore []uint32, delay time.Duration) Plan {
	set := make(map[uint32]struct{}, len(ignore))
	for _, id := range ignore {
		set[id] = struct{}{}
	}
	return Plan{StartID: start, EndID: end, Ignore: set, Delay: delay}
}

// Validate проверяет инварианты плана.
func (p Plan) Validate() error {
	if p.StartID > p.EndID {
		return fmt.Errorf("начальный ID 0x%X больше конечного 0x%X", p.StartID, p.EndID)
	}
	if p.EndID > common.MaxStandardID {
		return fmt.Errorf("конечный ID 0x%X вне 11-битного диапазона", p.EndID)
	}
	if p.Delay < 0 {
		return fmt.Errorf("отрицательная задержка %v", p.Delay)
	}
	r := p.Resume
	if r.ByteIndex < 0 || r.ByteIndex >= common.PayloadLen || r.ByteValue < 0 || r.ByteValue >= ByteValues {
		return fmt.Errorf("некорректная позиция возобновления %s", r)
	}
	return nil
}

// Ignored сообщает, исключен ли идентификатор из перебора.
func (p Plan) Ignored(id uint32) bool {
	_, ok := p.Ignore[id]
	return ok
}

// IgnoredIDs возвращает отсортированный список игнорируемых ID.
func (p Plan) IgnoredIDs() []uint32 {
	out := make([]uint32, 0, len(p.Ignore))
	for id := range p.Ignore {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IDs возвращает число идентификаторов диапазона, не попавших в список игнорирования.
func (p Plan) IDs() int {
	return p.idsBetween(p.StartID, p.EndID)
}

// idsBetween считает неигнорируемые ID в отрезке [lo, hi].
func (p Plan) idsBetween(lo, hi uint32) int {
	if lo > hi {
		return 0
	}
	n := int(hi-lo) + 1
	for id := range p.Ignore {
		if id >= lo && id <= hi {
			n--
		}
	}
	return n
}

// Total возвращает число кадров полного прохода без учета Resume.
func (p Plan) Total() int {
	return p.IDs() * FramesPerID
}

// Remaining возвращает число кадров, которые будут отправлены начиная с Resume.
// Считается без обхода позиций.
func (p Plan) Remaining() int {
	first := p.start()
	if first.ID > p.EndID {
		return 0
	}
	n := 0
	if first.ID < p.EndID {
		n = p.idsBetween(first.ID+1, p.EndID) * FramesPerID
	}
	if !p.Ignored(first.ID) {
		n += FramesPerID - (first.ByteIndex*ByteValues + first.ByteValue)
	}
	return n
}

// Frames перечисляет позиции и кадры в порядке перебора начиная с Resume.
// Членство в списке игнорирования проверяется один раз на идентификатор.
func (p Plan) Frames() iter.Seq2[Position, common.Frame] {
	return func(yield func(Position, common.Frame) bool) {
		first := p.start()
		for id := first.ID; id <= p.EndID; id++ {
			if p.Ignored(id) {
				continue
			}
			for i := 0; i < common.PayloadLen; i++ {
				for v := 0; v < ByteValues; v++ {
					pos := Position{ID: id, ByteIndex: i, ByteValue: v}
					if pos.Less(first) {
						continue
					}
					if !yield(pos, pos.Frame()) {
						return
					}
				}
			}
			if id == ^uint32(0) {
				return
			}
		}
	}
}

// start возвращает первую позицию перебора с учетом Resume.
func (p Plan) start() Position {
	if p.Resume.ID < p.StartID {
		return Position{ID: p.StartID}
	}
	return p.Resume
}

// Key возвращает стабильный ключ плана для хранения прогресса.
func (p Plan) Key() string {
	return fmt.Sprintf("%03X-%03X/%v", p.StartID, p.EndID, p.IgnoredIDs())
}
