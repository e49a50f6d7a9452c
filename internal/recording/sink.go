// Package recording сохраняет кадры камеры, снятые после срабатывания,
// в видеофайлы, помеченные вызвавшим их CAN-кадром.
package recording

import (
	"fmt"
	"image"

	"github.com/serebryakov7/canfuzz/common"
)

// Sink представляет открытую запись. Кадры дописываются по одному, Close завершает файл.
type Sink interface {
	Append(img image.Image) error
	Close() error
	Path() string
}

// Opener создает запись для кадра-триггера. bounds задает размер кадров камеры.
type Opener interface {
	Open(tag common.Frame, bounds image.Rectangle) (Sink, error)
}

// SinkError означает, что запись не удалось создать или дописать.
type SinkError struct {
	Op   string
	Path string
	Err  error
}

func (e *SinkError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("запись %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("запись %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }
