package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
)

// ErrEndOfStream означает, что источник кадров исчерпан навсегда.
var ErrEndOfStream = errors.New("vision: конец потока кадров")

// Source отдает кадры камеры.
type Source interface {
	// Next возвращает очередной кадр. ErrEndOfStream означает конец потока,
	// *CaptureError означает разовый сбой, после которого можно продолжать.
	Next(ctx context.Context) (image.Image, error)
	Close() error
}

// CaptureError означает, что кадр недоступен на этом такте.
type CaptureError struct {
	Source string
	Err    error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("захват кадра (%s): %v", e.Source, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// SliceSource отдает заранее подготовленные кадры по порядку.
type SliceSource struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
}

// NewSliceSource создает источник из среза кадров.
func NewSliceSource(frames ...image.Image) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next возвращает следующий кадр или ErrEndOfStream.
func (s *SliceSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return nil, ErrEndOfStream
	}
	img := s.frames[s.next]
	s.next++
	return img, nil
}

// Close ничего не освобождает.
func (s *SliceSource) Close() error { return nil }
