//go:build !gst

package vision

import (
	"context"
	"errors"
	"image"
)

// GstConfig описывает захват через GStreamer.
type GstConfig struct {
	Source string
	Width  int
	Height int
}

// GstSource недоступен без тега сборки gst.
type GstSource struct{}

// NewGstSource всегда возвращает ошибку: бинарь собран без GStreamer.
func NewGstSource(GstConfig) (*GstSource, error) {
	return nil, errors.New("vision: поддержка GStreamer не включена (соберите с -tags gst)")
}

func (*GstSource) Next(context.Context) (image.Image, error) { return nil, ErrEndOfStream }

func (*GstSource) Close() error { return nil }
