//go:build gst

package vision

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/serebryakov7/canfuzz/internal/logger"
)

// GstConfig описывает захват через GStreamer.
type GstConfig struct {
	// Source задает голову конвейера, например "v4l2src device=/dev/video0".
	Source string
	Width  int
	Height int
}

// GstSource принимает кадры GRAY8 из appsink.
type GstSource struct {
	cfg      GstConfig
	pipeline *gst.Pipeline
	frames   chan *image.Gray
	eos      chan struct{}
	eosOnce  sync.Once
	dropped  atomic.Uint64
	closeErr error
	closed   sync.Once
}

// NewGstSource собирает и запускает конвейер.
func NewGstSource(cfg GstConfig) (*GstSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gst: некорректный размер кадра %dx%d", cfg.Width, cfg.Height)
	}
	gst.Init(nil)

	desc := fmt.Sprintf(
		"%s ! videoconvert ! videoscale ! video/x-raw,format=GRAY8,width=%d,height=%d ! "+
			"appsink name=frames sync=false max-buffers=1 drop=true",
		cfg.Source, cfg.Width, cfg.Height,
	)
	pipeline, err := gst.NewPipelineFromString(desc)
	if err != nil {
		return nil, fmt.Errorf("gst: конвейер %q: %w", desc, err)
	}
	elem, err := pipeline.GetElementByName("frames")
	if err != nil {
		return nil, fmt.Errorf("gst: appsink не найден: %w", err)
	}

	s := &GstSource{
		cfg:      cfg,
		pipeline: pipeline,
		frames:   make(chan *image.Gray, 2),
		eos:      make(chan struct{}),
	}

	sink := app.SinkFromElement(elem)
	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onSample,
		EOSFunc: func(*app.Sink) {
			s.eosOnce.Do(func() { close(s.eos) })
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		return nil, fmt.Errorf("gst: запуск конвейера: %w", err)
	}
	logger.Named("vision").Info().Str("pipeline", desc).Msg("захват GStreamer запущен")
	return s, nil
}

func (s *GstSource) onSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	data := buffer.Map(gst.MapRead).Bytes()
	want := s.cfg.Width * s.cfg.Height
	if len(data) < want {
		buffer.Unmap()
		return gst.FlowOK
	}
	img := image.NewGray(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	copy(img.Pix, data[:want])
	buffer.Unmap()

	select {
	case s.frames <- img:
	default:
		s.dropped.Add(1)
	}
	return gst.FlowOK
}

// Next ждет очередной кадр из конвейера.
func (s *GstSource) Next(ctx context.Context) (image.Image, error) {
	select {
	case img := <-s.frames:
		return img, nil
	case <-s.eos:
		return nil, ErrEndOfStream
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped возвращает число кадров, отброшенных из-за медленного потребителя.
func (s *GstSource) Dropped() uint64 { return s.dropped.Load() }

// Close переводит конвейер в NULL.
func (s *GstSource) Close() error {
	s.closed.Do(func() {
		s.closeErr = s.pipeline.SetState(gst.StateNull)
	})
	return s.closeErr
}
