package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"sync"

	"github.com/serebryakov7/canfuzz/internal/logger"
)

// FFmpegConfig описывает захват через процесс ffmpeg, выдающий сырые кадры GRAY8.
type FFmpegConfig struct {
	Binary string
	// Format задает входной формат ffmpeg (v4l2, avfoundation, dshow). Пустой для файла или URL.
	Format string
	// Input: устройство (/dev/video0), файл или URL потока.
	Input  string
	Width  int
	Height int
	FPS    int
	// Realtime читает файловый вход в темпе его частоты кадров (-re).
	Realtime bool
}

// FFmpegSource читает кадры из stdout процесса ffmpeg.
type FFmpegSource struct {
	cfg    FFmpegConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// NewFFmpegSource запускает ffmpeg. Процесс живет, пока не закрыт источник или не отменен ctx.
func NewFFmpegSource(ctx context.Context, cfg FFmpegConfig) (*FFmpegSource, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("ffmpeg: некорректный размер кадра %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if cfg.Realtime {
		args = append(args, "-re")
	}
	if cfg.Format != "" {
		args = append(args, "-f", cfg.Format)
		if cfg.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(cfg.FPS))
		}
	}
	args = append(args,
		"-i", cfg.Input,
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-f", "rawvideo", "-pix_fmt", "gray", "-",
	)

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, cfg.Binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: stdout: %w", err)
	}
	cmd.Stderr = logger.Named("ffmpeg").With().Str("input", cfg.Input).Logger()

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg: запуск %s: %w", cfg.Binary, err)
	}
	logger.Named("vision").Info().Str("input", cfg.Input).Int("pid", cmd.Process.Pid).
		Int("width", cfg.Width).Int("height", cfg.Height).Msg("захват ffmpeg запущен")

	return &FFmpegSource{cfg: cfg, cmd: cmd, stdout: stdout, cancel: cancel}, nil
}

// Next читает ровно один кадр Width×Height байт.
func (s *FFmpegSource) Next(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewGray(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrEndOfStream
		}
		return nil, &CaptureError{Source: s.cfg.Input, Err: err}
	}
	return img, nil
}

// Close останавливает процесс ffmpeg.
func (s *FFmpegSource) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		err := s.cmd.Wait()
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			s.closeErr = fmt.Errorf("ffmpeg: ожидание завершения: %w", err)
		}
	})
	return s.closeErr
}
