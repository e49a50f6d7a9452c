package recording

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/icza/mjpeg"

	"github.com/serebryakov7/canfuzz/common"
)

// Параметры записи по умолчанию.
const (
	DefaultFPS     = 20
	DefaultQuality = 85
)

const maxCollisions = 1000

// AVIOpener пишет записи в формате MJPEG-in-AVI в каталог Dir.
// Файл называется по кадру-триггеру: can_0x100_0x0_..._0x0.avi.
type AVIOpener struct {
	Dir     string
	FPS     int
	Quality int
}

// Open создает новый файл записи. Существующие файлы не перезаписываются:
// к имени добавляется суффикс -1, -2, ...
func (o AVIOpener) Open(tag common.Frame, bounds image.Rectangle) (Sink, error) {
	if bounds.Empty() {
		return nil, &SinkError{Op: "open", Err: fmt.Errorf("пустой размер кадра %v", bounds)}
	}
	fps, quality := o.FPS, o.Quality
	if fps <= 0 {
		fps = DefaultFPS
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	path, err := reserve(o.Dir, tag.Tag())
	if err != nil {
		return nil, &SinkError{Op: "open", Path: path, Err: err}
	}
	aw, err := mjpeg.New(path, int32(bounds.Dx()), int32(bounds.Dy()), int32(fps))
	if err != nil {
		os.Remove(path)
		return nil, &SinkError{Op: "open", Path: path, Err: err}
	}
	return &aviWriter{
		aw:      aw,
		path:    path,
		width:   bounds.Dx(),
		height:  bounds.Dy(),
		quality: quality,
	}, nil
}

// reserve занимает свободное имя файла. mjpeg.New затем пишет поверх пустого файла.
func reserve(dir, base string) (string, error) {
	path := filepath.Join(dir, base+".avi")
	for n := 1; ; n++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return path, f.Close()
		}
		if !errors.Is(err, os.ErrExist) || n > maxCollisions {
			return path, err
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d.avi", base, n))
	}
}

// aviWriter кодирует кадры в JPEG и передает их mjpeg.AviWriter.
type aviWriter struct {
	aw      mjpeg.AviWriter
	path    string
	width   int
	height  int
	quality int

	canvas *image.RGBA
	buf    bytes.Buffer
	frames int
	closed bool
}

// Path возвращает путь к файлу записи.
func (w *aviWriter) Path() string { return w.path }

// Frames возвращает число записанных кадров.
func (w *aviWriter) Frames() int { return w.frames }

// Append кодирует кадр в JPEG и дописывает его в поток.
// Кадр другого размера вписывается в размер записи.
func (w *aviWriter) Append(img image.Image) error {
	if w.closed {
		return &SinkError{Op: "append", Path: w.path, Err: os.ErrClosed}
	}
	src := img
	if b := img.Bounds(); b.Dx() != w.width || b.Dy() != w.height || b.Min != (image.Point{}) {
		if w.canvas == nil {
			w.canvas = image.NewRGBA(image.Rect(0, 0, w.width, w.height))
		}
		draw.Draw(w.canvas, w.canvas.Bounds(), image.Black, image.Point{}, draw.Src)
		draw.Draw(w.canvas, w.canvas.Bounds(), img, b.Min, draw.Src)
		src = w.canvas
	}

	w.buf.Reset()
	if err := jpeg.Encode(&w.buf, src, &jpeg.Options{Quality: w.quality}); err != nil {
		return &SinkError{Op: "append", Path: w.path, Err: err}
	}
	if err := w.aw.AddFrame(w.buf.Bytes()); err != nil {
		return &SinkError{Op: "append", Path: w.path, Err: err}
	}
	w.frames++
	return nil
}

// Close дописывает индекс и заголовок. Повторный вызов ничего не делает.
func (w *aviWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.aw.Close(); err != nil {
		return &SinkError{Op: "close", Path: w.path, Err: err}
	}
	return nil
}
