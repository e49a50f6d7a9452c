// Package correlator связывает видимые изменения с последним отправленным
// CAN-кадром и управляет записью видео по срабатываниям.
package correlator

import (
	"errors"
	"image"
	"sync"
	"sync/atomic"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/recording"
	"github.com/serebryakov7/canfuzz/internal/vision"
)

// Evidence принимает записи журнала доказательств. Append не должен блокировать.
type Evidence interface {
	Append(rec common.Record)
}

// Display показывает ход фаззинга.
type Display interface {
	LogSent(frame common.Frame)
	LogTriggered(frame common.Frame)
}

// Config содержит зависимости коррелятора. Opener == nil отключает запись видео.
type Config struct {
	Opener   recording.Opener
	Evidence Evidence
	Display  Display
	Session  string
	Logger   *logger.Logger
}

// Outcome описывает, что произошло при оценке одного кадра.
type Outcome struct {
	// Triggered: изменение приписано кадру Tag.
	Triggered bool
	// Unattributed: изменение было, но еще ничего не отправлено.
	Unattributed bool
	Tag          common.Frame
	Opened       bool
	Closed       bool
	Appended     bool
	// Recording: запись открыта после оценки.
	Recording bool
}

// Correlator реализует конечный автомат записи. Sent вызывается из цикла фаззинга,
// Evaluate и Close вызываются из цикла камеры и при остановке.
type Correlator struct {
	last     LastSent
	opener   recording.Opener
	evidence Evidence
	display  Display
	session  string
	log      *logger.Logger

	mu       sync.Mutex
	sink     recording.Sink
	tag      common.Frame
	disabled bool
	closed   bool

	triggers   atomic.Uint64
	recordings atomic.Uint64
}

// New создает коррелятор.
func New(cfg Config) *Correlator {
	c := &Correlator{
		opener:   cfg.Opener,
		evidence: cfg.Evidence,
		display:  cfg.Display,
		session:  cfg.Session,
		log:      cfg.Logger,
		disabled: cfg.Opener == nil,
	}
	if c.evidence == nil {
		c.evidence = discard{}
	}
	if c.display == nil {
		c.display = discard{}
	}
	if c.log == nil {
		c.log = logger.Named("correlator")
	}
	return c
}

// Sent публикует отправленный кадр. Мьютекс записи здесь не берется.
func (c *Correlator) Sent(f common.Frame) {
	c.last.Publish(f)
	c.evidence.Append(common.NewRecord(common.ClassSent, f, c.session))
	c.display.LogSent(f)
}

// Received фиксирует кадр, спонтанно пришедший с шины.
func (c *Correlator) Received(f common.Frame) {
	c.evidence.Append(common.NewRecord(common.ClassInternalState, f, c.session))
	c.log.Debug().Stringer("frame", f).Msg("получен кадр с шины")
}

// LastSent возвращает последний опубликованный кадр.
func (c *Correlator) LastSent() (common.Frame, bool) { return c.last.Load() }

// Evaluate обрабатывает значимые области одного кадра камеры.
// img уже размечен рамками и дописывается в открытую запись как есть.
func (c *Correlator) Evaluate(regions []vision.Region, img image.Image) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out Outcome
	if len(regions) > 0 {
		if tag, ok := c.last.Load(); ok {
			out.Triggered, out.Tag = true, tag
			c.triggers.Add(1)
			c.evidence.Append(common.NewRecord(common.ClassTriggered, tag, c.session))
			c.display.LogTriggered(tag)
			c.log.Info().Stringer("frame", tag).Int("regions", len(regions)).Msg("визуальное изменение")

			if c.sink == nil && !c.disabled && !c.closed {
				out.Opened = c.open(tag, img.Bounds())
			}
		} else {
			out.Unattributed = true
			c.log.Debug().Int("regions", len(regions)).Msg("изменение до первой отправки, не приписано")
		}
	} else if c.sink != nil {
		c.closeSink()
		out.Closed = true
	}

	if c.sink != nil {
		if err := c.sink.Append(img); err != nil {
			c.fail("append", err)
			out.Closed = true
		} else {
			out.Appended = true
		}
	}
	out.Recording = c.sink != nil
	return out
}

func (c *Correlator) open(tag common.Frame, bounds image.Rectangle) bool {
	sink, err := c.opener.Open(tag, bounds)
	if err != nil {
		c.fail("open", err)
		return false
	}
	c.sink, c.tag = sink, tag
	c.recordings.Add(1)
	c.log.Info().Str("path", sink.Path()).Stringer("frame", tag).Msg("запись начата")
	return true
}

// fail закрывает открытую запись и отключает запись до конца прогона.
func (c *Correlator) fail(op string, err error) {
	var sinkErr *recording.SinkError
	if !errors.As(err, &sinkErr) {
		err = &recording.SinkError{Op: op, Err: err}
	}
	c.log.Error().Err(err).Msg("запись видео отключена до конца прогона")
	if c.sink != nil {
		c.closeSink()
	}
	c.disabled = true
}

func (c *Correlator) closeSink() {
	path := c.sink.Path()
	if err := c.sink.Close(); err != nil {
		c.log.Warn().Err(err).Str("path", path).Msg("ошибка закрытия записи")
	} else {
		c.log.Info().Str("path", path).Stringer("frame", c.tag).Msg("запись завершена")
	}
	c.sink = nil
}

// Recording сообщает, открыта ли запись, и ее метку.
func (c *Correlator) Recording() (common.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tag, c.sink != nil
}

// RecordingEnabled возвращает false, если запись не настроена или отключена после ошибки.
func (c *Correlator) RecordingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.disabled
}

// Triggers возвращает число срабатываний.
func (c *Correlator) Triggers() uint64 { return c.triggers.Load() }

// Recordings возвращает число открытых записей.
func (c *Correlator) Recordings() uint64 { return c.recordings.Load() }

// Close закрывает открытую запись. Новые записи после Close не открываются.
func (c *Correlator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		c.closeSink()
	}
	c.closed = true
}

type discard struct{}

func (discard) Append(common.Record)      {}
func (discard) LogSent(common.Frame)      {}
func (discard) LogTriggered(common.Frame) {}
