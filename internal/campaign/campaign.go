// Package campaign запускает перебор кадров и наблюдение за камерой
// параллельно и останавливает их в согласованном порядке.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/errgroup"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/correlator"
	"github.com/serebryakov7/canfuzz/internal/display"
	"github.com/serebryakov7/canfuzz/internal/fuzz"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/transport"
	"github.com/serebryakov7/canfuzz/internal/vision"
	"github.com/serebryakov7/canfuzz/pkg/storage"
)

// Значения по умолчанию.
const (
	DefaultTick            = 10 * time.Millisecond
	DefaultCheckpointEvery = 256
)

// ErrStopped означает остановку кампании командой оператора.
var ErrStopped = errors.New("кампания остановлена по команде")

// EvidenceLog описывает журнал доказательств, который кампания закрывает при остановке.
type EvidenceLog interface {
	correlator.Evidence
	Close() error
}

// Deps содержит открытые ресурсы кампании. Source == nil означает запуск без камеры,
// DB == nil отключает сохранение прогресса.
type Deps struct {
	Transport  transport.Transport
	Source     vision.Source
	Detector   *vision.Detector
	Baseline   *vision.Baseline
	Correlator *correlator.Correlator
	Evidence   EvidenceLog
	Display    display.Display
	DB         *bolt.DB
	Logger     *logger.Logger
}

// Options задает параметры прогона.
type Options struct {
	Plan            fuzz.Plan
	Mode            fuzz.Mode
	Session         string
	Tick            time.Duration
	ReceiveTimeout  time.Duration
	CheckpointEvery int
}

// Result содержит итог прогона.
type Result struct {
	fuzz.Stats
	// Completed: план пройден до конца.
	Completed bool
	Frames    uint64
	Triggers  uint64
	// StopReason: причина остановки по команде, если была.
	StopReason string
}

// Campaign представляет один прогон фаззинга.
type Campaign struct {
	opts Options
	deps Deps
	log  *logger.Logger
	// planned: число кадров этого прогона начиная с Resume.
	planned int

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	stopped bool
	reason  string
	state   string

	started       time.Time
	sent          atomic.Uint64
	received      atomic.Uint64
	frames        atomic.Uint64
	captureErrors atomic.Uint64
	visionActive  atomic.Bool
	lastPos       atomic.Pointer[fuzz.Position]
}

// New собирает кампанию из открытых ресурсов.
func New(opts Options, deps Deps) *Campaign {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = DefaultCheckpointEvery
	}
	if deps.Display == nil {
		deps.Display = display.Nop{}
	}
	if deps.Detector == nil {
		deps.Detector = vision.NewDetector(vision.DefaultDetectorConfig())
	}
	if deps.Baseline == nil {
		deps.Baseline = vision.NewBaseline(vision.Settle, vision.DefaultMaxHold)
	}
	lg := deps.Logger
	if lg == nil {
		lg = logger.Named("campaign")
	}
	return &Campaign{opts: opts, deps: deps, log: lg, planned: opts.Plan.Remaining(), state: "created"}
}

// Run выполняет прогон до конца плана, отмены ctx или команды Stop.
// Отмена не считается ошибкой: прогон завершается штатно с сохранением прогресса.
func (c *Campaign) Run(ctx context.Context) (Result, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.mu.Lock()
	c.cancel = cancel
	c.state = "running"
	c.started = time.Now()
	if c.stopped {
		cancel(ErrStopped)
	}
	c.mu.Unlock()

	c.log.Info().Str("session", c.opts.Session).Str("plan", c.opts.Plan.Key()).
		Int("remaining", c.planned).Bool("camera", c.deps.Source != nil).
		Msg("кампания запущена")

	visionCtx, stopVision := context.WithCancel(ctx)
	defer stopVision()

	var res Result
	var g errgroup.Group
	g.Go(func() error {
		// Конец перебора завершает весь прогон, в том числе камеру.
		defer stopVision()
		stats, err := fuzz.Run(ctx, c.opts.Plan, c.deps.Transport, fuzz.Hooks{
			OnSent:     c.onSent,
			OnReceived: c.onReceived,
		}, fuzz.WithReceiveTimeout(c.opts.ReceiveTimeout), fuzz.WithLogger(logger.Named("fuzz")))
		res.Stats = stats
		if err == nil {
			res.Completed = true
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("перебор: %w", err)
	})
	if c.deps.Source != nil {
		c.visionActive.Store(true)
		g.Go(func() error {
			defer c.visionActive.Store(false)
			c.visionLoop(visionCtx)
			return nil
		})
	}
	runErr := g.Wait()

	// Порядок остановки: активности уже стоят, дальше запись, прогресс, журнал.
	c.deps.Correlator.Close()
	c.finishProgress(res)
	if err := c.deps.Evidence.Close(); err != nil {
		c.log.Warn().Err(err).Msg("ошибка закрытия журнала доказательств")
	}

	res.Frames = c.frames.Load()
	res.Triggers = c.deps.Correlator.Triggers()
	c.mu.Lock()
	res.StopReason = c.reason
	switch {
	case runErr != nil:
		c.state = "failed"
	case res.Completed:
		c.state = "finished"
	default:
		c.state = "stopped"
	}
	c.mu.Unlock()

	if cause := context.Cause(ctx); errors.Is(cause, ErrStopped) {
		c.log.Info().Str("reason", res.StopReason).Msg("кампания остановлена по команде")
	}
	c.log.Info().Uint64("sent", res.Sent).Uint64("send_errors", res.SendErrors).
		Uint64("received", res.Received).Uint64("frames", res.Frames).Uint64("triggers", res.Triggers).
		Bool("completed", res.Completed).Msg("кампания завершена")
	return res, runErr
}

// Stop останавливает прогон. Безопасно вызывать из любой горутины.
func (c *Campaign) Stop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopped {
		c.stopped, c.reason = true, reason
	}
	if c.cancel != nil {
		c.cancel(ErrStopped)
	}
}

// HandleCommand выполняет команду, пришедшую по MQTT.
func (c *Campaign) HandleCommand(cmd common.ServerCommand) error {
	switch cmd.Type {
	case common.CommandTypeStop:
		reason := cmd.Params.Reason
		if reason == "" {
			reason = "команда stop"
		}
		c.Stop(reason)
		return nil
	default:
		return fmt.Errorf("неизвестная команда %q", cmd.Type)
	}
}

func (c *Campaign) onSent(pos fuzz.Position, frame common.Frame) {
	c.deps.Correlator.Sent(frame)
	c.lastPos.Store(&pos)
	if n := c.sent.Add(1); n%uint64(c.opts.CheckpointEvery) == 0 {
		c.checkpoint(pos, n)
	}
}

func (c *Campaign) onReceived(frame common.Frame) {
	c.received.Add(1)
	c.deps.Correlator.Received(frame)
}

// visionLoop крутит цикл камеры: кадр, детектор, коррелятор и отображение.
func (c *Campaign) visionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		img, err := c.deps.Source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, vision.ErrEndOfStream) {
				c.log.Warn().Uint64("frames", c.frames.Load()).
					Msg("поток кадров закончился, перебор продолжается без камеры")
				c.deps.Correlator.Close()
				return
			}
			if n := c.captureErrors.Add(1); n == 1 || n%100 == 0 {
				c.log.Warn().Err(err).Uint64("count", n).Msg("кадр недоступен, пропуск")
			}
			continue
		}
		c.evaluate(img)
	}
}

func (c *Campaign) evaluate(img image.Image) {
	gray := vision.ToGray(img)
	regions, err := c.deps.Detector.Detect(c.deps.Baseline.Reference(), gray)
	if err != nil {
		// Смена разрешения камеры: начинаем сравнение заново.
		c.log.Warn().Err(err).Msg("сброс опорного кадра")
		c.deps.Baseline.Reset()
		regions = nil
	}
	annotated := vision.Annotate(img, regions)
	c.deps.Correlator.Evaluate(regions, annotated)
	c.deps.Baseline.Update(gray, len(regions) > 0)
	c.deps.Display.ShowFrame(annotated)
	c.frames.Add(1)
}

func (c *Campaign) checkpoint(pos fuzz.Position, sent uint64) {
	if c.deps.DB == nil {
		return
	}
	err := storage.SaveProgress(c.deps.DB, c.opts.Plan.Key(), storage.Progress{
		ID:        pos.ID,
		ByteIndex: pos.ByteIndex,
		ByteValue: pos.ByteValue,
		Sent:      sent,
		Session:   c.opts.Session,
		Updated:   time.Now(),
	})
	if err != nil {
		c.log.Warn().Err(err).Stringer("position", pos).Msg("не удалось сохранить прогресс")
	}
}

func (c *Campaign) finishProgress(res Result) {
	if c.deps.DB == nil {
		return
	}
	if res.Completed {
		if err := storage.ClearProgress(c.deps.DB, c.opts.Plan.Key()); err != nil {
			c.log.Warn().Err(err).Msg("не удалось сбросить прогресс")
		}
		return
	}
	if res.LastOK {
		c.checkpoint(res.Last, c.sent.Load())
		c.log.Info().Stringer("position", res.Last).Msg("прогресс сохранен, продолжение: --resume")
	}
}

// ResumePlan сдвигает начало плана за последнюю сохраненную позицию.
// ok == false, если сохраненного прогресса нет.
func ResumePlan(db *bolt.DB, plan fuzz.Plan) (fuzz.Plan, bool, error) {
	p, ok, err := storage.LoadProgress(db, plan.Key())
	if err != nil || !ok {
		return plan, false, err
	}
	last := fuzz.Position{ID: p.ID, ByteIndex: p.ByteIndex, ByteValue: p.ByteValue}
	plan.Resume = last.Next()
	return plan, true, nil
}
