package fuzz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/transport"
)

// DefaultReceiveTimeout задает ожидание ответа шины после каждой отправки.
const DefaultReceiveTimeout = 100 * time.Millisecond

// Hooks вызываются синхронно из цикла фаззинга.
type Hooks struct {
	// OnSent вызывается после каждой успешной отправки; здесь обновляется LastSent.
	OnSent func(pos Position, frame common.Frame)
	// OnReceived вызывается для кадра, полученного после отправки.
	OnReceived func(frame common.Frame)
}

// Stats содержит итог прохода.
type Stats struct {
	Sent       uint64
	SendErrors uint64
	Received   uint64
	// Last: последняя успешно отправленная позиция; LastOK == false, если отправок не было.
	Last   Position
	LastOK bool
}

// Option настраивает Run.
type Option func(*runner)

// WithReceiveTimeout задает ожидание входящего кадра после отправки.
func WithReceiveTimeout(d time.Duration) Option {
	return func(r *runner) { r.receiveTimeout = d }
}

// WithLogger задает логгер цикла.
func WithLogger(l *logger.Logger) Option {
	return func(r *runner) { r.log = l }
}

type runner struct {
	receiveTimeout time.Duration
	log            *logger.Logger
}

// Run перебирает план, отправляя кадры через tr, до конца плана или отмены ctx.
// Ошибки отправки и приема не прерывают перебор; закрытый транспорт завершает его.
func Run(ctx context.Context, plan Plan, tr transport.Transport, hooks Hooks, opts ...Option) (Stats, error) {
	r := runner{receiveTimeout: DefaultReceiveTimeout, log: logger.Named("fuzz")}
	for _, opt := range opts {
		opt(&r)
	}

	var st Stats
	if err := plan.Validate(); err != nil {
		return st, err
	}

	r.log.Info().
		Str("start", fmt.Sprintf("0x%03X", plan.StartID)).
		Str("end", fmt.Sprintf("0x%03X", plan.EndID)).
		Int("ignored", len(plan.Ignore)).
		Int("frames", plan.Total()).
		Stringer("resume", plan.Resume).
		Dur("delay", plan.Delay).
		Msg("запуск перебора")

	for pos, frame := range plan.Frames() {
		if err := ctx.Err(); err != nil {
			r.log.Info().Stringer("position", pos).Uint64("sent", st.Sent).Msg("перебор остановлен")
			return st, err
		}

		if err := tr.Send(frame); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return st, err
			}
			st.SendErrors++
			r.log.Warn().Err(err).Stringer("position", pos).Msg("ошибка отправки кадра, продолжаем")
		} else {
			st.Sent++
			st.Last, st.LastOK = pos, true
			if hooks.OnSent != nil {
				hooks.OnSent(pos, frame)
			}
			r.checkInternalState(tr, hooks, &st)
		}

		if err := sleep(ctx, plan.Delay); err != nil {
			r.log.Info().Stringer("position", pos).Uint64("sent", st.Sent).Msg("перебор остановлен")
			return st, err
		}
	}

	r.log.Info().Uint64("sent", st.Sent).Uint64("send_errors", st.SendErrors).Uint64("received", st.Received).
		Msg("перебор завершен")
	return st, nil
}

// checkInternalState ждет кадр, пришедший в ответ на отправку. Таймаут считается нормой.
func (r *runner) checkInternalState(tr transport.Transport, hooks Hooks, st *Stats) {
	frame, ok, err := tr.Receive(r.receiveTimeout)
	if err != nil {
		if !errors.Is(err, transport.ErrClosed) {
			r.log.Debug().Err(err).Msg("ошибка чтения шины")
		}
		return
	}
	if !ok {
		return
	}
	st.Received++
	if hooks.OnReceived != nil {
		hooks.OnReceived(frame)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
