// Package evidence ведет журнал доказательств: записи SENT, TRIGGERED и
// INTERNAL_STATE расходятся по приемникам (текстовый файл, bbolt, pcap, MQTT).
package evidence

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
)

// DefaultBuffer задает емкость очереди записей между циклами и писателем.
const DefaultBuffer = 1024

// Sink принимает записи. Write вызывается только из горутины писателя.
type Sink interface {
	Name() string
	Write(rec common.Record) error
	Close() error
}

// Log раздает записи приемникам в порядке поступления.
type Log struct {
	sinks []Sink
	ch    chan common.Record
	done  chan struct{}
	log   *logger.Logger

	mu     sync.RWMutex
	closed bool

	written  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewLog запускает писателя. buffer <= 0 означает DefaultBuffer.
func NewLog(buffer int, lg *logger.Logger, sinks ...Sink) *Log {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if lg == nil {
		lg = logger.Named("evidence")
	}
	l := &Log{
		sinks: sinks,
		ch:    make(chan common.Record, buffer),
		done:  make(chan struct{}),
		log:   lg,
	}
	go l.run()
	return l
}

// Append ставит запись в очередь. При заполненной очереди ждет писателя;
// после Close запись отбрасывается.
func (l *Log) Append(rec common.Record) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return
	}
	l.ch <- rec
}

func (l *Log) run() {
	defer close(l.done)
	failed := make(map[string]uint64)
	for rec := range l.ch {
		for _, s := range l.sinks {
			if err := s.Write(rec); err != nil {
				l.failures.Add(1)
				failed[s.Name()]++
				ev := l.log.Debug()
				if failed[s.Name()] == 1 {
					ev = l.log.Warn()
				}
				ev.Err(err).Str("sink", s.Name()).Str("class", rec.Class.String()).
					Uint64("failures", failed[s.Name()]).Msg("ошибка записи в приемник")
			}
		}
		l.written.Add(1)
	}
}

// Written возвращает число обработанных записей.
func (l *Log) Written() uint64 { return l.written.Load() }

// Failures возвращает число неудачных записей в приемники.
func (l *Log) Failures() uint64 { return l.failures.Load() }

// Close дожидается записи очереди и закрывает приемники.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.ch)
		l.mu.Unlock()
		<-l.done

		var errs []error
		for _, s := range l.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		l.closeErr = errors.Join(errs...)
		l.log.Info().Uint64("records", l.written.Load()).Uint64("failures", l.failures.Load()).
			Uint64("dropped", l.dropped.Load()).Msg("журнал доказательств закрыт")
	})
	return l.closeErr
}

type filtered struct {
	Sink
	classes map[common.Class]bool
}

// Filter пропускает в приемник только записи перечисленных классов.
func Filter(s Sink, classes ...common.Class) Sink {
	f := filtered{Sink: s, classes: make(map[common.Class]bool, len(classes))}
	for _, c := range classes {
		f.classes[c] = true
	}
	return f
}

func (f filtered) Write(rec common.Record) error {
	if !f.classes[rec.Class] {
		return nil
	}
	return f.Sink.Write(rec)
}
