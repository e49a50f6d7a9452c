package correlator

import (
	"sync"

	"github.com/serebryakov7/canfuzz/common"
)

// LastSent хранит последний отправленный кадр. Пишет цикл фаззинга, читает цикл камеры.
// Хранится только одно значение, очереди нет.
type LastSent struct {
	mu    sync.RWMutex
	frame common.Frame
	ok    bool
}

// Publish заменяет значение.
func (l *LastSent) Publish(f common.Frame) {
	l.mu.Lock()
	l.frame, l.ok = f, true
	l.mu.Unlock()
}

// Load возвращает значение; ok == false, пока ничего не отправлено.
func (l *LastSent) Load() (common.Frame, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.frame, l.ok
}
