package transport

import (
	"sync"
	"time"

	"github.com/serebryakov7/canfuzz/common"
)

// Virtual реализует шину в памяти: запоминает отправленные кадры и отдает
// подложенные входящие. Используется для пробных запусков и в тестах.
type Virtual struct {
	mu       sync.Mutex
	sent     []common.Frame
	inbox    chan common.Frame
	closed   bool
	done     chan struct{}
	sendHook func(common.Frame) error
	keep     bool
}

// NewVirtual создает пустую виртуальную шину, которая хранит историю отправок.
func NewVirtual() *Virtual {
	return &Virtual{
		inbox: make(chan common.Frame, slcanQueueSize),
		done:  make(chan struct{}),
		keep:  true,
	}
}

// DiscardHistory отключает накопление отправленных кадров (для длинных пробных запусков).
func (v *Virtual) DiscardHistory() *Virtual {
	v.mu.Lock()
	v.keep = false
	v.sent = nil
	v.mu.Unlock()
	return v
}

// OnSend задает функцию, вызываемую при каждой отправке. Ее ошибка
// возвращается из Send, а кадр тогда не считается отправленным.
func (v *Virtual) OnSend(hook func(common.Frame) error) {
	v.mu.Lock()
	v.sendHook = hook
	v.mu.Unlock()
}

// Inject подкладывает входящий кадр. Возвращает false, если очередь полна.
func (v *Virtual) Inject(f common.Frame) bool {
	select {
	case v.inbox <- f:
		return true
	default:
		return false
	}
}

// Sent возвращает копию истории отправленных кадров.
func (v *Virtual) Sent() []common.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]common.Frame, len(v.sent))
	copy(out, v.sent)
	return out
}

// Send запоминает кадр.
func (v *Virtual) Send(f common.Frame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	if v.sendHook != nil {
		if err := v.sendHook(f); err != nil {
			return &Error{Op: "send", Err: err}
		}
	}
	if v.keep {
		v.sent = append(v.sent, f)
	}
	return nil
}

// Receive отдает подложенный кадр или ждет его не дольше timeout.
func (v *Virtual) Receive(timeout time.Duration) (common.Frame, bool, error) {
	select {
	case f := <-v.inbox:
		return f, true, nil
	case <-v.done:
		return common.Frame{}, false, ErrClosed
	default:
	}
	if timeout <= 0 {
		return common.Frame{}, false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-v.inbox:
		return f, true, nil
	case <-v.done:
		return common.Frame{}, false, ErrClosed
	case <-timer.C:
		return common.Frame{}, false, nil
	}
}

// Close закрывает шину.
func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.closed {
		v.closed = true
		close(v.done)
	}
	return nil
}
