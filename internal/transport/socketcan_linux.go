//go:build linux

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
)

// SocketCAN работает через сырой CAN_RAW сокет на интерфейсе Linux.
type SocketCAN struct {
	mu         sync.Mutex
	fd         int // -1 после Close
	iface      string
	ifaceIndex int
	rcvTimeout time.Duration
	buf        []byte
}

// OpenSocketCAN создает CAN_RAW сокет и привязывает его к интерфейсу.
func OpenSocketCAN(iface string) (*SocketCAN, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать сокет CAN_RAW: %w", err)
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("InterfaceByName %q: %w", iface, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("не удалось привязать сокет CAN_RAW к %s: %w", iface, err)
	}

	logger.Named("transport").Info().
		Str("iface", iface).Int("ifindex", ifi.Index).Int("fd", fd).
		Msg("сокет CAN_RAW открыт")

	return &SocketCAN{
		fd:         fd,
		iface:      iface,
		ifaceIndex: ifi.Index,
		rcvTimeout: -1,
		buf:        make([]byte, canFrameSize),
	}, nil
}

// Send пишет один кадр в сокет.
func (s *SocketCAN) Send(frame common.Frame) error {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd == -1 {
		return ErrClosed
	}

	n, err := unix.Write(fd, MarshalCANFrame(frame, binary.NativeEndian))
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			return ErrClosed
		}
		return &Error{Op: "send", Err: err}
	}
	if n != canFrameSize {
		return &Error{Op: "send", Err: fmt.Errorf("записано %d из %d байт", n, canFrameSize)}
	}
	return nil
}

// Receive читает один кадр, ожидая не дольше timeout (SO_RCVTIMEO).
// Receive вызывается только из цикла фаззинга, поэтому буфер не защищается.
func (s *SocketCAN) Receive(timeout time.Duration) (common.Frame, bool, error) {
	s.mu.Lock()
	fd := s.fd
	s.mu.Unlock()
	if fd == -1 {
		return common.Frame{}, false, ErrClosed
	}

	if timeout != s.rcvTimeout {
		// Нулевой SO_RCVTIMEO означает бесконечное ожидание, поэтому минимум 1мкс.
		d := max(timeout, time.Microsecond)
		tv := unix.NsecToTimeval(d.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			return common.Frame{}, false, &Error{Op: "receive", Err: err}
		}
		s.rcvTimeout = timeout
	}

	n, err := unix.Read(fd, s.buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return common.Frame{}, false, nil
		}
		if errors.Is(err, unix.EBADF) {
			return common.Frame{}, false, ErrClosed
		}
		return common.Frame{}, false, &Error{Op: "receive", Err: err}
	}
	if n < canFrameSize {
		return common.Frame{}, false, &Error{Op: "receive", Err: fmt.Errorf("короткий кадр: %d байт", n)}
	}

	frame, ok, err := UnmarshalCANFrame(s.buf[:n], binary.NativeEndian)
	if err != nil {
		return common.Frame{}, false, &Error{Op: "receive", Err: err}
	}
	return frame, ok, nil
}

// Close закрывает сокет. Повторный вызов ничего не делает.
func (s *SocketCAN) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fd == -1 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	if err != nil {
		return fmt.Errorf("ошибка закрытия сокета CAN_RAW на %s: %w", s.iface, err)
	}
	logger.Named("transport").Info().Str("iface", s.iface).Msg("сокет CAN_RAW закрыт")
	return nil
}
