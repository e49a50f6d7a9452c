package transport

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/logger"
)

const (
	defaultSLCANBaud    = 115200
	defaultSLCANBitrate = 500000
	slcanQueueSize      = 256
)

// Команды S0..S8 протокола Lawicel.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

// SLCAN работает с адаптером CAN по ASCII протоколу Lawicel поверх последовательного порта.
type SLCAN struct {
	port     io.ReadWriteCloser
	name     string
	writeMu  sync.Mutex
	frames   chan common.Frame
	stopChan chan struct{}
	done     chan struct{}
	closeMu  sync.Mutex
	closed   bool
}

// OpenSLCAN открывает последовательный порт, задает скорость шины и открывает канал.
func OpenSLCAN(portName string, opts Options) (*SLCAN, error) {
	baud := opts.Baud
	if baud == 0 {
		baud = defaultSLCANBaud
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        portName,
		Baud:        baud,
		ReadTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия порта %s: %w", portName, err)
	}

	s, err := NewSLCAN(port, portName, opts.Bitrate)
	if err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// NewSLCAN инициализирует адаптер поверх уже открытого потока.
func NewSLCAN(port io.ReadWriteCloser, name string, bitrate int) (*SLCAN, error) {
	if bitrate == 0 {
		bitrate = defaultSLCANBitrate
	}
	speed, ok := slcanBitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: неподдерживаемая скорость шины %d бит/с", bitrate)
	}

	s := &SLCAN{
		port:     port,
		name:     name,
		frames:   make(chan common.Frame, slcanQueueSize),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	// Закрываем канал на случай, если адаптер остался открытым от прошлого запуска.
	for _, cmd := range []string{"C", speed, "O"} {
		if err := s.command(cmd); err != nil {
			return nil, err
		}
	}
	go s.readFrames()

	logger.Named("transport").Info().Str("port", name).Int("bitrate", bitrate).Msg("канал SLCAN открыт")
	return s, nil
}

// Send передает кадр командой t/T.
func (s *SLCAN) Send(frame common.Frame) error {
	if s.isClosed() {
		return ErrClosed
	}
	if err := s.command(EncodeSLCAN(frame)); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

// Receive ждет кадр из очереди читателя не дольше timeout.
func (s *SLCAN) Receive(timeout time.Duration) (common.Frame, bool, error) {
	select {
	case f := <-s.frames:
		return f, true, nil
	default:
	}
	if timeout <= 0 {
		return common.Frame{}, false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f := <-s.frames:
		return f, true, nil
	case <-s.done:
		return common.Frame{}, false, ErrClosed
	case <-timer.C:
		return common.Frame{}, false, nil
	}
}

// Close закрывает канал адаптера и порт.
func (s *SLCAN) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	if err := s.command("C"); err != nil {
		logger.Named("transport").Warn().Err(err).Str("port", s.name).Msg("не удалось закрыть канал SLCAN")
	}
	close(s.stopChan)
	err := s.port.Close()
	<-s.done
	if err != nil {
		return fmt.Errorf("ошибка закрытия порта %s: %w", s.name, err)
	}
	return nil
}

func (s *SLCAN) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *SLCAN) command(cmd string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.port.Write([]byte(cmd + "\r"))
	return err
}

// readFrames читает поток адаптера и разбирает строки, завершенные \r.
func (s *SLCAN) readFrames() {
	log := logger.Named("transport")
	defer close(s.done)

	buf := make([]byte, 256)
	var line []byte
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, err := s.port.Read(buf)
		if err != nil && !errors.Is(err, io.EOF) {
			select {
			case <-s.stopChan:
				return
			default:
			}
			log.Warn().Err(err).Str("port", s.name).Msg("ошибка чтения порта SLCAN")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if errors.Is(err, io.EOF) && n == 0 {
			select {
			case <-s.stopChan:
				return
			default:
			}
			// tarm/serial возвращает EOF по таймауту чтения.
			continue
		}

		for _, b := range buf[:n] {
			switch b {
			case '\r':
				s.handleLine(line)
				line = line[:0]
			case '\a':
				log.Debug().Str("port", s.name).Msg("адаптер SLCAN отклонил команду")
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *SLCAN) handleLine(line []byte) {
	frame, ok, err := DecodeSLCAN(line)
	if err != nil {
		logger.Named("transport").Debug().Err(err).Bytes("line", line).Msg("нераспознанная строка SLCAN")
		return
	}
	if !ok {
		return
	}
	select {
	case s.frames <- frame:
	default:
		logger.Named("transport").Warn().Str("frame", frame.Key()).Msg("очередь SLCAN полна, кадр пропущен")
	}
}

// EncodeSLCAN форматирует команду передачи без завершающего \r.
func EncodeSLCAN(f common.Frame) string {
	if f.Extended {
		return fmt.Sprintf("T%08X%d%X", f.ID&canEffMask, common.PayloadLen, f.Data[:])
	}
	return fmt.Sprintf("t%03X%d%X", f.ID&canSffMask, common.PayloadLen, f.Data[:])
}

// DecodeSLCAN разбирает строку входящего кадра (t/T). Строки подтверждений
// (z, Z, пустые) возвращают ok == false без ошибки.
func DecodeSLCAN(line []byte) (common.Frame, bool, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return common.Frame{}, false, nil
	}

	var idLen int
	var extended bool
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen, extended = 8, true
	case 'z', 'Z':
		return common.Frame{}, false, nil
	default:
		return common.Frame{}, false, fmt.Errorf("slcan: неизвестная команда %q", line[0])
	}

	if len(line) < 1+idLen+1 {
		return common.Frame{}, false, fmt.Errorf("slcan: короткая строка %q", line)
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return common.Frame{}, false, fmt.Errorf("slcan: идентификатор: %w", err)
	}
	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > common.PayloadLen {
		return common.Frame{}, false, fmt.Errorf("slcan: недопустимая длина %q", line[1+idLen])
	}
	start := 2 + idLen
	if len(line) < start+dlc*2 {
		return common.Frame{}, false, fmt.Errorf("slcan: данные короче DLC в %q", line)
	}
	// Хвост после данных содержит необязательную метку времени адаптера и игнорируется.
	data, err := hex.DecodeString(string(line[start : start+dlc*2]))
	if err != nil {
		return common.Frame{}, false, fmt.Errorf("slcan: данные: %w", err)
	}
	return common.FrameFromSlice(uint32(id), extended, data), true, nil
}
