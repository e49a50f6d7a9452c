package transport

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serebryakov7/canfuzz/common"
)

func TestCANFrameRoundTripByteOrders(t *testing.T) {
	f := common.NewFrame(0x123, [8]byte{1, 2, 3, 4, 5, 6, 7, 8})

	le := MarshalCANFrame(f, binary.LittleEndian)
	if le[0] != 0x23 || le[1] != 0x01 || le[4] != 8 {
		t.Fatalf("little endian layout = % X", le)
	}
	be := MarshalCANFrame(f, binary.BigEndian)
	if be[2] != 0x01 || be[3] != 0x23 {
		t.Fatalf("big endian layout = % X", be)
	}

	got, ok, err := UnmarshalCANFrame(le, binary.LittleEndian)
	if err != nil || !ok {
		t.Fatalf("unmarshal: ok=%v err=%v", ok, err)
	}
	if got != f {
		t.Fatalf("got %+v, want %+v", got, f)
	}
}

func TestUnmarshalCANFrameExtendedAndError(t *testing.T) {
	ext := common.FrameFromSlice(0x18FEF100, true, []byte{0xAA})
	got, ok, err := UnmarshalCANFrame(MarshalCANFrame(ext, binary.LittleEndian), binary.LittleEndian)
	if err != nil || !ok || !got.Extended || got.ID != 0x18FEF100 {
		t.Fatalf("extended: %+v ok=%v err=%v", got, ok, err)
	}

	buf := make([]byte, canFrameSize)
	binary.LittleEndian.PutUint32(buf, canErrFlag|0x4)
	if _, ok, err := UnmarshalCANFrame(buf, binary.LittleEndian); ok || err != nil {
		t.Fatalf("error frame must be dropped, ok=%v err=%v", ok, err)
	}

	if _, _, err := UnmarshalCANFrame(buf[:8], binary.LittleEndian); err == nil {
		t.Fatalf("short buffer must fail")
	}
}

func TestSLCANCodec(t *testing.T) {
	f := common.NewFrame(0x100, [8]byte{0, 0x5, 0, 0, 0, 0, 0, 0xFF})
	if got := EncodeSLCAN(f); got != "t100800050000000000FF" {
		t.Fatalf("EncodeSLCAN = %q", got)
	}

	cases := []struct {
		line string
		ok   bool
		err  bool
		want common.Frame
	}{
		{"t100800050000000000FF", true, false, f},
		{"t1232DEAD", true, false, common.FrameFromSlice(0x123, false, []byte{0xDE, 0xAD})},
		{"t1232DEAD1A2B", true, false, common.FrameFromSlice(0x123, false, []byte{0xDE, 0xAD})},
		{"T18FEF1001AA", true, false, common.FrameFromSlice(0x18FEF100, true, []byte{0xAA})},
		{"z", false, false, common.Frame{}},
		{"", false, false, common.Frame{}},
		{"t12", false, true, common.Frame{}},
		{"t1239", false, true, common.Frame{}},
		{"t1234AB", false, true, common.Frame{}},
		{"x", false, true, common.Frame{}},
	}
	for _, c := range cases {
		got, ok, err := DecodeSLCAN([]byte(c.line))
		if (err != nil) != c.err || ok != c.ok {
			t.Fatalf("DecodeSLCAN(%q): ok=%v err=%v", c.line, ok, err)
		}
		if ok && got != c.want {
			t.Fatalf("DecodeSLCAN(%q) = %+v, want %+v", c.line, got, c.want)
		}
	}
}

// fakePort имитирует порт SLCAN: запись копится в written,
// чтение идет из пайпа, куда тест пишет ответы адаптера.
type fakePort struct {
	mu      sync.Mutex
	written strings.Builder
	r       *io.PipeReader
	w       *io.PipeWriter
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.r.Close()
	return p.w.Close()
}

func (p *fakePort) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

func TestSLCANSendReceive(t *testing.T) {
	port := newFakePort()
	s, err := NewSLCAN(port, "fake", 500000)
	if err != nil {
		t.Fatalf("NewSLCAN: %v", err)
	}

	if err := s.Send(common.NewFrame(0x7DF, [8]byte{0x02, 0x01})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := port.output(); got != "C\rS6\rO\rt7DF80201000000000000\r" {
		t.Fatalf("written = %q", got)
	}

	go port.w.Write([]byte("z\rt3212BEEF\r"))
	f, ok, err := s.Receive(time.Second)
	if err != nil || !ok {
		t.Fatalf("Receive: ok=%v err=%v", ok, err)
	}
	if f.ID != 0x321 || f.Data[0] != 0xBE || f.Data[1] != 0xEF {
		t.Fatalf("received %+v", f)
	}

	if _, ok, err := s.Receive(10 * time.Millisecond); ok || err != nil {
		t.Fatalf("empty queue: ok=%v err=%v", ok, err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Send(common.Frame{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}

func TestNewSLCANRejectsBitrate(t *testing.T) {
	if _, err := NewSLCAN(newFakePort(), "fake", 333333); err == nil {
		t.Fatalf("expected error for unsupported bitrate")
	}
}

func TestVirtual(t *testing.T) {
	v := NewVirtual()
	f := common.NewFrame(0x10, [8]byte{1})
	if err := v.Send(f); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent := v.Sent(); len(sent) != 1 || sent[0] != f {
		t.Fatalf("Sent() = %+v", sent)
	}

	v.OnSend(func(common.Frame) error { return errors.New("bus off") })
	var terr *Error
	if err := v.Send(f); !errors.As(err, &terr) || terr.Op != "send" {
		t.Fatalf("hook error = %v", err)
	}
	if len(v.Sent()) != 1 {
		t.Fatalf("failed send must not be recorded")
	}

	if _, ok, err := v.Receive(0); ok || err != nil {
		t.Fatalf("empty Receive: ok=%v err=%v", ok, err)
	}
	v.Inject(common.NewFrame(0x55, [8]byte{}))
	if got, ok, _ := v.Receive(time.Millisecond); !ok || got.ID != 0x55 {
		t.Fatalf("injected frame not received: %+v ok=%v", got, ok)
	}

	v.Close()
	if err := v.Send(f); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after Close = %v", err)
	}
	if _, _, err := v.Receive(time.Second); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive after Close = %v", err)
	}
}

func TestOpenUnknownKind(t *testing.T) {
	if _, err := Open("usb2can", "x", Options{}); err == nil {
		t.Fatalf("expected error")
	}
	tr, err := Open(KindVirtual, "", Options{})
	if err != nil || tr == nil {
		t.Fatalf("virtual: %v", err)
	}
}
