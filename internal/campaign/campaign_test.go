package campaign

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/correlator"
	"github.com/serebryakov7/canfuzz/internal/evidence"
	"github.com/serebryakov7/canfuzz/internal/fuzz"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/recording"
	"github.com/serebryakov7/canfuzz/internal/transport"
	"github.com/serebryakov7/canfuzz/internal/vision"
	"github.com/serebryakov7/canfuzz/pkg/storage"
)

type memSink struct {
	mu   sync.Mutex
	recs []common.Record
}

func (m *memSink) Name() string { return "mem" }
func (m *memSink) Close() error { return nil }

func (m *memSink) Write(r common.Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memSink) count(c common.Class) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recs {
		if r.Class == c {
			n++
		}
	}
	return n
}

// gatedSource отдает кадры только после первой отправки на шину,
// чтобы изменение сцены всегда было с чем сопоставить.
type gatedSource struct {
	gate <-chan struct{}
	src  *vision.SliceSource
}

func (g *gatedSource) Next(ctx context.Context) (image.Image, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.src.Next(ctx)
}

func (g *gatedSource) Close() error { return nil }

func scene(lit bool) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 64, 48))
	if lit {
		for y := 10; y < 30; y++ {
			for x := 10; x < 30; x++ {
				img.Pix[y*img.Stride+x] = 255
			}
		}
	}
	return img
}

type fixture struct {
	bus      *transport.Virtual
	mem      *memSink
	corr     *correlator.Correlator
	campaign *Campaign
	outDir   string
}

func newFixture(t *testing.T, plan fuzz.Plan, src vision.Source, withDB bool) *fixture {
	t.Helper()
	f := &fixture{bus: transport.NewVirtual(), mem: &memSink{}, outDir: t.TempDir()}

	deps := Deps{
		Transport: f.bus,
		Source:    src,
		Logger:    logger.Nop(),
	}
	if withDB {
		db, err := storage.OpenDB(filepath.Join(f.outDir, "test.db"))
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { db.Close() })
		deps.DB = db
	}
	evlog := evidence.NewLog(16, logger.Nop(), f.mem)
	f.corr = correlator.New(correlator.Config{
		Opener:   recording.AVIOpener{Dir: f.outDir},
		Evidence: evlog,
		Session:  "test",
		Logger:   logger.Nop(),
	})
	deps.Correlator = f.corr
	deps.Evidence = evlog

	f.campaign = New(Options{
		Plan:            plan,
		Session:         "test",
		Tick:            time.Millisecond,
		ReceiveTimeout:  0,
		CheckpointEvery: 16,
	}, deps)
	return f
}

func TestCampaignCorrelatesAndRecords(t *testing.T) {
	sentOnce := make(chan struct{})
	var once sync.Once

	frames := []image.Image{scene(false), scene(false), scene(true), scene(true), scene(true), scene(false), scene(false)}
	src := &gatedSource{gate: sentOnce, src: vision.NewSliceSource(frames...)}

	plan := fuzz.NewPlan(0x100, 0x100, nil, 2*time.Millisecond)
	plan.Resume = fuzz.Position{ID: 0x100, ByteIndex: 7, ByteValue: 200}
	f := newFixture(t, plan, src, false)
	f.bus.OnSend(func(common.Frame) error {
		once.Do(func() { close(sentOnce) })
		return nil
	})

	res, err := f.campaign.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.Sent != 56 {
		t.Fatalf("result = %+v, want completed with 56 sent", res)
	}
	if got := len(f.bus.Sent()); got != 56 {
		t.Fatalf("bus saw %d frames", got)
	}
	if res.Frames != uint64(len(frames)) {
		t.Fatalf("frames = %d, want %d", res.Frames, len(frames))
	}
	if n := f.mem.count(common.ClassTriggered); n != 3 || res.Triggers != 3 {
		t.Fatalf("TRIGGERED records = %d, result triggers = %d, want 3", n, res.Triggers)
	}
	if n := f.mem.count(common.ClassSent); n != 56 {
		t.Fatalf("SENT records = %d", n)
	}

	avis, _ := filepath.Glob(filepath.Join(f.outDir, "can_0x100_*.avi"))
	if len(avis) != 1 {
		t.Fatalf("recordings = %v, want exactly one", avis)
	}
	if _, open := f.corr.Recording(); open {
		t.Fatal("recording left open")
	}

	st := f.campaign.Status()
	if st.State != "finished" || st.VisionActive || st.Sent != 56 {
		t.Fatalf("status = %+v", st)
	}
	if st.Total != fuzz.FramesPerID || st.Remaining != 0 {
		t.Fatalf("total = %d remaining = %d, want %d and 0", st.Total, st.Remaining, fuzz.FramesPerID)
	}
}

type shownDisplay struct {
	mu    sync.Mutex
	shown []image.Image
}

func (d *shownDisplay) ShowFrame(img image.Image) {
	d.mu.Lock()
	d.shown = append(d.shown, img)
	d.mu.Unlock()
}

func (d *shownDisplay) LogSent(common.Frame)      {}
func (d *shownDisplay) LogTriggered(common.Frame) {}
func (d *shownDisplay) Close() error              { return nil }

func boxPixels(img image.Image) int {
	n := 0
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if color.RGBAModel.Convert(img.At(x, y)) == vision.BoxColor {
				n++
			}
		}
	}
	return n
}

func TestCampaignShowsAnnotatedFrames(t *testing.T) {
	sentOnce := make(chan struct{})
	var once sync.Once

	frames := []image.Image{scene(false), scene(true), scene(false), scene(false)}
	src := &gatedSource{gate: sentOnce, src: vision.NewSliceSource(frames...)}

	plan := fuzz.NewPlan(0x100, 0x100, nil, 2*time.Millisecond)
	plan.Resume = fuzz.Position{ID: 0x100, ByteIndex: 7, ByteValue: 200}
	f := newFixture(t, plan, src, false)
	disp := &shownDisplay{}
	f.campaign.deps.Display = disp
	f.bus.OnSend(func(common.Frame) error {
		once.Do(func() { close(sentOnce) })
		return nil
	})

	if _, err := f.campaign.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.shown) != len(frames) {
		t.Fatalf("shown %d frames, want %d", len(disp.shown), len(frames))
	}
	for i, img := range disp.shown {
		n := boxPixels(img)
		if i == 1 && n == 0 {
			t.Fatalf("frame %d: change shown without boxes", i)
		}
		if i != 1 && n != 0 {
			t.Fatalf("frame %d: %d box pixels on a quiet frame", i, n)
		}
	}
}

func TestCampaignContinuesAfterEndOfStream(t *testing.T) {
	plan := fuzz.NewPlan(0x10, 0x10, nil, 0)
	f := newFixture(t, plan, vision.NewSliceSource(), false)

	res, err := f.campaign.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Completed || res.Sent != fuzz.FramesPerID {
		t.Fatalf("result = %+v", res)
	}
}

func TestCampaignHeadless(t *testing.T) {
	plan := fuzz.NewPlan(0x10, 0x11, []uint32{0x11}, 0)
	f := newFixture(t, plan, nil, false)
	f.bus.Inject(common.FrameFromSlice(0x7E8, false, []byte{0x03, 0x41}))

	res, err := f.campaign.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Sent != fuzz.FramesPerID || res.Received != 1 {
		t.Fatalf("result = %+v", res)
	}
	if f.mem.count(common.ClassInternalState) != 1 {
		t.Fatal("INTERNAL_STATE record missing")
	}
	for _, fr := range f.bus.Sent() {
		if fr.ID == 0x11 {
			t.Fatal("ignored ID was sent")
		}
	}
}

func TestCampaignStopAndResume(t *testing.T) {
	plan := fuzz.NewPlan(0x100, 0x101, nil, time.Millisecond)
	f := newFixture(t, plan, nil, true)

	var sends int
	f.bus.OnSend(func(common.Frame) error {
		sends++
		if sends == 20 {
			go f.campaign.HandleCommand(common.ServerCommand{Type: common.CommandTypeStop, Params: common.CommandParams{Reason: "operator"}})
		}
		return nil
	})

	res, err := f.campaign.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Completed || res.StopReason != "operator" || !res.LastOK {
		t.Fatalf("result = %+v", res)
	}
	st := f.campaign.Status()
	if st.State != "stopped" {
		t.Fatalf("state = %s", st.State)
	}
	if st.Total != plan.Total() || st.Remaining != plan.Total()-int(st.Sent) {
		t.Fatalf("total = %d remaining = %d after %d sent", st.Total, st.Remaining, st.Sent)
	}

	resumed, ok, err := ResumePlan(f.campaign.deps.DB, plan)
	if err != nil || !ok {
		t.Fatalf("ResumePlan: ok=%v err=%v", ok, err)
	}
	if resumed.Resume != res.Last.Next() {
		t.Fatalf("resume = %v, want %v", resumed.Resume, res.Last.Next())
	}
	if got := resumed.Remaining(); got != plan.Total()-int(res.Sent) {
		t.Fatalf("remaining = %d, want %d", got, plan.Total()-int(res.Sent))
	}
}

func TestCampaignClearsProgressWhenComplete(t *testing.T) {
	plan := fuzz.NewPlan(0x1, 0x1, nil, 0)
	f := newFixture(t, plan, nil, true)
	if _, err := f.campaign.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := ResumePlan(f.campaign.deps.DB, plan); ok {
		t.Fatal("progress kept after a complete run")
	}
}

func TestCampaignStopBeforeRun(t *testing.T) {
	f := newFixture(t, fuzz.NewPlan(0x1, 0x7DF, nil, fuzz.FullDelay), nil, false)
	f.campaign.Stop("early")

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := f.campaign.Run(context.Background())
		if err != nil || res.Completed || res.StopReason != "early" {
			t.Errorf("Run = %+v, %v", res, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestCampaignUnknownCommand(t *testing.T) {
	f := newFixture(t, fuzz.NewPlan(0x1, 0x1, nil, 0), nil, false)
	err := f.campaign.HandleCommand(common.ServerCommand{Type: "reboot"})
	if err == nil || !strings.Contains(err.Error(), "reboot") {
		t.Fatalf("err = %v", err)
	}
}

func TestCampaignClosedTransport(t *testing.T) {
	f := newFixture(t, fuzz.NewPlan(0x1, 0x1, nil, 0), nil, false)
	f.bus.Close()
	_, err := f.campaign.Run(context.Background())
	if !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestMain(m *testing.M) {
	logger.Init(logger.Options{Level: "disabled"})
	os.Exit(m.Run())
}
