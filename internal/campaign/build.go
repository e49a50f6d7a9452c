package campaign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/serebryakov7/canfuzz/common"
	"github.com/serebryakov7/canfuzz/internal/config"
	"github.com/serebryakov7/canfuzz/internal/correlator"
	"github.com/serebryakov7/canfuzz/internal/display"
	"github.com/serebryakov7/canfuzz/internal/evidence"
	"github.com/serebryakov7/canfuzz/internal/fuzz"
	"github.com/serebryakov7/canfuzz/internal/logger"
	"github.com/serebryakov7/canfuzz/internal/recording"
	"github.com/serebryakov7/canfuzz/internal/transport"
	"github.com/serebryakov7/canfuzz/internal/vision"
	"github.com/serebryakov7/canfuzz/pkg/mqtt"
	"github.com/serebryakov7/canfuzz/pkg/storage"
)

type closer struct {
	name string
	fn   func() error
}

// Runtime содержит кампанию вместе с открытыми ею ресурсами.
type Runtime struct {
	Campaign *Campaign
	mqtt     *mqtt.MQTTClient
	closers  []closer
	log      *logger.Logger
}

// Build открывает шину, камеру, базу и приемники журнала по конфигурации.
// При ошибке все уже открытое закрывается.
func Build(ctx context.Context, cfg config.Config, session string) (rt *Runtime, err error) {
	lg := logger.Named("campaign").With().Str("session", session).Logger()
	rt = &Runtime{log: &lg}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	profile, err := cfg.Profile()
	if err != nil {
		return rt, err
	}
	plan := profile.Plan(cfg.Ignore)
	if err := plan.Validate(); err != nil {
		return rt, &config.Error{Field: "range", Message: err.Error()}
	}

	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return rt, fmt.Errorf("каталог результатов: %w", err)
	}

	dbPath := cfg.DB
	if dbPath == "" {
		dbPath = filepath.Join(cfg.OutDir, storage.DefaultPath)
	}
	db, err := storage.OpenDB(dbPath)
	if err != nil {
		return rt, fmt.Errorf("база доказательств %s: %w", dbPath, err)
	}
	rt.push("db", db.Close)

	if cfg.Resume {
		resumed, ok, err := ResumePlan(db, plan)
		if err != nil {
			return rt, fmt.Errorf("чтение прогресса: %w", err)
		}
		if ok {
			lg.Info().Stringer("from", resumed.Resume).Msg("продолжение прерванного перебора")
			plan = resumed
		} else {
			lg.Info().Msg("сохраненного прогресса нет, перебор с начала")
		}
	}

	tr, err := transport.Open(transport.Kind(cfg.Bus.Kind), cfg.Bus.Channel, transport.Options{
		Baud:    cfg.Bus.Baud,
		Bitrate: cfg.Bus.Bitrate,
	})
	if err != nil {
		return rt, fmt.Errorf("шина %s %s: %w", cfg.Bus.Kind, cfg.Bus.Channel, err)
	}
	rt.push("transport", tr.Close)

	src, err := openSource(ctx, cfg.Camera)
	if err != nil {
		return rt, fmt.Errorf("камера %s %s: %w", cfg.Camera.Kind, cfg.Camera.Input, err)
	}
	if src != nil {
		rt.push("camera", src.Close)
	}

	disp := display.Display(display.Nop{})
	if cfg.Display == "console" {
		console, err := display.NewConsole()
		if err != nil {
			lg.Warn().Err(err).Msg("консоль недоступна, запуск без отображения")
		} else {
			disp = console
		}
	}
	rt.push("display", disp.Close)

	var opener recording.Opener
	if cfg.Record {
		opener = recording.AVIOpener{Dir: cfg.OutDir, FPS: cfg.RecordFPS}
	}

	// Команды могут прийти до того, как кампания собрана.
	var current atomic.Pointer[Campaign]
	if cfg.MQTT.Broker != "" {
		client := mqtt.NewClient(mqtt.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       clientID(cfg.MQTT.ClientID, session),
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			Topic:          cfg.MQTT.Topic,
			RecordTopic:    cfg.MQTT.RecordTopic,
			CommandTopic:   cfg.MQTT.CommandTopic,
			UpdateInterval: cfg.MQTT.Interval,
		}, func() any {
			if c := current.Load(); c != nil {
				return c.Status()
			}
			return nil
		}, func(cmd common.ServerCommand) error {
			c := current.Load()
			if c == nil {
				return errors.New("кампания еще не запущена")
			}
			return c.HandleCommand(cmd)
		})
		if err := client.Connect(); err != nil {
			return rt, fmt.Errorf("MQTT %s: %w", cfg.MQTT.Broker, err)
		}
		rt.mqtt = client
	}

	sinks, err := rt.openSinks(cfg, session, db)
	if err != nil {
		return rt, err
	}

	evlog := evidence.NewLog(evidence.DefaultBuffer, nil, sinks...)
	corr := correlator.New(correlator.Config{
		Opener:   opener,
		Evidence: evlog,
		Display:  disp,
		Session:  session,
		Logger:   logger.Named("correlator"),
	})

	policy := vision.Settle
	if cfg.Detector.Baseline == "consecutive" {
		policy = vision.Consecutive
	}
	mode, _ := fuzz.ParseMode(cfg.Mode)

	c := New(Options{
		Plan:           plan,
		Mode:           mode,
		Session:        session,
		Tick:           cfg.Camera.Tick,
		ReceiveTimeout: cfg.ReceiveTimeout,
	}, Deps{
		Transport: tr,
		Source:    src,
		Detector: vision.NewDetector(vision.DetectorConfig{
			DiffThreshold:    cfg.Detector.Threshold,
			DilateIterations: cfg.Detector.Dilate,
			MinArea:          cfg.Detector.MinArea,
		}),
		Baseline:   vision.NewBaseline(policy, cfg.Detector.MaxHold),
		Correlator: corr,
		Evidence:   evlog,
		Display:    disp,
		DB:         db,
		Logger:     &lg,
	})
	rt.Campaign = c
	current.Store(c)
	return rt, nil
}

func (rt *Runtime) openSinks(cfg config.Config, session string, db *bolt.DB) ([]evidence.Sink, error) {
	sinks := []evidence.Sink{evidence.NewBoltSink(db)}

	text, err := evidence.OpenTextFile(filepath.Join(cfg.OutDir, evidence.TextFileName))
	if err != nil {
		return nil, fmt.Errorf("текстовый журнал: %w", err)
	}
	if cfg.LogSent {
		sinks = append(sinks, text)
	} else {
		sinks = append(sinks, evidence.Filter(text, common.ClassTriggered, common.ClassInternalState))
	}

	if cfg.Pcap {
		path := filepath.Join(cfg.OutDir, fmt.Sprintf("canfuzz-%s.pcap", shortID(session)))
		p, err := evidence.CreatePcap(path)
		if err != nil {
			text.Close()
			return nil, fmt.Errorf("pcap: %w", err)
		}
		sinks = append(sinks, evidence.Filter(p, common.ClassSent, common.ClassInternalState))
	}

	if rt.mqtt != nil {
		sinks = append(sinks, evidence.Filter(evidence.NewMQTTSink(rt.mqtt),
			common.ClassTriggered, common.ClassInternalState))
	}
	return sinks, nil
}

func openSource(ctx context.Context, cam config.CameraConfig) (vision.Source, error) {
	switch cam.Kind {
	case "ffmpeg":
		src, err := vision.NewFFmpegSource(ctx, vision.FFmpegConfig{
			Format:   cam.Format,
			Input:    cam.Input,
			Width:    cam.Width,
			Height:   cam.Height,
			FPS:      cam.FPS,
			Realtime: cam.Format == "",
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "gst":
		src, err := vision.NewGstSource(vision.GstConfig{Source: cam.Input, Width: cam.Width, Height: cam.Height})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "dir":
		src, err := vision.NewDirSource(cam.Input, cam.Loop)
		if err != nil {
			return nil, err
		}
		return src, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("неизвестный источник кадров %q", cam.Kind)
	}
}

func (rt *Runtime) push(name string, fn func() error) {
	rt.closers = append(rt.closers, closer{name: name, fn: fn})
}

// Run запускает публикацию статуса и кампанию.
func (rt *Runtime) Run(ctx context.Context) (Result, error) {
	if rt.mqtt != nil {
		rt.mqtt.StartPublishing()
	}
	return rt.Campaign.Run(ctx)
}

// Close отключает MQTT и закрывает ресурсы в порядке, обратном открытию.
func (rt *Runtime) Close() error {
	if rt.mqtt != nil {
		rt.mqtt.StopPublishing()
		rt.mqtt.Disconnect()
		rt.mqtt = nil
	}
	var first error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		cl := rt.closers[i]
		if err := cl.fn(); err != nil {
			rt.log.Warn().Err(err).Str("resource", cl.name).Msg("ошибка закрытия")
			if first == nil {
				first = err
			}
		}
	}
	rt.closers = nil
	return first
}

func clientID(base, session string) string {
	if base == "" {
		base = mqtt.DefaultClientID
	}
	return base + "-" + shortID(session)
}

func shortID(session string) string {
	if len(session) > 8 {
		return session[:8]
	}
	return session
}
