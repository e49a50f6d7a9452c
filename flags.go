package main

import (
	"github.com/urfave/cli/v2"

	"github.com/serebryakov7/canfuzz/internal/config"
)

func env(name string) []string { return []string{"CANFUZZ_" + name} }

func runFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "файл конфигурации YAML", EnvVars: env("CONFIG")},
		&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}, Usage: "задать режим, диапазон и запись в диалоге"},

		&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "режим: full, quick или ranged", EnvVars: env("MODE")},
		&cli.StringFlag{Name: "start-id", Usage: "начало диапазона для ranged (hex)", EnvVars: env("START_ID")},
		&cli.StringFlag{Name: "end-id", Usage: "конец диапазона для ranged (hex)", EnvVars: env("END_ID")},
		&cli.StringFlag{Name: "ignore", Usage: "пропускаемые идентификаторы через запятую (hex)", EnvVars: env("IGNORE")},
		&cli.DurationFlag{Name: "delay", Usage: "пауза между кадрами вместо паузы режима", EnvVars: env("DELAY")},
		&cli.DurationFlag{Name: "receive-timeout", Usage: "ожидание входящего кадра после отправки", EnvVars: env("RECEIVE_TIMEOUT")},
		&cli.BoolFlag{Name: "resume", Usage: "продолжить с сохраненной позиции", EnvVars: env("RESUME")},

		&cli.StringFlag{Name: "bus", Usage: "шина: socketcan, slcan или virtual", EnvVars: env("BUS")},
		&cli.StringFlag{Name: "channel", Usage: "интерфейс SocketCAN или последовательный порт SLCAN", EnvVars: env("CHANNEL")},
		&cli.IntFlag{Name: "bitrate", Usage: "скорость CAN для SLCAN, бит/с", EnvVars: env("BITRATE")},
		&cli.IntFlag{Name: "baud", Usage: "скорость последовательного порта SLCAN", EnvVars: env("BAUD")},

		&cli.StringFlag{Name: "camera", Usage: "источник кадров: ffmpeg, gst, dir или none", EnvVars: env("CAMERA")},
		&cli.StringFlag{Name: "input", Usage: "устройство, URL или каталог с кадрами", EnvVars: env("INPUT")},
		&cli.StringFlag{Name: "format", Usage: "формат входа ffmpeg (v4l2, dshow, avfoundation)", EnvVars: env("FORMAT")},
		&cli.IntFlag{Name: "width", Usage: "ширина кадра", EnvVars: env("WIDTH")},
		&cli.IntFlag{Name: "height", Usage: "высота кадра", EnvVars: env("HEIGHT")},
		&cli.IntFlag{Name: "fps", Usage: "частота кадров камеры", EnvVars: env("FPS")},
		&cli.BoolFlag{Name: "loop", Usage: "повторять каталог кадров по кругу", EnvVars: env("LOOP")},
		&cli.DurationFlag{Name: "tick", Usage: "период цикла камеры", EnvVars: env("TICK")},

		&cli.IntFlag{Name: "threshold", Usage: "порог разности яркости", EnvVars: env("THRESHOLD")},
		&cli.IntFlag{Name: "min-area", Usage: "минимальная площадь изменения, пикселей", EnvVars: env("MIN_AREA")},
		&cli.StringFlag{Name: "baseline", Usage: "опорный кадр: settle или consecutive", EnvVars: env("BASELINE")},

		&cli.BoolFlag{Name: "record", Aliases: []string{"r"}, Usage: "записывать видео изменений", EnvVars: env("RECORD")},
		&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Usage: "каталог для журнала, видео и базы", EnvVars: env("OUT_DIR")},
		&cli.BoolFlag{Name: "log-sent", Usage: "писать отправленные кадры в can_log.txt", EnvVars: env("LOG_SENT")},
		&cli.BoolFlag{Name: "pcap", Usage: "сохранять трафик в pcap", EnvVars: env("PCAP")},
		&cli.StringFlag{Name: "db", Usage: "файл базы доказательств", EnvVars: env("DB")},
		&cli.StringFlag{Name: "display", Usage: "отображение: console или none", EnvVars: env("DISPLAY")},

		&cli.StringFlag{Name: "mqtt-broker", Usage: "адрес MQTT-брокера (пустой отключает телеметрию)", EnvVars: env("MQTT_BROKER")},
		&cli.StringFlag{Name: "mqtt-topic", Usage: "топик статуса", EnvVars: env("MQTT_TOPIC")},

		&cli.StringFlag{Name: "log-level", Usage: "уровень журнала", EnvVars: []string{"CANFUZZ_LOG_LEVEL", "LOG_LEVEL"}},
		&cli.StringFlag{Name: "log-format", Usage: "формат журнала: console или json", EnvVars: []string{"CANFUZZ_LOG_FORMAT", "LOG_FORMAT"}},
	}
}

// loadConfig читает файл конфигурации и накладывает поверх него явно заданные флаги.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	str := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	num := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	flag := func(name string, dst *bool) {
		if c.IsSet(name) {
			*dst = c.Bool(name)
		}
	}

	str("mode", &cfg.Mode)
	for name, dst := range map[string]*uint32{"start-id": &cfg.StartID, "end-id": &cfg.EndID} {
		if !c.IsSet(name) {
			continue
		}
		id, err := config.ParseID(c.String(name))
		if err != nil {
			return cfg, err
		}
		*dst = id
	}
	if c.IsSet("ignore") {
		ids, err := config.ParseIDList(c.String("ignore"))
		if err != nil {
			return cfg, err
		}
		cfg.Ignore = ids
	}
	if c.IsSet("delay") {
		d := c.Duration("delay")
		cfg.Delay = &d
	}
	if c.IsSet("receive-timeout") {
		cfg.ReceiveTimeout = c.Duration("receive-timeout")
	}
	flag("resume", &cfg.Resume)

	str("bus", &cfg.Bus.Kind)
	str("channel", &cfg.Bus.Channel)
	num("bitrate", &cfg.Bus.Bitrate)
	num("baud", &cfg.Bus.Baud)

	str("camera", &cfg.Camera.Kind)
	str("input", &cfg.Camera.Input)
	str("format", &cfg.Camera.Format)
	num("width", &cfg.Camera.Width)
	num("height", &cfg.Camera.Height)
	num("fps", &cfg.Camera.FPS)
	flag("loop", &cfg.Camera.Loop)
	if c.IsSet("tick") {
		cfg.Camera.Tick = c.Duration("tick")
	}

	if c.IsSet("threshold") {
		t := c.Int("threshold")
		if t < 0 || t > 255 {
			return cfg, &config.Error{Field: "detector.threshold", Message: "порог вне диапазона 0..255"}
		}
		cfg.Detector.Threshold = uint8(t)
	}
	num("min-area", &cfg.Detector.MinArea)
	str("baseline", &cfg.Detector.Baseline)

	flag("record", &cfg.Record)
	str("out-dir", &cfg.OutDir)
	flag("log-sent", &cfg.LogSent)
	flag("pcap", &cfg.Pcap)
	str("db", &cfg.DB)
	str("display", &cfg.Display)

	str("mqtt-broker", &cfg.MQTT.Broker)
	str("mqtt-topic", &cfg.MQTT.Topic)

	str("log-level", &cfg.LogLevel)
	str("log-format", &cfg.LogFormat)
	return cfg, nil
}
