// Package config собирает параметры кампании из файла YAML, флагов и
// интерактивного опроса и проверяет их до запуска движка.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/serebryakov7/canfuzz/internal/fuzz"
	"github.com/serebryakov7/canfuzz/internal/vision"
)

// Config содержит все параметры одного запуска.
type Config struct {
	Mode    string   `yaml:"mode" validate:"oneof=full quick ranged"`
	StartID uint32   `yaml:"start_id" validate:"lte=2047"`
	EndID   uint32   `yaml:"end_id" validate:"lte=2047,gtefield=StartID"`
	Ignore  []uint32 `yaml:"ignore" validate:"dive,lte=2047"`
	// Delay заменяет паузу профиля, если задан.
	Delay          *time.Duration `yaml:"delay" validate:"omitempty,gte=0"`
	ReceiveTimeout time.Duration  `yaml:"receive_timeout" validate:"gte=0"`
	Resume         bool           `yaml:"resume"`

	Bus      BusConfig      `yaml:"bus"`
	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`

	Record    bool   `yaml:"record"`
	OutDir    string `yaml:"out_dir" validate:"required"`
	RecordFPS int    `yaml:"record_fps" validate:"gte=1,lte=120"`
	LogSent   bool   `yaml:"log_sent"`
	Pcap      bool   `yaml:"pcap"`
	DB        string `yaml:"db"`
	Display   string `yaml:"display" validate:"oneof=console none"`

	MQTT MQTTConfig `yaml:"mqtt"`

	LogLevel  string `yaml:"log_level" validate:"oneof=trace debug info warn error disabled"`
	LogFormat string `yaml:"log_format" validate:"oneof=console json"`
}

// BusConfig описывает подключение к CAN-шине.
type BusConfig struct {
	Kind    string `yaml:"kind" validate:"oneof=socketcan slcan virtual"`
	Channel string `yaml:"channel" validate:"required_unless=Kind virtual"`
	Bitrate int    `yaml:"bitrate" validate:"gte=0"`
	Baud    int    `yaml:"baud" validate:"gte=0"`
}

// CameraConfig описывает источник кадров.
type CameraConfig struct {
	Kind   string `yaml:"kind" validate:"oneof=ffmpeg gst dir none"`
	Input  string `yaml:"input" validate:"required_unless=Kind none"`
	Format string `yaml:"format"`
	Width  int    `yaml:"width" validate:"gt=0"`
	Height int    `yaml:"height" validate:"gt=0"`
	FPS    int    `yaml:"fps" validate:"gte=0"`
	Loop   bool   `yaml:"loop"`
	// Tick задает период цикла камеры.
	Tick time.Duration `yaml:"tick" validate:"gt=0"`
}

// DetectorConfig задает пороги детектора изменений.
type DetectorConfig struct {
	Threshold uint8  `yaml:"threshold"`
	Dilate    int    `yaml:"dilate" validate:"gte=0,lte=10"`
	MinArea   int    `yaml:"min_area" validate:"gte=0"`
	Baseline  string `yaml:"baseline" validate:"oneof=settle consecutive"`
	MaxHold   int    `yaml:"max_hold" validate:"gte=0"`
}

// MQTTConfig описывает удаленную телеметрию; пустой Broker ее отключает.
type MQTTConfig struct {
	Broker       string        `yaml:"broker" validate:"omitempty,uri"`
	ClientID     string        `yaml:"client_id"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	Topic        string        `yaml:"topic"`
	RecordTopic  string        `yaml:"record_topic"`
	CommandTopic string        `yaml:"command_topic"`
	Interval     time.Duration `yaml:"interval" validate:"gte=0"`
}

// Default возвращает параметры по умолчанию.
func Default() Config {
	return Config{
		Mode:           string(fuzz.ModeFull),
		StartID:        fuzz.DefaultStartID,
		EndID:          fuzz.DefaultEndID,
		ReceiveTimeout: fuzz.DefaultReceiveTimeout,
		Bus: BusConfig{
			Kind:    "socketcan",
			Channel: "can0",
		},
		Camera: CameraConfig{
			Kind:   "ffmpeg",
			Input:  "/dev/video0",
			Format: "v4l2",
			Width:  640,
			Height: 480,
			Tick:   10 * time.Millisecond,
		},
		Detector: DetectorConfig{
			Threshold: vision.DefaultDiffThreshold,
			Dilate:    vision.DefaultDilateIterations,
			MinArea:   vision.DefaultMinArea,
			Baseline:  "settle",
			MaxHold:   vision.DefaultMaxHold,
		},
		OutDir:    ".",
		RecordFPS: 20,
		Display:   "console",
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load читает YAML-файл поверх значений по умолчанию.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, &Error{Field: "config", Message: err.Error()}
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, &Error{Field: "config", Message: fmt.Sprintf("%s: %v", path, err)}
	}
	return cfg, nil
}

// Error описывает недопустимую конфигурацию. Движок с такой конфигурацией не запускается.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("конфигурация: %s: %s", e.Field, e.Message)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate проверяет конфигурацию. Все нарушения возвращаются вместе,
// каждое как *Error.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &Error{Field: "config", Message: err.Error()}
	}
	errs := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		errs = append(errs, &Error{Field: fieldPath(fe), Message: describe(fe)})
	}
	return errors.Join(errs...)
}

// fieldPath превращает Config.Bus.Channel в bus.channel.
func fieldPath(fe validator.FieldError) string {
	ns := fe.StructNamespace()
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%v: допустимо одно из [%s]", fe.Value(), fe.Param())
	case "lte":
		if fe.Param() == "2047" {
			return fmt.Sprintf("0x%X: идентификатор больше 0x7FF", fe.Value())
		}
		return fmt.Sprintf("%v больше %s", fe.Value(), fe.Param())
	case "gte":
		return fmt.Sprintf("%v меньше %s", fe.Value(), fe.Param())
	case "gt":
		return fmt.Sprintf("%v: должно быть больше %s", fe.Value(), fe.Param())
	case "gtefield":
		return "конец диапазона меньше начала"
	case "required", "required_unless":
		return "обязательный параметр"
	case "uri":
		return fmt.Sprintf("%v: некорректный адрес брокера", fe.Value())
	default:
		return fmt.Sprintf("нарушено правило %s", fe.Tag())
	}
}

// Profile возвращает профиль перебора с учетом переопределенной паузы.
func (c *Config) Profile() (fuzz.Profile, error) {
	mode, err := fuzz.ParseMode(c.Mode)
	if err != nil {
		return fuzz.Profile{}, &Error{Field: "mode", Message: err.Error()}
	}
	p, err := fuzz.ProfileFor(mode, c.StartID, c.EndID)
	if err != nil {
		return fuzz.Profile{}, &Error{Field: "mode", Message: err.Error()}
	}
	if c.Delay != nil {
		p.Delay = *c.Delay
	}
	return p, nil
}

// ParseID разбирает шестнадцатеричный идентификатор: 0x123, 0X7df или 123.
func ParseID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == "" {
		return 0, &Error{Field: "id", Message: fmt.Sprintf("пустой идентификатор %q", s)}
	}
	v, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, &Error{Field: "id", Message: fmt.Sprintf("%q не шестнадцатеричное число", s)}
	}
	if v > 0x7FF {
		return 0, &Error{Field: "id", Message: fmt.Sprintf("%s: идентификатор больше 0x7FF", s)}
	}
	return uint32(v), nil
}

// ParseIDList разбирает список через запятую или пробел. Пустая строка дает пустой список.
func ParseIDList(s string) ([]uint32, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == ';'
	})
	var out []uint32
	for _, f := range fields {
		id, err := ParseID(f)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
