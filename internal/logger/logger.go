// Package logger настраивает zerolog для всего процесса: корневой логгер,
// дочерние логгеры по компонентам и уровень из флагов или окружения.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Options описывает корневой логгер.
type Options struct {
	Level     string
	Format    string // console | json
	Component string
	Writer    io.Writer
	Fields    map[string]string
}

// FromEnv читает LOG_LEVEL и LOG_FORMAT.
func FromEnv() Options {
	return Options{
		Level:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		Format: strings.ToLower(getenv("LOG_FORMAT", "console")),
	}
}

// Logger задает тип логгера проекта.
type Logger = zerolog.Logger

var (
	mu     sync.Mutex
	root   atomic.Pointer[zerolog.Logger]
	inited atomic.Bool
)

// Init строит корневой логгер. Повторный вызов заменяет его,
// что нужно CLI: уровень становится известен только после разбора флагов.
func Init(opt Options) {
	mu.Lock()
	defer mu.Unlock()

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if opt.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	ctx := zerolog.New(w).Level(parseLevel(opt.Level)).With().Timestamp()
	if opt.Component != "" {
		ctx = ctx.Str("component", opt.Component)
	}
	for k, v := range opt.Fields {
		ctx = ctx.Str(k, v)
	}
	l := ctx.Logger()
	root.Store(&l)
	inited.Store(true)
}

// Get возвращает корневой логгер, инициализируя его из окружения при необходимости.
func Get() *Logger {
	if !inited.Load() {
		Init(FromEnv())
	}
	return root.Load()
}

// Named возвращает дочерний логгер с полем component.
func Named(component string) *Logger {
	if component == "" {
		return Get()
	}
	l := Get().With().Str("component", component).Logger()
	return &l
}

// Nop возвращает логгер, который ничего не пишет. Удобен в тестах.
func Nop() *Logger {
	l := zerolog.Nop()
	return &l
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
