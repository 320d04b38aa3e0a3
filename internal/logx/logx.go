// Package logx собирает корневой zerolog-логгер процесса.
package logx

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/zap"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// New возвращает логгер с уровнем level. pretty включает человекочитаемый вывод в консоль.
func New(level string, pretty bool) zerolog.Logger {
	var w io.Writer = os.Stdout
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: consoleTimeFormat}
	}
	return zerolog.New(w).Level(ParseLevel(level)).With().Timestamp().Logger()
}

// ParseLevel понимает стандартные имена уровней, неизвестные сводятся к info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component: дочерний логгер с меткой подсистемы.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// Telegram возвращает логгер для внутренних сообщений gotd.
// Без debug gotd молчит, иначе пишет в stderr в development-формате.
func Telegram(debug bool) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return l.Named("gotd")
}

// Since: короткая запись длительности для полей логов.
func Since(start time.Time) time.Duration {
	return time.Since(start).Round(time.Millisecond)
}
