package mylog

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	Console    bool   `yaml:"console"`
	FilePath   string `yaml:"file-path"`
	MaxSizeMb  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
	Compress   bool   `yaml:"compress"`
}

var appLogger atomic.Pointer[zerolog.Logger]

func init() {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.TimeFieldFormat = time.RFC3339Nano

	lg := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)
	appLogger.Store(&lg)
}

// Setup replaces the process logger. Safe to call more than once.
func Setup(cfg LogConfig) io.Closer {
	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)

	if cfg.Console || cfg.FilePath == "" {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05.000"})
	}

	if cfg.FilePath != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    max(cfg.MaxSizeMb, 1),
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, lj)
		closer = lj
	}

	lg := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Logger().
		Level(ParseLevel(cfg.Level))

	appLogger.Store(&lg)

	return closer
}

func ParseLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}

	lv, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.InfoLevel
	}

	return lv
}

func AppLogger() zerolog.Logger {
	return *appLogger.Load()
}

// SetAppLogger is used by tests to silence or capture output.
func SetAppLogger(lg zerolog.Logger) {
	appLogger.Store(&lg)
}

func WithConv(convId string) zerolog.Logger {
	return AppLogger().With().Str("conv_id", convId).Logger()
}

func WithUid(uid string) zerolog.Logger {
	return AppLogger().With().Str("uid", uid).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error {
	return nil
}
