// Package logging initializes the process-wide zap logger. Services call
// InitLogging once at startup; everything else imports logging.Logger.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Logger is safe to use before InitLogging runs; it just drops everything.
var Logger = zap.NewNop()

type Config struct {
	Level      string `mapstructure:"level"`
	Mode       string `mapstructure:"mode"`
	File       string `mapstructure:"file"`
	Console    bool   `mapstructure:"console"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

func InitLogging(cfg Config) {
	var zcfg zap.Config
	if cfg.Mode == "development" {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Encoding = "console"
	} else {
		zcfg = zap.NewProductionConfig()
		zcfg.DisableCaller = true
	}
	zcfg.EncoderConfig.TimeKey = "timestamp"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	_ = zcfg.Level.UnmarshalText([]byte(levelOrDefault(cfg.Level)))

	ws := writeSyncer(cfg)
	var enc zapcore.Encoder
	if zcfg.Encoding == "console" {
		enc = zapcore.NewConsoleEncoder(zcfg.EncoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(zcfg.EncoderConfig)
	}
	Logger = zap.New(zapcore.NewCore(enc, ws, zcfg.Level))
}

func levelOrDefault(level string) string {
	if level == "" {
		return "info"
	}
	return level
}

func writeSyncer(cfg Config) zapcore.WriteSyncer {
	if cfg.File == "" {
		return zapcore.AddSync(os.Stdout)
	}
	maxSize := cfg.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := cfg.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	file := zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	})
	if cfg.Console {
		return zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), file)
	}
	return file
}
