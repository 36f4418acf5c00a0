// Package logger wraps zap with the stage-aware configuration used across
// the service: JSON production logging in the prod stage, colorized
// development logging in every other stage.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	StageLocal = "local"
	StageDev   = "dev"
	StageProd  = "prod"
)

// Log is the global logger instance, set by InitLogger.
var Log *zap.Logger

// InitLogger initializes the global logger for the given deployment stage.
func InitLogger(stage string) {
	var cfg zap.Config
	if stage == StageProd {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	built, err := cfg.Build()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	Log = built
}

func Info(msg string, fields ...zapcore.Field)  { Log.Info(msg, fields...) }
func Error(msg string, fields ...zapcore.Field) { Log.Error(msg, fields...) }
func Debug(msg string, fields ...zapcore.Field) { Log.Debug(msg, fields...) }
func Warn(msg string, fields ...zapcore.Field)  { Log.Warn(msg, fields...) }
func Fatal(msg string, fields ...zapcore.Field) { Log.Fatal(msg, fields...) }

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() error {
	if Log == nil {
		return nil
	}
	return Log.Sync()
}

// IsValidStage reports whether stage is one of the recognized deployment
// stages.
func IsValidStage(stage string) bool {
	switch stage {
	case StageLocal, StageDev, StageProd:
		return true
	default:
		return false
	}
}
