package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var l = zap.NewNop()

// InitLogger configures the process logger for env:
//   - "prod": JSON at info, tagged with the service name
//   - "test": development output at warn, so passing tests stay quiet
//   - "cli": short console lines on stderr at warn, for taskctl and loadtest
//   - anything else: development output at debug
func InitLogger(env string) {
	var cfg zap.Config
	opts := []zap.Option{zap.AddCaller(), zap.AddCallerSkip(1)}

	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		opts = append(opts, zap.Fields(zap.String("service", "taskorch")))
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "cli":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		cfg.EncoderConfig.TimeKey = ""
		cfg.EncoderConfig.CallerKey = ""
		cfg.DisableStacktrace = true
		cfg.OutputPaths = []string{"stderr"}
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build(opts...)
	if err != nil {
		panic(err)
	}

	l = logger
	zap.ReplaceGlobals(logger)
}

func Info(msg string, fields ...zap.Field) {
	l.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	l.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	l.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	l.Warn(msg, fields...)
}

// With returns a child logger carrying fields, for long-lived workers.
func With(fields ...zap.Field) *zap.Logger {
	return l.WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

func Sync() error {
	return l.Sync()
}
