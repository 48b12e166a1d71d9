package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitGlobalLogger initializes zap global logger writing to stderr and,
// when file is not empty, to a rotated log file.
func InitGlobalLogger(level, file string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), lvl),
	}
	if file != "" {
		cores = append(cores, zapcore.NewCore(encoder, getLogWriter(file), lvl))
	}
	zap.ReplaceGlobals(zap.New(zapcore.NewTee(cores...)))
	return nil
}

func getLogWriter(file string) zapcore.WriteSyncer {
	lumberJackLogger := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 5,
	}
	return zapcore.AddSync(lumberJackLogger)
}
