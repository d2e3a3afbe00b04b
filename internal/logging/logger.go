// Package logging builds the process logger: a colored console stream for
// the operator plus structured JSON sinks for later inspection. Every line
// carries the run's session id so interleaved runs stay separable.
package logging

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	eventsFile = "events.jsonl"
	errorsFile = "errors.jsonl"
)

// Options configure New.
type Options struct {
	Dir     string // JSON sink directory; empty disables file sinks
	Verbose bool   // console shows debug lines
	Quiet   bool   // console shows warnings and errors only
}

// New returns the configured logger, the session id, and a flush function to
// defer in main. File sink problems are not fatal; the console core always
// works.
func New(opts Options) (*zap.SugaredLogger, string, func(), error) {
	session := uuid.NewString()

	consoleLevel := zapcore.InfoLevel
	if opts.Verbose {
		consoleLevel = zapcore.DebugLevel
	}
	if opts.Quiet {
		consoleLevel = zapcore.WarnLevel
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	console := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		consoleLevel,
	)

	cores := []zapcore.Core{console}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, "", nil, err
		}
		jsonCfg := zap.NewProductionEncoderConfig()
		jsonCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc := zapcore.NewJSONEncoder(jsonCfg)

		if f, err := openSink(opts.Dir, eventsFile); err == nil {
			cores = append(cores, zapcore.NewCore(enc, f, zapcore.DebugLevel))
		}
		if f, err := openSink(opts.Dir, errorsFile); err == nil {
			cores = append(cores, zapcore.NewCore(enc, f, zapcore.ErrorLevel))
		}
	}

	logger := zap.New(zapcore.NewTee(cores...))
	sugar := logger.Sugar().With("session", session)
	flush := func() { _ = logger.Sync() }
	return sugar, session, flush, nil
}

func openSink(dir, name string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return zapcore.Lock(f), nil
}
