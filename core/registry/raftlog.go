package registry

import (
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// hcZapLogger routes hashicorp/raft's hclog output through zap so
// raft internals log in the same format as everything else.
type hcZapLogger struct {
	z    *zap.SugaredLogger
	name string
}

func newRaftLogger(z *zap.Logger) hclog.Logger {
	return &hcZapLogger{z: z.Sugar(), name: "raft"}
}

func (l *hcZapLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.z.Debugw(msg, args...)
	case hclog.Warn:
		l.z.Warnw(msg, args...)
	case hclog.Error:
		l.z.Errorw(msg, args...)
	default:
		l.z.Infow(msg, args...)
	}
}

func (l *hcZapLogger) Trace(msg string, args ...interface{}) { l.z.Debugw(msg, args...) }
func (l *hcZapLogger) Debug(msg string, args ...interface{}) { l.z.Debugw(msg, args...) }
func (l *hcZapLogger) Info(msg string, args ...interface{})  { l.z.Infow(msg, args...) }
func (l *hcZapLogger) Warn(msg string, args ...interface{})  { l.z.Warnw(msg, args...) }
func (l *hcZapLogger) Error(msg string, args ...interface{}) { l.z.Errorw(msg, args...) }

func (l *hcZapLogger) IsTrace() bool { return false }
func (l *hcZapLogger) IsDebug() bool { return l.z.Desugar().Core().Enabled(zapcore.DebugLevel) }
func (l *hcZapLogger) IsInfo() bool  { return l.z.Desugar().Core().Enabled(zapcore.InfoLevel) }
func (l *hcZapLogger) IsWarn() bool  { return l.z.Desugar().Core().Enabled(zapcore.WarnLevel) }
func (l *hcZapLogger) IsError() bool { return l.z.Desugar().Core().Enabled(zapcore.ErrorLevel) }

func (l *hcZapLogger) ImpliedArgs() []interface{} { return nil }

func (l *hcZapLogger) With(args ...interface{}) hclog.Logger {
	return &hcZapLogger{z: l.z.With(args...), name: l.name}
}

func (l *hcZapLogger) Name() string { return l.name }

func (l *hcZapLogger) Named(name string) hclog.Logger {
	return &hcZapLogger{z: l.z.Named(name), name: l.name + "." + name}
}

func (l *hcZapLogger) ResetNamed(name string) hclog.Logger {
	return &hcZapLogger{z: l.z, name: name}
}

func (l *hcZapLogger) SetLevel(hclog.Level) {}

func (l *hcZapLogger) GetLevel() hclog.Level {
	switch {
	case l.IsDebug():
		return hclog.Debug
	case l.IsInfo():
		return hclog.Info
	case l.IsWarn():
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (l *hcZapLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}

func (l *hcZapLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &zapLineWriter{z: l.z}
}

type zapLineWriter struct {
	z *zap.SugaredLogger
}

func (w *zapLineWriter) Write(p []byte) (int, error) {
	w.z.Info(string(p))
	return len(p), nil
}
