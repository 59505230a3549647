package main

import (
	"context"
	"io"

	"github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-transition/engine"
)

// glogLogger adapts a go-logger instance to engine.Logger.
type glogLogger struct {
	logger glog.Logger
}

func newLogger(w io.Writer, level string, asJSON bool) engine.Logger {
	var base glog.Logger
	if asJSON {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLoggerTypeJSON(), glog.WithLevel(level))
	} else {
		base = glog.NewLogger(glog.WithWriter(w), glog.WithLevel(level))
	}
	return glogLogger{logger: base}
}

func (l glogLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogLogger) WithContext(ctx context.Context) engine.Logger {
	if l.logger == nil {
		return engine.NewFmtLogger(nil).WithContext(ctx)
	}
	return glogLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogLogger) WithFields(fields map[string]any) engine.Logger {
	if l.logger == nil {
		return engine.NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogLogger{logger: fl.WithFields(fields)}
	}
	return l
}
