package cron

import (
	"fmt"
	"time"

	"github.com/goliatone/go-transition/engine"
)

// Parser represents a cron expression parser type
type Parser int

const (
	DefaultParser Parser = iota
	StandardParser
	SecondsParser
)

// Option configures a Sweeper
type Option func(*Sweeper)

// WithSchedule sets the cron expression driving sweeps
func WithSchedule(expr string) Option {
	return func(s *Sweeper) {
		s.schedule = expr
	}
}

// WithFinishedTTL sets how long finished jobs are retained. Zero keeps them forever.
func WithFinishedTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.finishedTTL = ttl
	}
}

// WithFrozenTTL sets how long frozen jobs are retained. Zero keeps them forever.
func WithFrozenTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.frozenTTL = ttl
	}
}

// WithLocation sets the timezone location for the schedule
func WithLocation(loc *time.Location) Option {
	return func(s *Sweeper) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithLogger sets a custom logger for the sweeper
func WithLogger(logger engine.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithErrorHandler receives sweep failures and recovered panics
func WithErrorHandler(handler func(error)) Option {
	return func(s *Sweeper) {
		s.errorHandler = handler
	}
}

// WithParser sets the type of cron expression parser to use
func WithParser(p Parser) Option {
	return func(s *Sweeper) {
		s.parser = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// loggerAdapter adapts engine.Logger to robfig/cron's logger
type loggerAdapter struct {
	logger engine.Logger
}

func (l *loggerAdapter) Info(msg string, args ...interface{}) {
	l.logger.Debug(msg + keyValues(args))
}

func (l *loggerAdapter) Error(err error, msg string, args ...interface{}) {
	if err != nil {
		l.logger.Error(fmt.Sprintf("%s%s: %v", msg, keyValues(args), err))
		return
	}
	l.logger.Error(msg + keyValues(args))
}

// errorHandlerAdapter routes recovered panics to the error handler
type errorHandlerAdapter struct {
	handler func(error)
}

func (e *errorHandlerAdapter) Info(msg string, args ...interface{}) {}

func (e *errorHandlerAdapter) Error(err error, msg string, args ...interface{}) {
	if e.handler == nil {
		return
	}
	if err != nil {
		e.handler(err)
		return
	}
	e.handler(fmt.Errorf("%s%s", msg, keyValues(args)))
}

func keyValues(args []interface{}) string {
	out := ""
	for i := 0; i+1 < len(args); i += 2 {
		out += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	return out
}
