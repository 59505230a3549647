package engine

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transition "github.com/goliatone/go-transition"
)

type glogCompatLogger struct {
	logger glog.Logger
}

func (l glogCompatLogger) Trace(msg string, args ...any) { l.logger.Trace(msg, args...) }
func (l glogCompatLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l glogCompatLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l glogCompatLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l glogCompatLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }
func (l glogCompatLogger) Fatal(msg string, args ...any) { l.logger.Fatal(msg, args...) }

func (l glogCompatLogger) WithContext(ctx context.Context) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithContext(ctx)
	}
	return glogCompatLogger{logger: l.logger.WithContext(ctx)}
}

func (l glogCompatLogger) WithFields(fields map[string]any) Logger {
	if l.logger == nil {
		return NewFmtLogger(nil).WithFields(fields)
	}
	if fl, ok := l.logger.(glog.FieldsLogger); ok {
		return glogCompatLogger{logger: fl.WithFields(fields)}
	}
	return l
}

func TestGlogLoggerReceivesCorrelationFields(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	f := newFixture(t, nil, []transition.Transition{startTransition()}, WithLogger(glogCompatLogger{logger: base}))
	f.seed(t, "d1", "new")

	_, err := f.engine.Execute(context.Background(), Request{TransitionID: "document.status.start", Entities: transition.Refs("document", "d1")})
	require.NoError(t, err)

	logged := buf.String()
	require.NotEmpty(t, strings.TrimSpace(logged))
	assert.Contains(t, logged, "execution_id")
	assert.Contains(t, logged, "document.status.start")
}

func TestNilLoggerFallsBackToFmtLogger(t *testing.T) {
	f := newFixture(t, nil, nil, WithLogger(nil))
	_, ok := f.engine.logger.(*FmtLogger)
	assert.True(t, ok)
}

func TestFmtLoggerLevelAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf).WithLevel("warn")
	logger.Info("dropped")
	WithLoggerFields(logger, map[string]any{"b": 2, "a": 1}).Warn("kept %d", 1)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "WARN  kept 1 a=1 b=2")
}

func TestPrometheusMetricsObserveExecutions(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPrometheusMetrics(reg)
	boom := transition.NewAction(transition.ActionMeta{Name: "boom"},
		func(context.Context, []*transition.Entity, transition.ActionContext) (transition.ActionOutcome, error) {
			return transition.ActionOutcome{}, errors.New("boom")
		})
	f := newFixture(t, []transition.Action{boom},
		[]transition.Transition{
			startTransition(),
			{Name: "explode", Binding: docStatus, SourceStates: []string{"new"}, TargetState: "broken", Actions: []string{"boom"}},
		},
		WithMetrics(metrics))
	f.seed(t, "d1", "new")
	f.seed(t, "d2", "new")

	_, err := f.engine.Execute(context.Background(), Request{TransitionID: "document.status.start", Entities: transition.Refs("document", "d1")})
	require.NoError(t, err)
	_, err = f.engine.Execute(context.Background(), Request{TransitionID: "document.status.explode", Entities: transition.Refs("document", "d2")})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.executions.WithLabelValues("document.status.start", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.executions.WithLabelValues("document.status.explode", OutcomeError)))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.actionDuration))
}

func TestMetricsLabelFallback(t *testing.T) {
	metrics := NewPrometheusMetrics(prometheus.NewRegistry())
	metrics.ObserveExecution("", OutcomeDeferred, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.executions.WithLabelValues("unknown", OutcomeDeferred)))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		grpc   string
		rpc    string
	}{
		{"invalid state", transition.NewError(transition.ErrInvalidState, "x", nil, nil), http.StatusConflict, GRPCCodeFailedPrecondition, transition.ErrCodeInvalidState},
		{"missing input", transition.ErrMissingInput, http.StatusUnprocessableEntity, GRPCCodeInvalidArgument, transition.ErrCodeMissingInput},
		{"type mismatch", transition.ErrTypeMismatch, http.StatusBadRequest, GRPCCodeInvalidArgument, transition.ErrCodeTypeMismatch},
		{"forbidden", transition.ErrForbidden, http.StatusForbidden, GRPCCodePermissionDenied, transition.ErrCodeForbidden},
		{"not found", transition.ErrUnknownTransition, http.StatusNotFound, GRPCCodeNotFound, transition.ErrCodeUnknownTransition},
		{"exhausted", transition.ErrJobExhausted, http.StatusServiceUnavailable, GRPCCodeResourceExhausted, transition.ErrCodeJobExhausted},
		{"plain", errors.New("plain"), http.StatusInternalServerError, GRPCCodeInternal, rpcCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := MapError(tc.err)
			assert.Equal(t, tc.status, m.HTTPStatus)
			assert.Equal(t, tc.grpc, m.GRPCCode)
			assert.Equal(t, tc.rpc, m.RPCCode)
			assert.Equal(t, tc.status, HTTPStatusForError(tc.err))
		})
	}
}

func TestRPCErrorForError(t *testing.T) {
	assert.Nil(t, RPCErrorForError(nil))

	err := transition.NewError(transition.ErrMissingInput, "need reason", nil, map[string]any{"missing": []string{"reason"}})
	env := RPCErrorForError(err)
	require.NotNil(t, env)
	assert.Equal(t, transition.ErrCodeMissingInput, env.Code)
	assert.Contains(t, env.Message, "need reason")
	assert.Equal(t, []string{"reason"}, env.Metadata["missing"])
}
