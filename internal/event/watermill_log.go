package event

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/conductor/internal/logging"
)

// zerologAdapter routes watermill's internal logging into zerolog.
type zerologAdapter struct {
	component string
	fields    watermill.LogFields
}

// NewWatermillLogger returns a watermill.LoggerAdapter backed by the global
// zerolog logger.
func NewWatermillLogger(component string) watermill.LoggerAdapter {
	return &zerologAdapter{component: component}
}

func (a *zerologAdapter) event(e *zerolog.Event, fields watermill.LogFields) *zerolog.Event {
	e = e.Str("component", a.component)
	for k, v := range a.fields {
		e = e.Interface(k, v)
	}
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (a *zerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(logging.Error(), fields).Err(err).Msg(msg)
}

func (a *zerologAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(logging.Debug(), fields).Msg(msg)
}

func (a *zerologAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(logging.Debug(), fields).Msg(msg)
}

func (a *zerologAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(logging.Logger.Trace(), fields).Msg(msg)
}

func (a *zerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &zerologAdapter{
		component: a.component,
		fields:    a.fields.Add(fields),
	}
}
