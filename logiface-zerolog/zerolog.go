// Package izerolog implements support for using github.com/rs/zerolog with github.com/joeycumines/logiface.
package izerolog

import (
	"time"

	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

type (
	Event struct {
		Z   *zerolog.Event
		msg string
		lvl logiface.Level
		//lint:ignore U1000 embedded for it's methods
		unimplementedEvent
	}

	Logger struct {
		Z zerolog.Logger
	}

	// LoggerFactory is provided as a convenience, embedding
	// logiface.LoggerFactory[*Event], and aliasing the option functions
	// implemented within this package.
	LoggerFactory struct {
		//lint:ignore U1000 embedded for it's methods
		baseLoggerFactory
	}

	//lint:ignore U1000 used to embed without exporting
	unimplementedEvent = logiface.UnimplementedEvent

	//lint:ignore U1000 used to embed without exporting
	baseLoggerFactory = logiface.LoggerFactory[*Event]
)

// L is a LoggerFactory, and may be used to configure a
// logiface.Logger[*Event], using the implementations provided by this
// package.
var L = LoggerFactory{}

// WithZerolog configures a logiface logger to use a zerolog logger.
//
// See also LoggerFactory.WithZerolog and L (an alias for LoggerFactory{}).
func WithZerolog(logger zerolog.Logger) logiface.Option[*Event] {
	l := Logger{Z: logger}
	return L.WithOptions(
		L.WithWriter(&l),
		L.WithEventFactory(&l),
		L.WithEventReleaser(&l),
	)
}

// WithZerolog is an alias of the package function of the same name.
func (LoggerFactory) WithZerolog(logger zerolog.Logger) logiface.Option[*Event] {
	return WithZerolog(logger)
}

func (x *Event) Level() logiface.Level {
	if x != nil {
		return x.lvl
	}
	return logiface.LevelDisabled
}

func (x *Event) AddField(key string, val any) {
	x.Z.Interface(key, val)
}

func (x *Event) AddMessage(msg string) bool {
	x.msg = msg
	return true
}

func (x *Event) AddError(err error) bool {
	x.Z.Err(err)
	return true
}

func (x *Event) AddString(key string, val string) bool {
	x.Z.Str(key, val)
	return true
}

func (x *Event) AddInt(key string, val int) bool {
	x.Z.Int(key, val)
	return true
}

func (x *Event) AddInt64(key string, val int64) bool {
	x.Z.Int64(key, val)
	return true
}

func (x *Event) AddUint64(key string, val uint64) bool {
	x.Z.Uint64(key, val)
	return true
}

func (x *Event) AddBool(key string, val bool) bool {
	x.Z.Bool(key, val)
	return true
}

func (x *Event) AddDuration(key string, val time.Duration) bool {
	x.Z.Dur(key, val)
	return true
}

func (x *Event) AddTime(key string, val time.Time) bool {
	x.Z.Time(key, val)
	return true
}

func (x *Event) AddFloat64(key string, val float64) bool {
	x.Z.Float64(key, val)
	return true
}

func (x *Logger) NewEvent(level logiface.Level) *Event {
	// zerolog returns a nil event if the level is disabled, which is safe to
	// use, and makes Write a no-op
	var z *zerolog.Event
	if lvl, ok := toZerologLevel(level); ok {
		z = x.Z.WithLevel(lvl)
	}
	return &Event{Z: z, lvl: level}
}

func (x *Logger) ReleaseEvent(event *Event) {
	*event = Event{}
}

func (x *Logger) Write(event *Event) error {
	if event.Z == nil {
		// this lets other writers (e.g. in a logiface.WriterSlice) attempt to
		// handle the event
		return logiface.ErrDisabled
	}
	event.Z.Msg(event.msg)
	event.Z = nil
	return nil
}

// toZerologLevel maps logiface.Level to zerolog.Level.
//
// WithLevel is used for every level, which, unlike zerolog's Fatal and Panic
// methods, never exits or panics. That behavior is left to logiface.
func toZerologLevel(level logiface.Level) (zerolog.Level, bool) {
	switch level {
	case logiface.LevelTrace:
		return zerolog.TraceLevel, true

	case logiface.LevelDebug:
		return zerolog.DebugLevel, true

	case logiface.LevelInformational:
		return zerolog.InfoLevel, true

	case logiface.LevelNotice:
		return zerolog.WarnLevel, true

	case logiface.LevelWarning:
		return zerolog.WarnLevel, true

	case logiface.LevelError:
		return zerolog.ErrorLevel, true

	case logiface.LevelCritical:
		return zerolog.ErrorLevel, true

	case logiface.LevelAlert:
		return zerolog.FatalLevel, true

	case logiface.LevelEmergency:
		return zerolog.PanicLevel, true

	default:
		return zerolog.NoLevel, false
	}
}
