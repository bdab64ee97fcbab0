package log

import (
	"fmt"
	"io"

	kitlog "github.com/go-kit/kit/log"
	kitlevel "github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/log/term"
)

const msgKey = "msg"

type kitLogger struct {
	srcLogger kitlog.Logger
}

// Interface assertions
var _ Logger = (*kitLogger)(nil)

// NewLogger returns a logger that encodes msg and keyvals to the Writer in
// logfmt, colored by level when the Writer is a terminal.
func NewLogger(w io.Writer) Logger {
	// Color by level value
	colorFn := func(keyvals ...interface{}) term.FgBgColor {
		if keyvals[0] != kitlevel.Key() {
			panic(fmt.Sprintf("expected level key to be first, got %v", keyvals[0]))
		}
		switch keyvals[1].(kitlevel.Value).String() {
		case "debug":
			return term.FgBgColor{Fg: term.DarkGray}
		case "error":
			return term.FgBgColor{Fg: term.Red}
		default:
			return term.FgBgColor{}
		}
	}
	return &kitLogger{term.NewLogger(w, kitlog.NewLogfmtLogger, colorFn)}
}

// NewJSONLogger returns a logger that encodes msg and keyvals to the Writer as
// JSON objects.
func NewJSONLogger(w io.Writer) Logger {
	return &kitLogger{kitlog.NewJSONLogger(w)}
}

// Debug logs a message at level Debug.
func (l *kitLogger) Debug(msg string, keyvals ...interface{}) {
	lWithLevel := kitlevel.Debug(l.srcLogger)

	if err := kitlog.With(lWithLevel, msgKey, msg).Log(keyvals...); err != nil {
		errLogger := kitlevel.Error(l.srcLogger)
		kitlog.With(errLogger, msgKey, msg).Log("err", err) //nolint:errcheck
	}
}

// Info logs a message at level Info.
func (l *kitLogger) Info(msg string, keyvals ...interface{}) {
	lWithLevel := kitlevel.Info(l.srcLogger)

	if err := kitlog.With(lWithLevel, msgKey, msg).Log(keyvals...); err != nil {
		errLogger := kitlevel.Error(l.srcLogger)
		kitlog.With(errLogger, msgKey, msg).Log("err", err) //nolint:errcheck
	}
}

// Error logs a message at level Error.
func (l *kitLogger) Error(msg string, keyvals ...interface{}) {
	lWithLevel := kitlevel.Error(l.srcLogger)

	lWithMsg := kitlog.With(lWithLevel, msgKey, msg)
	if err := lWithMsg.Log(keyvals...); err != nil {
		lWithMsg.Log("err", err) //nolint:errcheck
	}
}

// With returns a new contextual logger with keyvals prepended to those passed
// to calls to Info, Debug or Error.
func (l *kitLogger) With(keyvals ...interface{}) Logger {
	return &kitLogger{kitlog.With(l.srcLogger, keyvals...)}
}
