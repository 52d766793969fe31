package logging

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

func ContextWithLogger(parentCtx context.Context, logger *logrus.Entry) context.Context {
	return context.WithValue(parentCtx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached to the given context, or an
// entry for the standard logrus logger if there is none.
func ContextLogger(ctx context.Context) *logrus.Entry {
	logger, _ := ctx.Value(loggerContextKey).(*logrus.Entry)
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return logger
}

// ContextLoggerStep logs the beginning of a pipeline step and returns a
// function that logs its end, which callers should defer.
func ContextLoggerStep(ctx context.Context, f string, args ...any) (*logrus.Entry, func()) {
	logger := ContextLogger(ctx)
	step := fmt.Sprintf(f, args...)
	logger.Debug("BEGIN ", step)
	return logger, func() {
		logger.Debug("END ", step)
	}
}

type contextKey string

const loggerContextKey = contextKey("logger")
