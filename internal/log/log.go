// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

// Package log holds the application logger used by the binary.
// Library packages log through hclog loggers created by NewHclog so both share level and format.
package log

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenrepo/internal/appcontext"
	"github.com/pbinitiative/zenrepo/internal/profile"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop().Sugar()

func Init() {
	var conf zap.Config
	switch profile.Current {
	case profile.PROD:
		conf = zap.NewProductionConfig()
	default:
		conf = zap.NewDevelopmentConfig()
		conf.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if level, ok := os.LookupEnv("LOG_LEVEL"); ok {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			fmt.Printf("Invalid LOG_LEVEL %q: %s\n", level, err)
		} else {
			conf.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	l, err := conf.Build(zap.AddCallerSkip(1))
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %s", err))
	}
	logger = l.Sugar()
}

func Sync() {
	_ = logger.Sync()
}

func Debug(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Info(format string, args ...any) {
	logger.Infof(format, args...)
}

func Error(format string, args ...any) {
	logger.Errorf(format, args...)
}

// Infof logs with the trace id of the span and the correlation id in ctx.
func Infof(ctx context.Context, format string, args ...any) {
	withTrace(ctx).Infof(format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	withTrace(ctx).Errorf(format, args...)
}

func withTrace(ctx context.Context) *zap.SugaredLogger {
	l := logger
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
		l = l.With("traceId", spanCtx.TraceID().String())
	}
	if correlationId, ok := appcontext.CorrelationIdFromContext(ctx); ok {
		l = l.With("correlationId", correlationId)
	}
	return l
}

// NewHclog creates a named hclog logger for library components.
func NewHclog(name string) hclog.Logger {
	level := hclog.Info
	if profile.Current == profile.DEV {
		level = hclog.Debug
	}
	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if parsed := hclog.LevelFromString(l); parsed != hclog.NoLevel {
			level = parsed
		}
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: profile.Current == profile.PROD,
		Output:     os.Stderr,
	})
}
