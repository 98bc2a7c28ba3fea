// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	otelPkg "github.com/pbinitiative/zenrepo/internal/otel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB is a storage.Storage backed by an embedded SQLite compatible database.
type DB struct {
	db      *sql.DB
	queries *Queries
	logger  hclog.Logger
	tracer  trace.Tracer
}

var _ DBTX = &DB{}

// Open opens the database, applies the connection PRAGMAs and migrates the schema.
// The pool is limited to a single connection, SQLite serializes writers anyway.
func Open(ctx context.Context, dsn string, busyTimeout time.Duration, logger hclog.Logger) (*DB, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", DriverName, err)
	}
	db.SetMaxOpenConns(1)

	// some PRAGMAs return rows so they are run as queries
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		if err := db.QueryRowContext(ctx, p).Scan(&result); err != nil && !errors.Is(err, sql.ErrNoRows) {
			logger.Debug("Failed to apply pragma", "pragma", p, "err", err)
		}
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	res := &DB{
		db:     db,
		logger: logger,
		tracer: otel.GetTracerProvider().Tracer("zenrepo-sql"),
	}
	res.queries = New(res)
	return res, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports whether the database can be reached, used by the health endpoint.
func (d *DB) Ping(ctx context.Context) error {
	return classify(d.db.PingContext(ctx))
}

func (d *DB) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	ctx, execSpan := d.tracer.Start(ctx, "sql-exec", trace.WithAttributes(
		attribute.String(otelPkg.AttributeExec, query),
		attribute.String(otelPkg.AttributeArgs, fmt.Sprintf("%v", args)),
	))
	defer execSpan.End()
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		execSpan.RecordError(err)
		execSpan.SetStatus(codes.Error, err.Error())
		d.logger.Error("Error executing SQL statement", "err", err)
		return nil, err
	}
	return result, nil
}

func (d *DB) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	ctx, querySpan := d.tracer.Start(ctx, "sql-query", trace.WithAttributes(
		attribute.String(otelPkg.AttributeQuery, query),
		attribute.String(otelPkg.AttributeArgs, fmt.Sprintf("%v", args)),
	))
	defer querySpan.End()
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		querySpan.RecordError(err)
		querySpan.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return rows, nil
}

func (d *DB) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	ctx, querySpan := d.tracer.Start(ctx, "sql-query", trace.WithAttributes(
		attribute.String(otelPkg.AttributeQuery, query),
		attribute.String(otelPkg.AttributeArgs, fmt.Sprintf("%v", args)),
	))
	defer querySpan.End()
	return d.db.QueryRowContext(ctx, query, args...)
}
