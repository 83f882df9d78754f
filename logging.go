package smartmeetos

import (
	"context"
	"log/slog"
)

// nopLogger discards everything. Components that take an optional
// *slog.Logger fall back to it so logging calls never need nil checks.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }

// NopLogger returns a logger that discards all records.
func NopLogger() *slog.Logger { return nopLogger }
