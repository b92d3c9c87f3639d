// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// services receive a logx.Logger value and use Field helpers
// (String, Int, Err, Duration, ...) for structured context.
//
// The zero value is a safe no-op logger, which keeps constructors and
// tests free of nil checks.
package logx
