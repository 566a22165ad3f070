// Package slogx carries small log/slog helpers shared across the module.
// Unlike an application entrypoint, a library package must never call
// slog.SetDefault itself; callers inject the *slog.Logger they want used.
package slogx

import (
	"fmt"
	"log/slog"
	"os"
)

// NewFileLogger opens path (creating it if necessary) and returns a
// slog.Logger writing to it. Callers (cmd/mediaprobe) decide whether to also
// call slog.SetDefault with the result; library packages never do.
func NewFileLogger(path string) (*slog.Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{AddSource: true})), nil
}

// Error formats err (with a stack trace if it carries one, via %+v) as a
// slog.Attr.
func Error(err any) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", fmt.Sprintf("%+v", err))
}

// Bytes renders a byte slice as a string attr, for short binary payloads
// (FourCCs, magic numbers) worth logging at Debug level.
func Bytes(k string, b []byte) slog.Attr {
	return slog.String(k, string(b))
}
