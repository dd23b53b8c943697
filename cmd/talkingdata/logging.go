package main

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// newLogger writes human-readable text to a terminal and JSON otherwise.
func newLogger(w *os.File, level slog.Level) *slog.Logger {
	return slog.New(newHandler(w, term.IsTerminal(int(w.Fd())), level))
}

func newHandler(w io.Writer, tty bool, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if tty {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}
