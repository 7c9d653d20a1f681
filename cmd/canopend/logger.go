package main

import (
	"log/slog"
	"os"

	"github.com/kstaniek/go-canopen-node/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "canopend")
	logging.Set(l)
	return l
}
