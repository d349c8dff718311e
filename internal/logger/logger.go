package logger

import (
	"log/slog"
	"os"
)

// New builds the process-wide logger: JSON on stdout, tagged with the
// process name so api and worker lines stay distinguishable once
// aggregated. The attribute is "process" rather than "service" because
// service names a deployable unit everywhere else in this codebase.
func New(process string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("process", process)
}
