package testutil

import "log/slog"

// DiscardLogger returns a logger that drops everything. Components take
// log.Logger, an alias for *slog.Logger, so the same value satisfies both;
// packages that already import internal/log usually reach for log.NewNop()
// instead.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
