package apkparser

import (
	"fmt"
	"log/slog"
	"os"
)

// Observer receives diagnostics for recoverable parse failures (§7:
// "a warning is emitted through the observability collaborator"). Parsers
// never fail a whole document over a condition reported this way; they log
// and continue with the partial tree/table built so far.
type Observer interface {
	Warnf(format string, args ...any)
}

// DefaultObserver logs through log/slog, the stdlib successor to ad-hoc
// fmt.Errorf-to-stderr reporting. No third-party structured logger is
// exercised anywhere in the example pack's APK-parsing code, so this stays
// on the standard library (see DESIGN.md).
type DefaultObserver struct {
	log *slog.Logger
}

// NewDefaultObserver builds a DefaultObserver writing to stderr.
func NewDefaultObserver() *DefaultObserver {
	return &DefaultObserver{log: slog.New(slog.NewTextHandler(os.Stderr, nil))}
}

func (o *DefaultObserver) Warnf(format string, args ...any) {
	o.log.Warn(fmt.Sprintf(format, args...))
}

// NopObserver discards every diagnostic; useful in tests that only care
// about the returned partial result.
type NopObserver struct{}

func (NopObserver) Warnf(string, ...any) {}
