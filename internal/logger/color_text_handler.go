package logger

import (
	"context"
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

// levelTag returns a fixed-width colored tag for the level. Range matches
// keep custom levels (e.g. LevelWarn+1) in the nearest bucket.
func levelTag(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31mERR" + ansiReset
	case l >= slog.LevelWarn:
		return "\033[33mWRN" + ansiReset
	case l >= slog.LevelInfo:
		return "\033[32mINF" + ansiReset
	default:
		return "\033[36mDBG" + ansiReset
	}
}

// ColorTextHandler renders slog records as text with a short colored level
// tag in front of the message, tuned for a developer terminal. With showTime
// false the time attribute is dropped entirely, which keeps captured service
// output and supervisor lines visually aligned.
type ColorTextHandler struct {
	*slog.TextHandler
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	inner := slog.HandlerOptions{}
	if opts != nil {
		inner = *opts
	}
	if !showTime {
		prev := inner.ReplaceAttr
		inner.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if prev != nil {
				return prev(groups, a)
			}
			return a
		}
	}
	return &ColorTextHandler{TextHandler: slog.NewTextHandler(w, &inner)}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelTag(r.Level) + "  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
