// Package prettylog renders slog records for a developer console: a short
// clock, a colored level tag, the message, then the attributes as key=value
// pairs on the same line. Output is meant for eyes, not log collectors.
package prettylog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const timeFormat = "15:04:05.000"

const (
	reset = "\033[0m"

	yellow   = 33
	darkGray = 90
	lightRed = 91
	cyan     = 96
	white    = 97
)

func paint(code int, s string) string {
	return "\033[" + strconv.Itoa(code) + "m" + s + reset
}

type handler struct {
	mu    *sync.Mutex
	out   io.Writer
	level slog.Leveler

	// group is the dotted prefix WithGroup accumulated for attr keys.
	group string
	// fixed holds attrs bound via WithAttrs, already rendered.
	fixed string
}

// NewHandler returns a handler writing colorized records to stderr.
func NewHandler(level slog.Level) slog.Handler {
	return NewHandlerWithWriter(os.Stderr, level)
}

// NewHandlerWithWriter is NewHandler with an explicit destination, which
// tests use to capture output.
func NewHandlerWithWriter(out io.Writer, level slog.Leveler) slog.Handler {
	return &handler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	sb := strings.Builder{}
	sb.WriteString(h.fixed)
	for _, attr := range attrs {
		appendAttr(&sb, h.group, attr)
	}
	clone.fixed = sb.String()
	return &clone
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = h.group + name + "."
	return &clone
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	sb := strings.Builder{}
	sb.WriteString(paint(darkGray, r.Time.Format(timeFormat)))
	sb.WriteString(" ")
	sb.WriteString(levelTag(r.Level))
	sb.WriteString(" ")
	sb.WriteString(paint(white, r.Message))
	sb.WriteString(h.fixed)
	r.Attrs(func(attr slog.Attr) bool {
		appendAttr(&sb, h.group, attr)
		return true
	})
	sb.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, sb.String())
	return err
}

func levelTag(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return paint(darkGray, "DBG")
	case level < slog.LevelWarn:
		return paint(cyan, "INF")
	case level < slog.LevelError:
		return paint(yellow, "WRN")
	default:
		return paint(lightRed, "ERR")
	}
}

func appendAttr(sb *strings.Builder, group string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if attr.Value.Kind() == slog.KindGroup {
		members := attr.Value.Group()
		if len(members) == 0 {
			return
		}
		prefix := group
		if attr.Key != "" {
			prefix += attr.Key + "."
		}
		for _, member := range members {
			appendAttr(sb, prefix, member)
		}
		return
	}

	sb.WriteString(" ")
	sb.WriteString(paint(darkGray, group+attr.Key+"="))
	sb.WriteString(formatValue(attr.Value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindTime:
		return paint(darkGray, value.Time().Format(time.RFC3339))
	case slog.KindDuration:
		return paint(darkGray, value.Duration().String())
	default:
	}
	if err, ok := value.Any().(error); ok {
		return paint(lightRed, quoteIfNeeded(err.Error()))
	}
	return paint(darkGray, quoteIfNeeded(fmt.Sprintf("%v", value.Any())))
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"") {
		return strconv.Quote(s)
	}
	return s
}
