// Package logging builds the slog handlers behind the --logfmt flag.
//
// Three formats are supported: "json" and "text" are the standard slog
// encodings, and "tty" is a colored human format for interactive runs,
// with the elapsed whole seconds since process start in place of a
// timestamp.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ValidFormats defines the allowed log output formats.
var ValidFormats = []string{"tty", "text", "json"}

// New returns a handler for the named format writing to w at the given
// level.
func New(format string, level slog.Level, w io.Writer) (slog.Handler, error) {
	switch format {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}), nil
	case "text":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), nil
	case "tty":
		return NewTTYHandler(w, level), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of %v", format, ValidFormats)
	}
}

// ParseLevel converts a level name ("debug", "info", "warn", "error") to a
// slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", name)
	}
	return l, nil
}

// Terminal color numbers per level.
const (
	colorRed    = 31
	colorGreen  = 32
	colorYellow = 33
	colorBlue   = 34
)

func levelColor(l slog.Level) int {
	switch {
	case l < slog.LevelInfo:
		return colorGreen
	case l >= slog.LevelError:
		return colorRed
	case l >= slog.LevelWarn:
		return colorYellow
	default:
		return colorBlue
	}
}

// TTYHandler renders records as
//
//	LEVE[ssss] message                    key=value key=value
//
// with the level tag and attribute keys colored by severity and the
// message column padded so attributes line up across records. ssss is the
// whole seconds elapsed since the handler was created.
type TTYHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	attrs []slog.Attr
	group string
	start time.Time
}

// NewTTYHandler returns a TTYHandler writing to w at the given level.
func NewTTYHandler(w io.Writer, level slog.Leveler) *TTYHandler {
	return &TTYHandler{
		w:     w,
		mu:    &sync.Mutex{},
		level: level,
		start: time.Now(),
	}
}

func (h *TTYHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *TTYHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = qualify(h.group, a.Key)
		h2.attrs = append(h2.attrs, a)
	}
	return &h2
}

func (h *TTYHandler) WithGroup(name string) slog.Handler {
	h2 := *h
	if h.group != "" {
		h2.group = h.group + "." + name
	} else {
		h2.group = name
	}
	return &h2
}

const msgColumnWidth = 80

func (h *TTYHandler) Handle(_ context.Context, r slog.Record) error {
	color := levelColor(r.Level)

	at := r.Time
	if at.IsZero() {
		at = time.Now()
	}
	secs := int(at.Sub(h.start).Seconds())
	if secs < 0 {
		secs = 0
	}

	var b strings.Builder
	fmt.Fprintf(&b, "\x1b[%dm%s\x1b[0m[%04d] %s",
		color, levelTag(r.Level), secs, r.Message)
	for b.Len() < msgColumnWidth {
		b.WriteByte(' ')
	}
	for _, a := range h.attrs {
		appendAttr(&b, color, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, color, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func appendAttr(b *strings.Builder, color int, group string, a slog.Attr) {
	key := qualify(group, a.Key)
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		for _, ga := range v.Group() {
			appendAttr(b, color, key, ga)
		}
		return
	}
	fmt.Fprintf(b, " \x1b[%dm%s\x1b[0m=%s", color, key, v.String())
}

func qualify(group, key string) string {
	if group == "" {
		return key
	}
	return group + "." + key
}

// levelTag is the four-character level name in the message prefix.
func levelTag(l slog.Level) string {
	s := l.String()
	if len(s) > 4 {
		s = s[:4]
	}
	return s
}
