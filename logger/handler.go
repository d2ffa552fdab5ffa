package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// createHandler creates the appropriate slog.Handler based on format
func createHandler(format string, level slog.Leveler, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(output, opts)
	case "text":
		return slog.NewTextHandler(output, opts)
	default:
		// "color" and unknown formats: color on a terminal, text otherwise
		if isTerminal(output) {
			return NewColorHandler(output, opts)
		}
		return slog.NewTextHandler(output, opts)
	}
}

// isTerminal checks if the writer is a terminal
func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// ColorHandler writes one line per record with an ANSI-colored level.
// Attributes added through WithAttrs/WithGroup are rendered on every line.
type ColorHandler struct {
	output io.Writer
	opts   *slog.HandlerOptions
	mu     *sync.Mutex
	prefix string // preformatted attributes from WithAttrs
	group  string // dotted group prefix from WithGroup
}

// NewColorHandler creates a new ColorHandler
func NewColorHandler(output io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorHandler{
		output: output,
		opts:   opts,
		mu:     &sync.Mutex{},
	}
}

// Enabled reports whether the handler handles records at the given level
func (h *ColorHandler) Enabled(_ context.Context, level slog.Level) bool {
	minimum := slog.LevelInfo
	if h.opts.Level != nil {
		minimum = h.opts.Level.Level()
	}
	return level >= minimum
}

// Handle handles the Record with color-coded output
func (h *ColorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "time=%s level=%s msg=%q",
		r.Time.Format("15:04:05.000"),
		colorizeLevel(r.Level),
		r.Message)
	b.WriteString(h.prefix)

	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.output, b.String())
	return err
}

// WithAttrs returns a new Handler with additional attributes
func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.prefix)
	for _, a := range attrs {
		writeAttr(&b, h.group, a)
	}
	clone := *h
	clone.prefix = b.String()
	return &clone
}

// WithGroup returns a new Handler with the given group
func (h *ColorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.group = h.group + name + "."
	return &clone
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, inner := range a.Value.Group() {
			writeAttr(b, group+a.Key+".", inner)
		}
		return
	}
	fmt.Fprintf(b, " %s%s=%v", group, color.CyanString(a.Key), a.Value)
}

// colorizeLevel returns the level string with ANSI color codes
func colorizeLevel(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return color.CyanString("DEBUG")
	case level < slog.LevelWarn:
		return color.GreenString("INFO")
	case level < slog.LevelError:
		return color.YellowString("WARN")
	default:
		return color.RedString("ERROR")
	}
}
