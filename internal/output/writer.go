package output

import (
	"fmt"
	"io"
	"os"
	"sort"
)

// Format selects how a Writer renders values. It is plain string-based so
// callers can build it directly from a --output flag.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Writer renders command results in a chosen Format. Unlike the package-level
// OutputJSON/OutputNDJSON helpers (which always write to os.Stdout),
// a Writer lets each command pick its own format and destination explicitly,
// e.g. from a --output flag, and lets tests capture output in a buffer.
type Writer struct {
	format Format
	w      io.Writer
}

// Option configures a Writer constructed with New.
type Option func(*Writer)

// WithOutput redirects a Writer's output away from os.Stdout, primarily for
// tests that want to assert on rendered content.
func WithOutput(w io.Writer) Option {
	return func(out *Writer) {
		out.w = w
	}
}

// New returns a Writer for the given format. Any value other than
// FormatJSON/"json" falls back to text. Writes go to os.Stdout unless
// overridden with WithOutput.
func New(format Format, opts ...Option) *Writer {
	if format != FormatJSON {
		format = FormatText
	}
	out := &Writer{format: format, w: os.Stdout}
	for _, opt := range opts {
		opt(out)
	}
	return out
}

// Write renders v according to the Writer's format. For text mode, a
// map[string]any is rendered as sorted "key: value" lines; any other value
// falls back to fmt.Fprintln.
func (w *Writer) Write(v any) error {
	if w.format == FormatJSON {
		enc := jsonEncoder(w.w)
		return enc.Encode(v)
	}

	if m, ok := v.(map[string]any); ok {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, err := fmt.Fprintf(w.w, "%s: %v\n", k, m[k]); err != nil {
				return err
			}
		}
		return nil
	}

	_, err := fmt.Fprintln(w.w, v)
	return err
}
