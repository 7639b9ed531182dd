package output

import (
	"encoding/json"
	"io"
	"os"
)

// ErrorPayload is the canonical JSON error shape.
type ErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(out *os.File, v any, pretty bool) error {
	enc := json.NewEncoder(out)
	if pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}

// jsonEncoder returns a pretty-printing encoder for an arbitrary io.Writer,
// used by Writer.Write so tests can capture rendered JSON in a buffer.
func jsonEncoder(w io.Writer) *json.Encoder {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc
}

// OutputJSON writes pretty-printed JSON to stdout.
func OutputJSON(v any) error {
	return writeJSON(os.Stdout, v, true)
}

// OutputNDJSON writes a single-line JSON object to stdout (NDJSON).
func OutputNDJSON(v any) error {
	return writeJSON(os.Stdout, v, false)
}

// OutputJSONError writes a structured error payload to stdout.
// The numeric code is included in details for machine handling.
func OutputJSONError(err error, code int) error {
	return OutputJSON(ErrorPayload{
		Error:   "error",
		Message: err.Error(),
		Details: map[string]any{"code": code},
	})
}
