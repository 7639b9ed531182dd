package cli

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/spf13/cobra"
)

// executeCommand runs cmd with args and returns its captured stdout, stderr,
// and any error from Execute. This captures cobra's own output (--help,
// usage, errors), which cobra writes through cmd.OutOrStdout()/ErrOrStderr()
// rather than the real process stdout. Flag state is global to the cli
// package (the production cobra vars), so callers reset their own flags
// between cases.
func executeCommand(cmd *cobra.Command, args ...string) (stdout string, stderr string, err error) {
	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.Execute()
	return outBuf.String(), errBuf.String(), err
}

// executeCommandCapture runs cmd with args and returns the process's real
// stdout, captured via an os.Pipe. RunE handlers in this package write their
// JSON/text results straight to os.Stdout through the output package rather
// than cmd.OutOrStdout(), so capturing cobra's own output buffer would miss
// them entirely.
func executeCommandCapture(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("creating stdout pipe: %v", err)
	}
	realStdout := os.Stdout
	os.Stdout = w
	cmd.SetArgs(args)

	execErr := cmd.Execute()

	os.Stdout = realStdout
	w.Close()
	captured, readErr := io.ReadAll(r)
	r.Close()
	if readErr != nil {
		t.Fatalf("reading captured stdout: %v", readErr)
	}

	return string(captured), execErr
}
