package cli

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"

	"github.com/twoperson/slb/internal/config"
	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/twoperson/slb/internal/testutil"
)

func TestRunApprovedRequestExecute_Success(t *testing.T) {
	h := testutil.NewHarness(t)

	sess := testutil.MakeSession(t, h.DB, testutil.WithProject(h.ProjectDir))
	flagSessionID = sess.ID
	defer func() { flagSessionID = "" }()

	req := testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("echo approved", h.ProjectDir, true),
		testutil.WithStatus(db.StatusApproved),
	)

	cmd := &cobra.Command{Use: "test"}
	cmd.SetContext(context.Background())
	outBuf := &bytes.Buffer{}
	out := output.New(output.FormatText, output.WithOutput(outBuf))
	cfg := config.DefaultConfig()
	executor := core.NewExecutor(h.DB, nil)

	flagOutput = "text"
	exitCode, err := runApprovedRequestExecute(cmd, out, executor, cfg, h.ProjectDir, req.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exitCode)
	}

	updated, err := h.DB.GetRequest(req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != db.StatusExecuted {
		t.Errorf("expected status executed, got %s", updated.Status)
	}
}

func TestRunApprovedRequestExecute_NotApproved(t *testing.T) {
	h := testutil.NewHarness(t)

	sess := testutil.MakeSession(t, h.DB, testutil.WithProject(h.ProjectDir))
	flagSessionID = sess.ID
	defer func() { flagSessionID = "" }()

	req := testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("echo pending", h.ProjectDir, true),
		testutil.WithStatus(db.StatusPending),
	)

	cmd := &cobra.Command{Use: "test"}
	cmd.SetContext(context.Background())
	outBuf := &bytes.Buffer{}
	out := output.New(output.FormatText, output.WithOutput(outBuf))
	cfg := config.DefaultConfig()
	executor := core.NewExecutor(h.DB, nil)

	flagOutput = "text"
	exitCode, _ := runApprovedRequestExecute(cmd, out, executor, cfg, h.ProjectDir, req.ID)
	if exitCode != 1 {
		t.Errorf("expected exit code 1 for a non-approved request, got %d", exitCode)
	}
}
