package cli

import (
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"

	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/testutil"
)

func newTestHistoryCmd(dbPath string) *cobra.Command {
	root := &cobra.Command{Use: "slb", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringVar(&flagDB, "db", dbPath, "database path")
	root.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "output format")
	root.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "json output")
	root.PersistentFlags().StringVarP(&flagProject, "project", "C", "", "project directory")
	root.AddCommand(historyCmd)
	return root
}

func resetHistoryFlags() {
	flagDB = ""
	flagOutput = "text"
	flagJSON = false
	flagProject = ""
	flagHistoryLimit = 50
	flagHistorySearch = ""
	flagHistoryStatus = ""
}

func TestHistoryCommand_ListsAllByDefault(t *testing.T) {
	h := testutil.NewHarness(t)
	resetHistoryFlags()

	sess := testutil.MakeSession(t, h.DB, testutil.WithProject(h.ProjectDir))
	testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("git push --force", h.ProjectDir, true),
		testutil.WithRisk(db.RiskTierDangerous),
		testutil.WithStatus(db.StatusRejected),
	)
	testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("rm -rf ./build", h.ProjectDir, true),
		testutil.WithRisk(db.RiskTierDangerous),
	)

	cmd := newTestHistoryCmd(h.DBPath)
	stdout, err := executeCommandCapture(t, cmd, "history", "-C", h.ProjectDir, "-j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result []map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nstdout: %s", err, stdout)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 requests in history, got %d", len(result))
	}
}

func TestHistoryCommand_FiltersByStatus(t *testing.T) {
	h := testutil.NewHarness(t)
	resetHistoryFlags()

	sess := testutil.MakeSession(t, h.DB, testutil.WithProject(h.ProjectDir))
	testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("git push --force", h.ProjectDir, true),
		testutil.WithRisk(db.RiskTierDangerous),
		testutil.WithStatus(db.StatusRejected),
	)
	testutil.MakeRequest(t, h.DB, sess,
		testutil.WithCommand("rm -rf ./build", h.ProjectDir, true),
		testutil.WithRisk(db.RiskTierDangerous),
	)

	flagHistoryStatus = string(db.StatusRejected)
	cmd := newTestHistoryCmd(h.DBPath)
	stdout, err := executeCommandCapture(t, cmd, "history", "-C", h.ProjectDir, "-j")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result []map[string]any
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nstdout: %s", err, stdout)
	}
	if len(result) != 1 {
		t.Fatalf("expected 1 rejected request, got %d", len(result))
	}
	if result[0]["status"] != string(db.StatusRejected) {
		t.Errorf("expected status=rejected, got %v", result[0]["status"])
	}
}
