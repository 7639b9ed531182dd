package cli

import (
	"fmt"

	"github.com/twoperson/slb/internal/config"
	"github.com/twoperson/slb/internal/core"
	"github.com/twoperson/slb/internal/db"
	"github.com/twoperson/slb/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagPatternsTier   string
	flagPatternsReason string
)

func init() {
	patternsCmd.AddCommand(patternsListCmd)
	patternsCmd.AddCommand(patternsTestCmd)
	patternsCmd.AddCommand(patternsAddCmd)
	patternsCmd.AddCommand(patternsRequestRemovalCmd)
	patternsCmd.AddCommand(patternsSuggestCmd)

	for _, c := range []*cobra.Command{patternsListCmd, patternsAddCmd, patternsRequestRemovalCmd, patternsSuggestCmd} {
		c.Flags().StringVar(&flagPatternsTier, "tier", "", "risk tier: critical|dangerous|caution|safe")
	}
	for _, c := range []*cobra.Command{patternsAddCmd, patternsRequestRemovalCmd, patternsSuggestCmd} {
		c.Flags().StringVar(&flagPatternsReason, "reason", "", "reason for this pattern change")
	}

	rootCmd.AddCommand(patternsCmd)
}

var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Inspect and govern risk-classification patterns",
	Long: `Pattern governance (spec.md §3's Pattern Change / Custom Pattern
entities). Agents may add patterns and suggest or request removal of
existing ones; removal requests are insert-only audit rows that only a
human reviewer resolves (spec.md §4.4's Pattern Change Non-goal on agent
self-removal).`,
}

var patternsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active custom patterns",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		patterns, err := dbConn.ListCustomPatterns(db.RiskTier(flagPatternsTier))
		if err != nil {
			return fmt.Errorf("listing patterns: %w", err)
		}

		result := make([]map[string]any, len(patterns))
		for i, p := range patterns {
			result[i] = map[string]any{
				"tier":       string(p.Tier),
				"pattern":    p.Pattern,
				"source":     p.Source,
				"created_at": p.CreatedAt,
			}
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(result)
	},
}

var patternsTestCmd = &cobra.Command{
	Use:   "test <command>",
	Short: "Classify a command without creating a request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectPath()
		if err != nil {
			return err
		}
		cfg, err := config.Load(config.LoadOptions{ProjectDir: project, ConfigPath: flagConfig})
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		engine := core.NewPatternEngine(cfg.Patterns)
		custom, err := dbConn.ListCustomPatterns("")
		if err != nil {
			return fmt.Errorf("loading custom patterns: %w", err)
		}
		engine.LoadCustomPatterns(cfg.Patterns, custom)

		result := engine.ClassifyCommand(args[0], project)

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"command":         args[0],
			"tier":            string(result.Tier),
			"matched_rule":    result.MatchedRule,
			"needs_approval":  result.NeedsApproval,
			"min_approvals":   result.MinApprovals,
			"dynamic_quorum":  result.DynamicQuorumEnabled,
			"parse_fallback":  result.ParseFallback,
		})
	},
}

var patternsAddCmd = &cobra.Command{
	Use:   "add <pattern>",
	Short: "Add a custom pattern to a tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}
		if flagPatternsTier == "" {
			return fmt.Errorf("--tier is required")
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		session, err := dbConn.GetSession(flagSessionID)
		if err != nil {
			return fmt.Errorf("getting session: %w", err)
		}

		source := "agent"
		if session.IsHuman {
			source = "human"
		}

		tier := db.RiskTier(flagPatternsTier)
		if err := dbConn.AddCustomPattern(&db.CustomPattern{Tier: tier, Pattern: args[0], Source: source}); err != nil {
			return fmt.Errorf("adding pattern: %w", err)
		}
		if _, err := dbConn.RecordPatternChange(&db.PatternChange{
			ChangeType:    db.PatternChangeTypeAdd,
			Tier:          tier,
			Pattern:       args[0],
			Reason:        flagPatternsReason,
			AuthorSession: flagSessionID,
		}); err != nil {
			return fmt.Errorf("recording pattern change: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{"status": "added", "tier": string(tier), "pattern": args[0]})
	},
}

var patternsRequestRemovalCmd = &cobra.Command{
	Use:   "request-removal <pattern>",
	Short: "Request removal of a pattern (requires human approval)",
	Long: `Record a removal request. Per spec.md §3's Pattern Change entity,
removal requests are insert-only audit rows resolved only by a human;
agents may request, but cannot themselves approve, a removal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}
		if flagPatternsTier == "" {
			return fmt.Errorf("--tier is required")
		}
		if flagPatternsReason == "" {
			return fmt.Errorf("--reason is required for a removal request")
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		id, err := dbConn.RecordPatternChange(&db.PatternChange{
			ChangeType:    db.PatternChangeTypeRemoveRequest,
			Tier:          db.RiskTier(flagPatternsTier),
			Pattern:       args[0],
			Reason:        flagPatternsReason,
			AuthorSession: flagSessionID,
			Status:        db.PatternChangeStatusPending,
		})
		if err != nil {
			return fmt.Errorf("recording removal request: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{
			"status":            "pattern_removal_requires_human",
			"pattern_change_id": id,
			"pattern":           args[0],
		})
	},
}

var patternsSuggestCmd = &cobra.Command{
	Use:   "suggest <pattern>",
	Short: "Suggest a new pattern for human review",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSessionID == "" {
			return fmt.Errorf("--session-id is required")
		}
		if flagPatternsTier == "" {
			return fmt.Errorf("--tier is required")
		}

		dbConn, err := db.OpenAndMigrate(GetDB())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer dbConn.Close()

		id, err := dbConn.RecordPatternChange(&db.PatternChange{
			ChangeType:    db.PatternChangeTypeSuggest,
			Tier:          db.RiskTier(flagPatternsTier),
			Pattern:       args[0],
			Reason:        flagPatternsReason,
			AuthorSession: flagSessionID,
			Status:        db.PatternChangeStatusPending,
		})
		if err != nil {
			return fmt.Errorf("recording suggestion: %w", err)
		}

		out := output.New(output.Format(GetOutput()))
		return out.Write(map[string]any{"status": "suggested", "pattern_change_id": id, "pattern": args[0]})
	},
}
