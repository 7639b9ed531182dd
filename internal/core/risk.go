// Package core implements the authorization pipeline: normalization, risk
// classification, session/request/review lifecycle, and execution gating.
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/twoperson/slb/internal/config"
	"github.com/twoperson/slb/internal/db"
)

// Re-export db types so callers can write core.RiskTier instead of db.RiskTier.
type (
	RiskTier      = db.RiskTier
	RequestStatus = db.RequestStatus
	Decision      = db.Decision
	Session       = db.Session
	Request       = db.Request
	Review        = db.Review
	CommandSpec   = db.CommandSpec
	Justification = db.Justification
)

const (
	RiskTierCritical  = db.RiskTierCritical
	RiskTierDangerous = db.RiskTierDangerous
	RiskTierCaution   = db.RiskTierCaution
	RiskTierSafe      = db.RiskTierSafe

	StatusPending         = db.StatusPending
	StatusApproved        = db.StatusApproved
	StatusRejected        = db.StatusRejected
	StatusExecuting       = db.StatusExecuting
	StatusExecuted        = db.StatusExecuted
	StatusExecutionFailed = db.StatusExecutionFailed
	StatusCancelled       = db.StatusCancelled
	StatusTimeout         = db.StatusTimeout
	StatusTimedOut        = db.StatusTimedOut
	StatusEscalated       = db.StatusEscalated

	DecisionApprove = db.DecisionApprove
	DecisionReject  = db.DecisionReject
)

// compiledRule is one compiled pattern within a tier, carrying the tier's
// approval policy so a match fully determines the classification outcome.
type compiledRule struct {
	tier    db.RiskTier
	pattern string
	re      *regexp.Regexp
	policy  config.PatternTierConfig
}

// MatchResult is the outcome of classifying a single command.
type MatchResult struct {
	Tier                 RiskTier
	NeedsApproval         bool
	IsSafe                bool
	MatchedRule           string
	MinApprovals          int
	DynamicQuorumEnabled  bool
	DynamicQuorumFloor    int
	AutoApproveDelaySecs  int
	ParseFallback         bool
}

// PatternEngine classifies commands against compiled critical/dangerous/
// caution/safe pattern tiers, layered with custom patterns loaded from the
// store. Tier precedence is fixed: critical beats dangerous beats caution
// beats safe, so a command matching rules in multiple tiers always takes the
// most restrictive one.
type PatternEngine struct {
	mu    sync.RWMutex
	rules []compiledRule // ordered critical, dangerous, caution, safe
}

var (
	defaultEngineOnce sync.Once
	defaultEngine     *PatternEngine
)

// GetDefaultEngine returns a process-wide engine compiled from
// config.DefaultConfig()'s pattern tiers. Callers wanting custom or
// database-backed patterns should use NewPatternEngine instead.
func GetDefaultEngine() *PatternEngine {
	defaultEngineOnce.Do(func() {
		defaultEngine = NewPatternEngine(config.DefaultConfig().Patterns)
	})
	return defaultEngine
}

// NewPatternEngine compiles a PatternEngine from the given tier configuration.
// Patterns that fail to compile are skipped rather than failing the whole
// engine, since a single malformed custom pattern shouldn't disable the
// built-in defaults.
func NewPatternEngine(cfg config.PatternsConfig) *PatternEngine {
	e := &PatternEngine{}
	e.compile(cfg)
	return e
}

func (e *PatternEngine) compile(cfg config.PatternsConfig) {
	var rules []compiledRule
	for _, tc := range []struct {
		tier   db.RiskTier
		policy config.PatternTierConfig
	}{
		{db.RiskTierCritical, cfg.Critical},
		{db.RiskTierDangerous, cfg.Dangerous},
		{db.RiskTierCaution, cfg.Caution},
		{db.RiskTierSafe, cfg.Safe},
	} {
		for _, p := range tc.policy.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				continue
			}
			rules = append(rules, compiledRule{tier: tc.tier, pattern: p, re: re, policy: tc.policy})
		}
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()
}

// LoadCustomPatterns layers active custom patterns from the store on top of
// the compiled-in defaults, recompiling the engine's rule set.
func (e *PatternEngine) LoadCustomPatterns(cfg config.PatternsConfig, custom []*db.CustomPattern) {
	for _, cp := range custom {
		var policy config.PatternTierConfig
		switch cp.Tier {
		case db.RiskTierCritical:
			policy = cfg.Critical
		case db.RiskTierDangerous:
			policy = cfg.Dangerous
		case db.RiskTierCaution:
			policy = cfg.Caution
		default:
			policy = cfg.Safe
		}
		policy.Patterns = append(policy.Patterns, cp.Pattern)
		switch cp.Tier {
		case db.RiskTierCritical:
			cfg.Critical = policy
		case db.RiskTierDangerous:
			cfg.Dangerous = policy
		case db.RiskTierCaution:
			cfg.Caution = policy
		default:
			cfg.Safe = policy
		}
	}
	e.compile(cfg)
}

// ClassifyCommand classifies a raw command string against the engine's
// compiled rules. Normalization happens first so wrapper prefixes (sudo,
// env, time, ...) and shell -c indirection don't let a command dodge its
// true tier; each normalized segment is matched independently and the
// highest-precedence tier across all segments wins.
func (e *PatternEngine) ClassifyCommand(cmd, cwd string) *MatchResult {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	normalized := NormalizeCommand(cmd)
	candidates := normalized.Segments
	if len(candidates) == 0 {
		candidates = []string{cmd}
	}
	resolved := make([]string, 0, len(candidates))
	for _, seg := range candidates {
		resolved = append(resolved, ResolvePathsInCommand(seg, cwd))
	}

	var best *compiledRule
	for i := range rules {
		r := &rules[i]
		for _, seg := range resolved {
			if r.re.MatchString(seg) || r.re.MatchString(cmd) {
				if best == nil || tierRank(r.tier) < tierRank(best.tier) {
					best = r
				}
				break
			}
		}
	}

	result := &MatchResult{ParseFallback: normalized.ParseError}

	if best == nil {
		// No rule matched: default-deny to dangerous rather than silently
		// letting an unrecognized destructive command through as safe.
		result.Tier = db.RiskTierDangerous
		result.NeedsApproval = true
		result.MinApprovals = 1
		return result
	}

	result.Tier = best.tier
	result.MatchedRule = best.pattern
	result.MinApprovals = best.policy.MinApprovals
	result.DynamicQuorumEnabled = best.policy.DynamicQuorum
	result.DynamicQuorumFloor = best.policy.DynamicQuorumFloor
	result.AutoApproveDelaySecs = best.policy.AutoApproveDelaySeconds

	if best.tier == db.RiskTierSafe {
		result.IsSafe = true
		result.NeedsApproval = false
	} else {
		result.NeedsApproval = true
	}

	// A parse failure (couldn't safely tokenize) upgrades caution/safe to
	// dangerous: we can't prove the command is benign, so we stop trusting
	// the optimistic classification.
	if result.ParseFallback && tierRank(result.Tier) >= tierRank(db.RiskTierCaution) {
		result.Tier = db.RiskTierDangerous
		result.IsSafe = false
		result.NeedsApproval = true
		if result.MinApprovals < 1 {
			result.MinApprovals = 1
		}
	}

	return result
}

func tierRank(t db.RiskTier) int {
	switch t {
	case db.RiskTierCritical:
		return 0
	case db.RiskTierDangerous:
		return 1
	case db.RiskTierCaution:
		return 2
	default:
		return 3
	}
}

// MinApprovalsForTier returns a fixed approval count per risk tier: 0 for
// safe, 2 for critical and 1 for every other tier, caution included. It does
// not read the pattern configuration, whose default caution tier needs 0.
func MinApprovalsForTier(tier RiskTier) int {
	switch tier {
	case db.RiskTierSafe:
		return 0
	case db.RiskTierCritical:
		return 2
	default:
		return 1
	}
}

// IsSafeTier reports whether the tier represents a safe/no-approval command.
func IsSafeTier(tier RiskTier) bool {
	return tier == db.RiskTierSafe
}

// ErrNoMatchingTier is returned by callers that require an explicit match
// and treat the default-deny fallback as an error instead.
var ErrNoMatchingTier = fmt.Errorf("command did not match any configured pattern tier")

// PatternCount returns the number of compiled rules currently loaded,
// across all tiers. Used by the daemon's hook_health check so an
// integrating agent host can detect a misconfigured (empty) rule set.
func (e *PatternEngine) PatternCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// PatternHash returns a short fingerprint of the compiled rule set, so a
// hook integration can detect when the daemon's patterns have changed
// (e.g. after a config reload) without fetching the whole list.
func (e *PatternEngine) PatternHash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := sha256.New()
	for _, r := range e.rules {
		h.Write([]byte(string(r.tier)))
		h.Write([]byte{0})
		h.Write([]byte(r.pattern))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
