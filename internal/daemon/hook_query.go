package daemon

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/twoperson/slb/internal/core"
)

// HookQueryParams is the payload for "hook_query": a synchronous
// command-classification request from an agent host's pre-execution hook,
// answered without ever touching the request store.
type HookQueryParams struct {
	Command string `json:"command"`
	CWD     string `json:"cwd,omitempty"`
}

// handleHookQuery classifies a candidate command the way a client would
// before ever creating a request, so a hook integration can short-circuit
// obviously-safe commands without round-tripping through the full
// classify-then-create flow.
func (s *IPCServer) handleHookQuery(req RPCRequest) RPCResponse {
	var params HookQueryParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return RPCResponse{ID: req.ID, Error: &RPCError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}}
		}
	}
	if params.Command == "" {
		return RPCResponse{ID: req.ID, Error: &RPCError{Code: ErrCodeInvalidParams, Message: "command is required"}}
	}

	match := core.GetDefaultEngine().ClassifyCommand(params.Command, params.CWD)

	action := "block"
	if core.IsSafeTier(match.Tier) {
		action = "allow"
	}

	return RPCResponse{ID: req.ID, Result: map[string]any{
		"action":        action,
		"tier":          string(match.Tier),
		"min_approvals": match.MinApprovals,
	}}
}

// handleHookHealth reports the daemon's classification engine health, so a
// hook integration can detect a dead or misconfigured daemon before
// relying on hook_query's verdicts.
func (s *IPCServer) handleHookHealth(req RPCRequest) RPCResponse {
	engine := core.GetDefaultEngine()
	s.mu.Lock()
	start := s.startTime
	s.mu.Unlock()
	if start.IsZero() {
		start = time.Now()
	}
	return RPCResponse{ID: req.ID, Result: map[string]any{
		"status":         "ok",
		"pattern_hash":   engine.PatternHash(),
		"pattern_count":  engine.PatternCount(),
		"uptime_seconds": time.Since(start).Seconds(),
	}}
}

// itoa is a minimal integer-to-decimal formatter used by CLI helpers that
// want a plain string without pulling in fmt.Sprintf for a single %d.
func itoa(n int) string {
	return strconv.Itoa(n)
}
