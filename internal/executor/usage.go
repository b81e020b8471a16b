package executor

import (
	"strings"

	"github.com/arjhun-personal/ralph-orchestrator/internal/jsonutil"
)

// Usage is the cost/token report parsed from the agent's stream-json
// output.
type Usage struct {
	CostUSD   float64
	TokensIn  uint64
	TokensOut uint64
}

// parseUsage scans stdout for a trailing stream-json result line of the
// form {"type":"result","total_cost_usd":...,"usage":{...}}. Agents that
// don't emit one simply report zero cost.
func parseUsage(stdout string) (Usage, bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var obj map[string]any
		if !jsonutil.UnmarshalLineSafe(line, &obj) {
			continue
		}
		if jsonutil.GetString(obj, "type") != "result" {
			continue
		}

		var usage Usage
		if cost, ok := obj["total_cost_usd"].(float64); ok {
			usage.CostUSD = cost
		} else if cost, ok := obj["cost_usd"].(float64); ok {
			usage.CostUSD = cost
		}
		if u, ok := obj["usage"].(map[string]any); ok {
			if v, ok := u["input_tokens"].(float64); ok && v >= 0 {
				usage.TokensIn = uint64(v)
			}
			if v, ok := u["output_tokens"].(float64); ok && v >= 0 {
				usage.TokensOut = uint64(v)
			}
		}
		return usage, true
	}
	return Usage{}, false
}
