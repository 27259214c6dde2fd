package agent

import "github.com/howardleegeek/opencrabs-sub001/internal/llm"

const (
	// toolSchemaTokens is the per-tool overhead reserved for declared
	// schemas in the request.
	toolSchemaTokens = 500

	// responseReserve is the fixed headroom kept for the model's
	// output.
	responseReserve = 16384

	// budgetFactor leaves slack for estimation error and provider-side
	// overhead.
	budgetFactor = 70
)

// TrimHistory returns the newest suffix of history that fits the turn
// budget. Messages are never split; empty messages are skipped without
// consuming budget. Persisted history is left untouched.
func TrimHistory(history []llm.Message, window, toolCount, brainChars int) []llm.Message {
	budget := historyBudget(window, toolCount, brainChars)
	if budget <= 0 {
		return nil
	}

	used := 0
	cut := 0
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		if isEmptyMessage(msg) {
			continue
		}
		cost := EstimateTokens(msg)
		if used+cost > budget {
			cut = i + 1
			break
		}
		used += cost
	}

	out := make([]llm.Message, 0, len(history)-cut)
	for _, msg := range history[cut:] {
		if isEmptyMessage(msg) {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func historyBudget(window, toolCount, brainChars int) int {
	budget := window - toolCount*toolSchemaTokens - brainChars/3 - responseReserve
	return budget * budgetFactor / 100
}
