package control

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shehryarbajwa/browserbase-copilot/pkg/models"
)

// buildContextUpdate summarizes a closed human episode. Caller overrides
// win over derived values for the keys they name.
func buildContextUpdate(h *models.HumanControlSession, actionsSummary, endURL string, override map[string]any) *models.ContextUpdate {
	update := &models.ContextUpdate{
		ControlID:        h.ControlID,
		ActionsPerformed: len(h.Actions),
		ActionTypes:      make(map[string]int),
		GuidanceMessages: append([]string{}, h.Guidance...),
		StateChanges:     []string{},
		ActionsSummary:   actionsSummary,
		AgentState:       h.AgentState,
	}
	if h.EndTime != nil {
		update.Duration = h.EndTime.Sub(h.StartTime)
	}

	for _, a := range h.Actions {
		update.ActionTypes[a.Type]++
		if a.Success && a.Type == "navigate" && a.Target != "" {
			update.StateChanges = append(update.StateChanges, "navigated to "+a.Target)
		}
	}
	if h.StartURL != "" && endURL != "" && h.StartURL != endURL {
		update.StateChanges = append(update.StateChanges, fmt.Sprintf("url changed: %s -> %s", h.StartURL, endURL))
	}

	if update.ActionsSummary == "" {
		update.ActionsSummary = summarize(update.ActionTypes, update.ActionsPerformed)
	}

	if len(override) > 0 {
		update.Overrides = make(map[string]any, len(override))
		for k, v := range override {
			update.Overrides[k] = v
		}
		if v, ok := override["actionsSummary"].(string); ok {
			update.ActionsSummary = v
		}
		if v, ok := override["stateChanges"].([]string); ok {
			update.StateChanges = append(update.StateChanges, v...)
		}
	}

	return update
}

func summarize(types map[string]int, total int) string {
	if total == 0 {
		return "no human actions"
	}

	keys := make([]string, 0, len(types))
	for k := range types {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s x%d", k, types[k]))
	}
	return fmt.Sprintf("%d human action(s): %s", total, strings.Join(parts, ", "))
}
