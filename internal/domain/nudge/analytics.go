package nudge

import "math"

// ComputeStats aggregates closed nudges. Live nudges in items are ignored.
// Rates are rounded percentages and are 0 when their denominator is 0.
func ComputeStats(items []*Nudge) *EffectivenessStats {
	st := &EffectivenessStats{ByTrigger: make(map[Trigger]*TriggerStats)}
	for _, n := range items {
		if n == nil || !n.Status.Terminal() {
			continue
		}
		bt, ok := st.ByTrigger[n.Trigger]
		if !ok {
			bt = &TriggerStats{}
			st.ByTrigger[n.Trigger] = bt
		}

		st.Total++
		bt.Total++
		if n.Effectiveness.ActionTaken.Acted() {
			st.Acted++
			bt.Acted++
		}
		if n.Status == StatusDismissed {
			st.Dismissed++
			bt.Dismissed++
		}
		if n.Effectiveness.ActionCompleted {
			st.Completed++
			bt.Completed++
		}
	}
	st.ActionRate = percent(st.Acted, st.Total)
	st.CompletionRate = percent(st.Completed, st.Acted)
	return st
}

func percent(num, den int) int {
	if den == 0 {
		return 0
	}
	return int(math.Round(float64(num) / float64(den) * 100))
}
