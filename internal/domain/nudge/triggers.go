package nudge

const (
	missingLogDays      = 2
	lowScoreThreshold   = 40.0
	highScoreThreshold  = 70.0
	sleepDeficitHours   = 6.0
	lowMoodThreshold    = 2.5
	streakLogsThreshold = 7
)

// Trend values as reported by the health score.
const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// EvaluateTriggers returns every trigger whose condition holds for fs, in
// evaluation order. Declining is checked before improving.
func EvaluateTriggers(fs *FeatureSummary) []Trigger {
	if fs == nil {
		return nil
	}
	var fired []Trigger

	if fs.DaysSinceLastLog >= missingLogDays {
		fired = append(fired, TriggerMissingLog)
	}
	if fs.Trend == TrendDeclining || (fs.HealthScore != nil && *fs.HealthScore < lowScoreThreshold) {
		fired = append(fired, TriggerDecliningScore)
	}
	if fs.Trend == TrendImproving && fs.HealthScore != nil && *fs.HealthScore > highScoreThreshold {
		fired = append(fired, TriggerImprovingScore)
	}
	if fs.AvgSleepHours != nil && *fs.AvgSleepHours < sleepDeficitHours {
		fired = append(fired, TriggerSleepDeficit)
	}
	if fs.AvgMoodScore != nil && *fs.AvgMoodScore < lowMoodThreshold {
		fired = append(fired, TriggerMoodPattern)
	}
	if fs.LogsLast7Days >= streakLogsThreshold {
		fired = append(fired, TriggerStreakCelebration)
	}
	if len(fs.Appointments) > 0 {
		fired = append(fired, TriggerAppointmentReminder)
	}
	return fired
}
