package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/ehr/carenudge/internal/platform/llm"
	"github.com/ehr/carenudge/internal/platform/metrics"
)

// TextGenerator is the optional AI provider. llm.Client satisfies it.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

const (
	maxTitleLen   = 200
	maxLabelLen   = 100
	maxMessageLen = 1000
	maxLinkLen    = 500
)

var errUnparsable = errors.New("unparsable provider response")

// ContentGenerator produces nudge text, preferring the AI provider and
// falling back to templates. Generate never fails.
type ContentGenerator struct {
	provider TextGenerator
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewContentGenerator builds a generator. A nil provider means every nudge
// uses its template. timeout bounds each provider call; zero leaves the
// caller's deadline in charge.
func NewContentGenerator(provider TextGenerator, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *ContentGenerator {
	return &ContentGenerator{
		provider: provider,
		timeout:  timeout,
		logger:   logger.With().Str("component", "nudge.content").Logger(),
		metrics:  m,
	}
}

func (g *ContentGenerator) Generate(ctx context.Context, fs *FeatureSummary, t Trigger) NudgeContent {
	fallback := Template(fs, t)
	if g.provider == nil {
		g.metrics.GenerationFallback.WithLabelValues("no_provider").Inc()
		return fallback
	}

	start := time.Now()
	content, err := g.fromProvider(ctx, fs, t, fallback)
	if err != nil {
		reason := fallbackReason(err)
		g.metrics.GenerationFallback.WithLabelValues(reason).Inc()
		g.metrics.GenerationDuration.WithLabelValues(string(SourceRule)).Observe(time.Since(start).Seconds())
		g.logger.Warn().Err(err).
			Str("trigger", string(t)).
			Str("reason", reason).
			Msg("falling back to template")
		return fallback
	}
	g.metrics.GenerationDuration.WithLabelValues(string(SourceLLM)).Observe(time.Since(start).Seconds())
	return content
}

func (g *ContentGenerator) fromProvider(ctx context.Context, fs *FeatureSummary, t Trigger, fallback NudgeContent) (NudgeContent, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	raw, err := g.provider.Generate(ctx, BuildPrompt(fs, t))
	if err != nil {
		return NudgeContent{}, err
	}
	content, err := ParseContent(raw, fallback)
	if err != nil {
		return NudgeContent{}, err
	}
	// Protected triggers keep at least their template priority.
	if protectedTriggers[t] && content.Priority.Rank() < fallback.Priority.Rank() {
		content.Priority = fallback.Priority
	}
	return content, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, llm.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, errUnparsable), errors.Is(err, llm.ErrEmptyResponse):
		return "unparsable"
	default:
		return "provider_error"
	}
}

type contentTemplate struct {
	title    string
	priority Priority
	label    string
	link     string
}

var templates = map[Trigger]contentTemplate{
	TriggerMissingLog:          {"Time to Check In", PriorityMedium, "Log Now", "/log"},
	TriggerDecliningScore:      {"Your Health Needs Attention", PriorityHigh, "View Insights", "/health-score"},
	TriggerImprovingScore:      {"Great Progress!", PriorityLow, "See Your Progress", "/health-score"},
	TriggerSleepDeficit:        {"Prioritize Your Rest", PriorityMedium, "Sleep Tips", "/insights/sleep"},
	TriggerMoodPattern:         {"Checking In On You", PriorityMedium, "Try a Breathing Exercise", "/wellness/mindfulness"},
	TriggerStreakCelebration:   {"You're on a Roll!", PriorityLow, "Keep It Up", "/log"},
	TriggerAppointmentReminder: {"Upcoming Appointment", PriorityHigh, "View Appointment", "/appointments"},
}

// Template returns the fixed content for t, personalized with fs.
func Template(fs *FeatureSummary, t Trigger) NudgeContent {
	tpl, ok := templates[t]
	if !ok {
		tpl = contentTemplate{"A Note From Your Care Team", PriorityLow, "Open App", "/"}
	}
	return NudgeContent{
		Title:       tpl.title,
		Message:     templateMessage(fs, t),
		Priority:    tpl.priority,
		ActionLabel: tpl.label,
		ActionLink:  tpl.link,
		Source:      SourceRule,
	}
}

func templateMessage(fs *FeatureSummary, t Trigger) string {
	if fs == nil {
		fs = &FeatureSummary{}
	}
	greeting := "Hi there"
	if fs.PatientName != "" {
		greeting = "Hi " + fs.PatientName
	}

	switch t {
	case TriggerMissingLog:
		if fs.DaysSinceLastLog >= NoLogDays {
			return greeting + ", logging how you feel helps your care team spot changes early. Add your first check-in today."
		}
		return fmt.Sprintf("%s, it's been %d days since your last check-in. A quick log keeps your care on track.", greeting, fs.DaysSinceLastLog)
	case TriggerDecliningScore:
		if fs.HealthScore != nil {
			return fmt.Sprintf("%s, your health score has dropped to %.0f. Take a look at what changed and consider reaching out to your care team.", greeting, *fs.HealthScore)
		}
		return greeting + ", your health score is trending down. Take a look at what changed and consider reaching out to your care team."
	case TriggerImprovingScore:
		if fs.HealthScore != nil {
			return fmt.Sprintf("%s, your health score is up to %.0f. Whatever you're doing is working.", greeting, *fs.HealthScore)
		}
		return greeting + ", your health score is improving. Whatever you're doing is working."
	case TriggerSleepDeficit:
		if fs.AvgSleepHours != nil {
			return fmt.Sprintf("%s, you've averaged %.1f hours of sleep this week. Small changes to your evening routine can help.", greeting, *fs.AvgSleepHours)
		}
		return greeting + ", you haven't been getting much sleep this week. Small changes to your evening routine can help."
	case TriggerMoodPattern:
		return greeting + ", your recent check-ins suggest things have been hard lately. A few minutes of mindful breathing can help."
	case TriggerStreakCelebration:
		return fmt.Sprintf("%s, you've logged %d times this week. Consistent tracking gives your care team a clearer picture.", greeting, fs.LogsLast7Days)
	case TriggerAppointmentReminder:
		if len(fs.Appointments) > 0 {
			a := fs.Appointments[0]
			provider := a.ProviderName
			if provider == "" {
				provider = "your provider"
			}
			return fmt.Sprintf("%s, you have an appointment with %s on %s.", greeting, provider, a.StartTime.UTC().Format("Jan 2 at 3:04 PM MST"))
		}
		return greeting + ", you have an appointment coming up in the next day."
	}
	return greeting + ", your care team has a suggestion for you."
}

// BuildPrompt grounds the request in the summary fields relevant to t.
func BuildPrompt(fs *FeatureSummary, t Trigger) string {
	if fs == nil {
		fs = &FeatureSummary{}
	}
	var b strings.Builder
	b.WriteString("Write one short, supportive health nudge for a patient.\n\n")
	fmt.Fprintf(&b, "Reason for the nudge: %s\n", t)

	b.WriteString("Patient context:\n")
	if fs.PatientName != "" {
		fmt.Fprintf(&b, "- First name: %s\n", fs.PatientName)
	}
	if fs.Age != nil {
		fmt.Fprintf(&b, "- Age: %d\n", *fs.Age)
	}
	switch t {
	case TriggerMissingLog:
		if fs.DaysSinceLastLog >= NoLogDays {
			b.WriteString("- The patient has never logged a check-in.\n")
		} else {
			fmt.Fprintf(&b, "- Days since last check-in: %d\n", fs.DaysSinceLastLog)
		}
	case TriggerDecliningScore, TriggerImprovingScore:
		if fs.HealthScore != nil {
			fmt.Fprintf(&b, "- Health score (0-100): %.0f\n", *fs.HealthScore)
		}
		fmt.Fprintf(&b, "- Score trend: %s\n", fs.Trend)
		if len(fs.RecentSymptoms) > 0 {
			fmt.Fprintf(&b, "- Recent symptoms: %s\n", strings.Join(fs.RecentSymptoms, ", "))
		}
	case TriggerSleepDeficit:
		if fs.AvgSleepHours != nil {
			fmt.Fprintf(&b, "- Average sleep over 7 days: %.1f hours\n", *fs.AvgSleepHours)
		}
	case TriggerMoodPattern:
		if fs.AvgMoodScore != nil {
			fmt.Fprintf(&b, "- Average mood over 7 days (1-5, higher is better): %.1f\n", *fs.AvgMoodScore)
		}
		if len(fs.RecentMoods) > 0 {
			fmt.Fprintf(&b, "- Recent moods: %s\n", strings.Join(fs.RecentMoods, ", "))
		}
	case TriggerStreakCelebration:
		fmt.Fprintf(&b, "- Check-ins logged in the last 7 days: %d\n", fs.LogsLast7Days)
	case TriggerAppointmentReminder:
		for _, a := range fs.Appointments {
			fmt.Fprintf(&b, "- Appointment at %s", a.StartTime.UTC().Format(time.RFC3339))
			if a.ProviderName != "" {
				fmt.Fprintf(&b, " with %s", a.ProviderName)
			}
			b.WriteString("\n")
		}
	}

	tpl := templates[t]
	fmt.Fprintf(&b, "\nSuggested call to action: %q linking to %q.\n", tpl.label, tpl.link)
	b.WriteString(`
Do not diagnose or give medical advice. Keep the message under 60 words.
Respond with a single JSON object and nothing else, using exactly these keys:
{"title": string, "message": string, "reasoning": string, "priority": "low"|"medium"|"high", "actionLabel": string, "actionLink": string}`)
	return b.String()
}

type providerContent struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	Reasoning   string `json:"reasoning"`
	Priority    string `json:"priority"`
	ActionLabel string `json:"actionLabel"`
	ActionLink  string `json:"actionLink"`
}

// ParseContent decodes a provider reply. Surrounding code fences and prose
// are stripped. Title and message are required; any other missing or
// invalid field takes its value from fallback.
func ParseContent(raw string, fallback NudgeContent) (NudgeContent, error) {
	body := extractJSONObject(raw)
	if body == "" {
		return NudgeContent{}, fmt.Errorf("%w: no JSON object", errUnparsable)
	}
	var pc providerContent
	if err := json.Unmarshal([]byte(body), &pc); err != nil {
		return NudgeContent{}, fmt.Errorf("%w: %v", errUnparsable, err)
	}

	title := strings.TrimSpace(pc.Title)
	message := strings.TrimSpace(pc.Message)
	if title == "" || message == "" {
		return NudgeContent{}, fmt.Errorf("%w: missing title or message", errUnparsable)
	}

	out := NudgeContent{
		Title:       truncate(title, maxTitleLen),
		Message:     truncate(message, maxMessageLen),
		Priority:    fallback.Priority,
		ActionLabel: fallback.ActionLabel,
		ActionLink:  fallback.ActionLink,
		Source:      SourceLLM,
	}
	if r := strings.TrimSpace(pc.Reasoning); r != "" {
		out.Reasoning = &r
	}
	if p := Priority(strings.ToLower(strings.TrimSpace(pc.Priority))); p.Valid() {
		out.Priority = p
	}
	if l := strings.TrimSpace(pc.ActionLabel); l != "" {
		out.ActionLabel = truncate(l, maxLabelLen)
	}
	// Only in-app paths that fit the column are accepted as links.
	if l := strings.TrimSpace(pc.ActionLink); strings.HasPrefix(l, "/") && !strings.HasPrefix(l, "//") && utf8.RuneCountInString(l) <= maxLinkLen {
		out.ActionLink = l
	}
	return out, nil
}

func extractJSONObject(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
