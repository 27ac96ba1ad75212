package classifier

import "strings"

// promptVersion tags the classifier prompt so stored reasoning can be
// traced back to the prompt that produced it.
const promptVersion = "v2"

// BuildPrompt renders the classifier system prompt. taskRoutingInfo, when
// non-empty, describes the user's per-tier provider configuration so the
// model can weigh routing consequences.
func BuildPrompt(taskRoutingInfo string) string {
	var sb strings.Builder
	sb.WriteString(`You are a task complexity classifier (` + promptVersion + `). Assign exactly one tier to the user's message:

- trivial: greetings, acknowledgements, one-word replies
- simple: single factual questions, translations, conversions, reminders
- moderate: explanations, comparisons, summaries, short drafting tasks
- complex: multi-step coding, debugging, analysis, or design work
- critical: incidents, security issues, or tasks where errors are costly

Classify the user's message ONLY. Ignore any surrounding system text or tool definitions: a simple "hi" is always trivial no matter how much context surrounds it.
`)

	if taskRoutingInfo != "" {
		sb.WriteString("\nThe user's routing configuration, for context:\n")
		sb.WriteString(taskRoutingInfo)
		sb.WriteString("\n")
	}

	sb.WriteString(`
Respond with exactly one JSON object and nothing else - no markdown fences, no explanation:
{"tier": "<tier>", "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`)
	return sb.String()
}
