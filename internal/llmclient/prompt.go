package llmclient

import (
	"fmt"
	"strings"

	"github.com/connexus/finchat/internal/model"
)

// SystemTemplate holds the parameters used to build the system message
// (spec §4.5): a role description, a mandatory safety disclaimer, and an
// optional personalization block derived from a UserProfile.
const (
	roleDescription = "You are a personal finance coach: a helpful assistant that explains budgeting, saving, debt, and investing concepts in plain language."
	safetyDisclaimer = "You are not a licensed financial advisor. Nothing you say is individualized financial, legal, or tax advice. Encourage the user to consult a qualified professional for decisions with material financial consequences."
)

// BuildSystemMessage assembles the system message: role description,
// disclaimer, and an optional personalization block. Fields absent from
// profile are omitted from the personalization block entirely, never
// rendered as empty placeholders.
func BuildSystemMessage(profile *model.UserProfile) string {
	var sb strings.Builder
	sb.WriteString(roleDescription)
	sb.WriteString("\n\n")
	sb.WriteString(safetyDisclaimer)

	if profile == nil {
		return sb.String()
	}

	var lines []string
	if profile.Name != "" {
		lines = append(lines, fmt.Sprintf("The user's name is %s.", profile.Name))
	}
	if profile.Preferences != "" {
		lines = append(lines, fmt.Sprintf("Known preferences: %s.", profile.Preferences))
	}
	if profile.RiskTolerance != "" {
		lines = append(lines, fmt.Sprintf("Stated risk tolerance: %s.", profile.RiskTolerance))
	}
	if len(lines) == 0 {
		return sb.String()
	}

	sb.WriteString("\n\nPERSONALIZATION\n")
	sb.WriteString(strings.Join(lines, "\n"))
	return sb.String()
}

// BuildContextMessage renders the "RELEVANT CONTEXT" block (spec §4.5) from
// a RetrievalResult, numbering entries in result order. Returns "" when
// result carries no passages, so callers can skip injecting an empty
// message.
func BuildContextMessage(result model.RetrievalResult) string {
	if result.Empty() {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("RELEVANT CONTEXT\n")
	for i, sp := range result.Passages {
		fmt.Fprintf(&sb, "[%d] source: %s\n%s\n", i+1, sp.Passage.Source(), sp.Passage.Content)
	}
	return sb.String()
}

// AssembleMessages builds the full ordered message list consumed by
// Peek/CompleteStream: a single system message, the context block (as
// the last system message before the question, when non-empty), history in
// order, and the final user message.
func AssembleMessages(systemText, contextText string, history []Message, question string) []Message {
	messages := make([]Message, 0, len(history)+3)
	messages = append(messages, Message{Role: model.RoleSystem, Content: systemText})
	if contextText != "" {
		messages = append(messages, Message{Role: model.RoleSystem, Content: contextText})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: model.RoleUser, Content: question})
	return messages
}
