package cacheclient

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Key namespace conventions (spec §4.3/§6.3). Stable across restarts and
// releases — any change is a breaking deployment.

// ResponseKey builds the key for a cached final LLM response.
func ResponseKey(normalizedPrompt, ctxFingerprint string) string {
	h := sha256.Sum256([]byte(normalizedPrompt + ctxFingerprint))
	return fmt.Sprintf("resp:%x", h)
}

// EmbeddingKey builds the key for a cached query embedding.
func EmbeddingKey(text string) string {
	h := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%x", h)
}

// ProfileKey builds the key for a cached user profile snapshot.
func ProfileKey(userID string) string {
	return "profile:" + userID
}

// HistoryKey builds the key for a cached last-N-messages snapshot.
func HistoryKey(sessionID string) string {
	return "history:" + sessionID
}

// RateLimitKey builds the key for a rate-limit counter, windowed to the
// minute boundary so concurrent requests in the same window share a counter.
func RateLimitKey(userID string, windowUnixSeconds int64) string {
	return fmt.Sprintf("rl:%s:%d", userID, windowUnixSeconds)
}

// NormalizePrompt lowercases, collapses internal whitespace, and strips
// leading/trailing punctuation from a prompt string before it is hashed into
// a response cache key.
func NormalizePrompt(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	return strings.Trim(s, ".,!?;:'\"")
}

// ContextFingerprint hashes the concatenated (role, content) of the last
// up-to-10 messages plus the retrieved source ids, in order, into a stable
// fingerprint for the response cache key.
func ContextFingerprint(turns []FingerprintTurn, sourceIDs []string) string {
	var sb strings.Builder
	for _, t := range turns {
		sb.WriteString(string(t.Role))
		sb.WriteByte('\x00')
		sb.WriteString(t.Content)
		sb.WriteByte('\x01')
	}
	for _, id := range sourceIDs {
		sb.WriteString(id)
		sb.WriteByte('\x01')
	}
	h := sha256.Sum256([]byte(sb.String()))
	return fmt.Sprintf("%x", h)
}

// FingerprintTurn is the minimal (role, content) pair needed to compute a
// context fingerprint, decoupled from model.ChatMessage to avoid an import
// cycle between cacheclient and model/chatservice.
type FingerprintTurn struct {
	Role    string
	Content string
}
