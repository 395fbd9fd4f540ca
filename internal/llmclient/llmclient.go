// Package llmclient implements the LLM Client component (spec §4.5):
// prompt assembly, a cache-only Peek, token-stream completion, and
// two-tier response caching. Grounded in gcpclient/genai.go's dual-mode
// SDK/REST Vertex AI client; no call here is retried.
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/model"
)

// TokenBudgetIn is the default input token budget before truncation kicks
// in (spec §4.5). Deployments override via config.Config.TokenBudgetIn.
const TokenBudgetIn = 3500

// Message is an ordered (role, content) pair. A call to Peek/
// CompleteStream passes a single system message, zero or more alternating
// user/assistant history messages, and a final user message, in that order.
type Message struct {
	Role    model.MessageRole
	Content string
}

// Options carries per-call context that does not belong in the message
// list itself: the retrieved sources, which feed the response cache's
// context fingerprint.
type Options struct {
	SourceIDs []string
}

// Backend is the minimal surface a concrete model provider must implement.
// messages passed to GenerateStream exclude the system message, which is
// passed separately (mirrors genai.GenerativeModel.SystemInstruction). The
// spec's synchronous complete() operation has no dedicated non-streaming
// call path here: Peek answers a cache hit without ever reaching the
// backend, and a miss is served by draining GenerateStream (see Peek and
// CompleteStream), so Backend carries no separate non-streaming method.
type Backend interface {
	GenerateStream(ctx context.Context, systemPrompt string, turns []Message) (<-chan string, <-chan error)
}

// Client is the LLM Client: prompt truncation and response caching sit in
// front of a Backend. Backend calls are not retried.
type Client struct {
	backend     Backend
	cache       cacheclient.Cache
	tokenBudget int
	responseTTL time.Duration

	statusMu sync.Mutex
	healthy  bool
	lastSeen time.Time
}

// New constructs a Client. cache may be nil to disable response caching.
// responseTTL overrides cacheclient.ResponseTTL when positive, letting
// config.Config.ResponseCacheTTL take effect.
func New(backend Backend, cache cacheclient.Cache, tokenBudgetIn int, responseTTL time.Duration) *Client {
	if tokenBudgetIn <= 0 {
		tokenBudgetIn = TokenBudgetIn
	}
	if responseTTL <= 0 {
		responseTTL = cacheclient.ResponseTTL
	}
	return &Client{backend: backend, cache: cache, tokenBudget: tokenBudgetIn, responseTTL: responseTTL, healthy: true}
}

// Status reports the backend's last-known-good state, derived from actual
// traffic rather than a synthetic probe call — a health check must not
// itself trigger a model load. healthy reflects the most recent finished
// CompleteStream: false after a Transient-kind failure, true after a
// success or any other failure; caller cancellations are not recorded.
// since reports when that status was last updated, or the zero time if no
// stream has finished yet.
func (c *Client) Status() (healthy bool, since time.Time) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.healthy, c.lastSeen
}

func (c *Client) recordStatus(err error) {
	if err != nil && errors.Is(err, context.Canceled) {
		return
	}
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.healthy = err == nil || !errors.Is(err, apperr.Transient)
	c.lastSeen = time.Now()
}

// Peek reports whether a response is already cached for messages/opts,
// without ever touching the backend (spec §4.5's check-before-generate
// step, run by the Chat Service ahead of CompleteStream). ok is false when
// caching is disabled, messages has no cacheable final user turn, or there
// is simply no entry yet — none of those are errors, only err's presence
// is, which happens solely when messages itself is malformed.
func (c *Client) Peek(ctx context.Context, messages []Message, opts Options) (text string, ok bool, err error) {
	_, turns, final, err := splitMessages(messages)
	if err != nil {
		return "", false, fmt.Errorf("llmclient.Peek: %w", err)
	}
	turns = truncateToBudget(turns, final, c.tokenBudget)

	key := c.responseCacheKey(final, turns, opts.SourceIDs)
	if c.cache == nil || key == "" {
		return "", false, nil
	}
	raw, hit := c.cache.Get(ctx, key)
	if !hit {
		return "", false, nil
	}
	return string(raw), true, nil
}

// CompleteStream performs a lazy token-stream completion. The stream does
// not consult the cache, but writes the completed text on a clean EOS
// (spec §4.5); on error or caller cancellation nothing is cached.
func (c *Client) CompleteStream(ctx context.Context, messages []Message, opts Options) (<-chan string, <-chan error) {
	outCh := make(chan string, 64)
	errCh := make(chan error, 1)

	system, turns, final, err := splitMessages(messages)
	if err != nil {
		go func() {
			defer close(outCh)
			defer close(errCh)
			errCh <- fmt.Errorf("llmclient.CompleteStream: %w", err)
		}()
		return outCh, errCh
	}
	turns = truncateToBudget(turns, final, c.tokenBudget)
	key := c.responseCacheKey(final, turns, opts.SourceIDs)

	inCh, inErrCh := c.backend.GenerateStream(ctx, system, append(turns, final))

	go func() {
		defer close(outCh)
		defer close(errCh)

		var sb strings.Builder
		for delta := range inCh {
			sb.WriteString(delta)
			select {
			case outCh <- delta:
			case <-ctx.Done():
				return
			}
		}

		if err := <-inErrCh; err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			classified := classifyBackendError(err)
			c.recordStatus(classified)
			errCh <- classified
			return
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		c.recordStatus(nil)
		if c.cache != nil && key != "" {
			c.cache.Set(context.WithoutCancel(ctx), key, []byte(sb.String()), c.responseTTL)
		}
	}()

	return outCh, errCh
}

// responseCacheKey builds the resp:{...} key (spec §4.3) from the final
// user message and the preceding context, or "" when final is empty.
func (c *Client) responseCacheKey(final Message, turns []Message, sourceIDs []string) string {
	if final.Content == "" {
		return ""
	}
	normalized := cacheclient.NormalizePrompt(final.Content)
	fp := cacheclient.ContextFingerprint(toFingerprintTurns(turns), sourceIDs)
	return cacheclient.ResponseKey(normalized, fp)
}

func toFingerprintTurns(turns []Message) []cacheclient.FingerprintTurn {
	out := make([]cacheclient.FingerprintTurn, len(turns))
	for i, t := range turns {
		out[i] = cacheclient.FingerprintTurn{Role: string(t.Role), Content: t.Content}
	}
	return out
}

// splitMessages validates the documented shape (system first, final user
// last) and returns the three pieces consumed by Peek/CompleteStream.
// Vertex AI's single-system-instruction model has no notion of a second,
// later system message, so any system-role message beyond the first
// (e.g. prompt.go's context block, which the spec places immediately
// before the question) is folded into the system prompt in order rather
// than passed to the backend as a turn.
func splitMessages(messages []Message) (system string, turns []Message, final Message, err error) {
	if len(messages) < 2 {
		return "", nil, Message{}, apperr.Wrap(apperr.InputError, "llmclient: need at least a system message and a final user message")
	}
	if messages[0].Role != model.RoleSystem {
		return "", nil, Message{}, apperr.Wrap(apperr.InputError, "llmclient: first message must have role system")
	}
	last := messages[len(messages)-1]
	if last.Role != model.RoleUser {
		return "", nil, Message{}, apperr.Wrap(apperr.InputError, "llmclient: last message must have role user")
	}

	var systemParts []string
	systemParts = append(systemParts, messages[0].Content)
	for _, m := range messages[1 : len(messages)-1] {
		if m.Role == model.RoleSystem {
			systemParts = append(systemParts, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(systemParts, "\n\n"), turns, last, nil
}

// truncateToBudget drops the oldest non-system history message until the
// estimated input token count fits budget, always preserving final.
func truncateToBudget(turns []Message, final Message, budget int) []Message {
	total := estimateTokens(final.Content)
	for _, t := range turns {
		total += estimateTokens(t.Content)
	}
	out := turns
	for total > budget && len(out) > 0 {
		total -= estimateTokens(out[0].Content)
		out = out[1:]
	}
	return out
}

// estimateTokens approximates token count as words * 1.3, the convention
// used elsewhere in this codebase's chunking/usage estimation.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

// classifyBackendError maps a raw backend error into the §4.5 failure
// taxonomy: ModelUnavailable is retriable (apperr.Transient), ContextTooLong
// is not (apperr.InputError).
func classifyBackendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "context") && (strings.Contains(msg, "too long") || strings.Contains(msg, "token limit") || strings.Contains(msg, "exceeds")) {
		return fmt.Errorf("llmclient: %w: %v", apperr.InputError, err)
	}
	return fmt.Errorf("llmclient: %w: %v", apperr.Transient, err)
}
