// Package chatservice implements the Chat Service component (spec §4.7):
// it orchestrates a single request/response cycle — parallel profile,
// history, and RAG prefetch; prompt assembly; streamed generation; and
// deferred, fire-and-forget persistence. Grounded in handler/chat.go's
// errgroup-based parallel prefetch and background-goroutine persistence
// pattern, generalized into a transport-independent service consumed by
// both the synchronous HTTP handler and the WebSocket streaming endpoint.
//
// The Chat Service owns nothing durable — it only coordinates the Cache
// Client, Conversation Store, RAG Retriever, and LLM Client. The
// multi-cycle handle lifecycle (INIT/AUTHENTICATED/ACTIVE/CLOSED) belongs
// to the Streaming Endpoint (internal/wsendpoint); SendMessage here runs
// exactly one cycle and returns.
package chatservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/convstore"
	"github.com/connexus/finchat/internal/llmclient"
	"github.com/connexus/finchat/internal/model"
)

// Default knobs (spec §4.7, overridden by config.Config in production).
const (
	DefaultMessageMaxChars = 2000
	DefaultHistoryN        = 10
	DefaultRAGTopK         = 5
	DefaultRAGThreshold    = 0.7
	DefaultPrefetchTimeout = 800 * time.Millisecond
)

// ProfileSource loads a user's profile from its source of truth, consulted
// only on a profile:{user_id} cache miss. A nil ProfileSource means profile
// personalization is never available.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID string) (*model.UserProfile, error)
}

// Retriever is the subset of retriever.Retriever the Chat Service needs.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float64) (model.RetrievalResult, error)
}

// LLMClient is the subset of llmclient.Client the Chat Service needs.
type LLMClient interface {
	Peek(ctx context.Context, messages []llmclient.Message, opts llmclient.Options) (text string, ok bool, err error)
	CompleteStream(ctx context.Context, messages []llmclient.Message, opts llmclient.Options) (<-chan string, <-chan error)
}

// Request is a single chat turn submitted by a caller.
type Request struct {
	Message    string
	SessionID  string // empty means "mint a fresh session id"
	UseRAG     bool
	UseHistory bool
}

// Event is one item delivered on a SendMessage stream. Exactly one event
// carries SessionID alone (sent first, before any generation has started);
// zero or more Delta events follow; the stream ends with either one Done
// event or one Err event, never both, unless ctx is canceled first, in which
// case the channel closes without either. Sources and Usage are only populated
// on the terminal Done event, for callers (the synchronous HTTP handler)
// that need the full-turn summary rather than each delta.
type Event struct {
	SessionID string
	Delta     string
	Done      bool
	Err       error
	Sources   []string
	Usage     Usage
}

// Usage reports accounting metadata for a completed turn. TokensOut is
// estimated with the same words*1.3 convention llmclient uses internally;
// no input-token count is reported, since CompleteStream does not report one.
type Usage struct {
	TokensOut int
	Cached    bool
}

// Config tunes the Chat Service's knobs; zero values fall back to the
// spec-documented defaults.
type Config struct {
	MessageMaxChars int
	HistoryN        int
	RAGTopK         int
	RAGThreshold    float64
	PrefetchTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MessageMaxChars <= 0 {
		c.MessageMaxChars = DefaultMessageMaxChars
	}
	if c.HistoryN <= 0 {
		c.HistoryN = DefaultHistoryN
	}
	if c.RAGTopK <= 0 {
		c.RAGTopK = DefaultRAGTopK
	}
	if c.RAGThreshold <= 0 {
		c.RAGThreshold = DefaultRAGThreshold
	}
	if c.PrefetchTimeout <= 0 {
		c.PrefetchTimeout = DefaultPrefetchTimeout
	}
	return c
}

// Service is the Chat Service.
type Service struct {
	conv     convstore.Store
	cache    cacheclient.Cache
	rag      Retriever
	llm      LLMClient
	profiles ProfileSource
	persist  *BackgroundExecutor

	cfg Config
}

// New constructs a Service. cache and profiles may be nil (personalization
// and cache-aside prefetch simply degrade to their failure case).
func New(conv convstore.Store, cache cacheclient.Cache, rag Retriever, llm LLMClient, profiles ProfileSource, persist *BackgroundExecutor, cfg Config) *Service {
	return &Service{
		conv:     conv,
		cache:    cache,
		rag:      rag,
		llm:      llm,
		profiles: profiles,
		persist:  persist,
		cfg:      cfg.withDefaults(),
	}
}

// SendMessage runs one chat cycle: validates the request, determines the
// session id, prefetches profile/history/RAG context under a deadline,
// assembles the prompt, and streams the LLM's response. The returned
// channel is closed exactly once, after the terminal Done or Err event, or
// without one if ctx is canceled before it is delivered.
func (s *Service) SendMessage(ctx context.Context, userID string, req Request) (<-chan Event, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return nil, apperr.Wrap(apperr.InputError, "chatservice.SendMessage: message is empty")
	}
	if len(req.Message) > s.cfg.MessageMaxChars {
		return nil, apperr.Wrap(apperr.InputError, "chatservice.SendMessage: message exceeds MESSAGE_MAX_CHARS")
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	events := make(chan Event, 16)
	go s.run(ctx, userID, sessionID, req, events)
	return events, nil
}

func (s *Service) run(ctx context.Context, userID, sessionID string, req Request, events chan<- Event) {
	defer close(events)

	// Emitted immediately so the caller can render the session before any
	// token arrives (spec §4.7 step 6), ahead of the prefetch deadline.
	events <- Event{SessionID: sessionID}

	profile, history, rag := s.prefetch(ctx, userID, sessionID, req)

	systemText := llmclient.BuildSystemMessage(profile)
	contextText := llmclient.BuildContextMessage(rag)
	messages := llmclient.AssembleMessages(systemText, contextText, toLLMMessages(history), req.Message)
	opts := llmclient.Options{SourceIDs: rag.Sources}

	// spec §4.5 check-before-generate: a cache hit answers the turn without
	// ever starting a stream, but the turn is still persisted as usual
	// (scenario: a repeated prompt still produces a new assistant message,
	// just one flagged cached=true).
	if cached, hit, err := s.llm.Peek(ctx, messages, opts); err == nil && hit {
		select {
		case events <- Event{SessionID: sessionID, Delta: cached}:
		case <-ctx.Done():
			s.schedulePersist(userID, sessionID, req.Message, "", 0, false, false)
			return
		}
		select {
		case events <- Event{
			SessionID: sessionID,
			Done:      true,
			Sources:   rag.Sources,
			Usage:     Usage{TokensOut: estimateTokens(cached), Cached: true},
		}:
		case <-ctx.Done():
		}
		s.schedulePersist(userID, sessionID, req.Message, cached, len(rag.Sources), true, true)
		return
	}

	deltaCh, errCh := s.llm.CompleteStream(ctx, messages, opts)

	var full strings.Builder
	for delta := range deltaCh {
		full.WriteString(delta)
		select {
		case events <- Event{SessionID: sessionID, Delta: delta}:
		case <-ctx.Done():
			// §4.7 step 9: on cancellation, persist the user message only.
			s.schedulePersist(userID, sessionID, req.Message, "", 0, false, false)
			return
		}
	}

	// CompleteStream guarantees errCh is closed (with a buffered send, if
	// any) before deltaCh closes, so this receive never blocks.
	streamErr := <-errCh

	if ctx.Err() != nil {
		// Upstream stopped forwarding deltas because the caller canceled;
		// errCh is nil in this case too (llmclient never reports
		// cancellation as an error), so ctx.Err() is the only signal.
		s.schedulePersist(userID, sessionID, req.Message, "", 0, false, false)
		return
	}

	if streamErr != nil {
		select {
		case events <- Event{SessionID: sessionID, Err: streamErr}:
		case <-ctx.Done():
		}
		// §4.7 step 9: a mid-stream error is treated the same as
		// cancellation — the assistant reply is never persisted partial.
		s.schedulePersist(userID, sessionID, req.Message, "", 0, false, false)
		return
	}

	select {
	case events <- Event{
		SessionID: sessionID,
		Done:      true,
		Sources:   rag.Sources,
		Usage:     Usage{TokensOut: estimateTokens(full.String())},
	}:
	case <-ctx.Done():
	}
	s.schedulePersist(userID, sessionID, req.Message, full.String(), len(rag.Sources), true, false)
}

// prefetchResult holds the three concurrently-fetched pieces of context.
type prefetchResult struct {
	profile *model.UserProfile
	history []model.ChatMessage
	rag     model.RetrievalResult
}

// prefetch runs the profile, history, and RAG lookups concurrently via
// errgroup (spec §5's "coroutine-style parallel prefetch"), but only waits
// up to PrefetchTimeout: any lookup not finished by the deadline is treated
// as its documented failure case rather than blocking the cycle further.
// The underlying goroutines are allowed to run to completion in the
// background (e.g. to populate the cache) even after the deadline passes.
func (s *Service) prefetch(ctx context.Context, userID, sessionID string, req Request) (*model.UserProfile, []model.ChatMessage, model.RetrievalResult) {
	var (
		mu  sync.Mutex
		res prefetchResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p := s.fetchProfile(gctx, userID)
		mu.Lock()
		res.profile = p
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		h := s.fetchHistory(gctx, userID, sessionID, req.UseHistory)
		mu.Lock()
		res.history = h
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		r := s.fetchRAG(gctx, req.Message, req.UseRAG)
		mu.Lock()
		res.rag = r
		mu.Unlock()
		return nil
	})

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.PrefetchTimeout):
		slog.Warn("chatservice: prefetch deadline exceeded, proceeding with partial context",
			"user_id", userID, "session_id", sessionID)
	}

	mu.Lock()
	defer mu.Unlock()
	return res.profile, res.history, res.rag
}

// fetchProfile checks profile:{user_id} before falling back to the
// ProfileSource (spec §4.7 step 3). Any failure degrades to profile=nil.
func (s *Service) fetchProfile(ctx context.Context, userID string) *model.UserProfile {
	key := cacheclient.ProfileKey(userID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var p model.UserProfile
			if err := json.Unmarshal(raw, &p); err == nil {
				return &p
			}
		}
	}
	if s.profiles == nil {
		return nil
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil || p == nil {
		return nil
	}
	if s.cache != nil {
		if raw, err := json.Marshal(p); err == nil {
			s.cache.Set(ctx, key, raw, cacheclient.ProfileTTL)
		}
	}
	return p
}

// fetchHistory checks history:{session_id} before falling back to the
// Conversation Store (spec §4.7 step 3). Any failure, including the
// session not existing yet, degrades to history=nil.
func (s *Service) fetchHistory(ctx context.Context, userID, sessionID string, useHistory bool) []model.ChatMessage {
	if !useHistory || sessionID == "" {
		return nil
	}

	key := cacheclient.HistoryKey(sessionID)
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, key); ok {
			var msgs []model.ChatMessage
			if err := json.Unmarshal(raw, &msgs); err == nil {
				return msgs
			}
		}
	}

	msgs, err := s.conv.ListRecentMessages(ctx, sessionID, userID, s.cfg.HistoryN)
	if err != nil {
		slog.Warn("chatservice: history prefetch failed, proceeding without history",
			"session_id", sessionID, "error", err)
		return nil
	}

	if s.cache != nil {
		if raw, err := json.Marshal(msgs); err == nil {
			s.cache.Set(ctx, key, raw, cacheclient.HistoryTTL)
		}
	}
	return msgs
}

// fetchRAG calls the RAG Retriever (spec §4.7 step 3). Any failure degrades
// to an empty RetrievalResult.
func (s *Service) fetchRAG(ctx context.Context, message string, useRAG bool) model.RetrievalResult {
	if !useRAG || s.rag == nil {
		return model.RetrievalResult{}
	}
	result, err := s.rag.Retrieve(ctx, message, s.cfg.RAGTopK, s.cfg.RAGThreshold)
	if err != nil {
		slog.Warn("chatservice: RAG prefetch failed, proceeding without context", "error", err)
		return model.RetrievalResult{}
	}
	return result
}

// schedulePersist enqueues the background persistence steps from spec §4.7
// step 8 (find_or_create_session, then append the user message, then —
// only when persistAssistant is true — append the assistant message, marked
// cached when it was answered from the response cache). The response cache
// write (step 8d) is already handled inside llmclient.CompleteStream on a
// clean EOS, so it is not duplicated here.
func (s *Service) schedulePersist(userID, sessionID, userMessage, assistantText string, sourcesCount int, persistAssistant, cached bool) {
	if s.persist == nil {
		return
	}
	s.persist.Submit(func(ctx context.Context) {
		sid, err := s.conv.FindOrCreateSession(ctx, userID, sessionID)
		if err != nil && errors.Is(err, apperr.NotFound) && sessionID != "" {
			// session_id named a session this user doesn't own (scenario:
			// a client replays another user's session id) — fall back to
			// minting a fresh session rather than dropping the whole turn.
			sid, err = s.conv.FindOrCreateSession(ctx, userID, "")
		}
		if err != nil {
			slog.Error("chatservice: background find_or_create_session failed",
				"session_id", sessionID, "error", err)
			return
		}
		if _, err := s.conv.AppendMessage(ctx, model.ChatMessage{
			SessionID: sid,
			Role:      model.RoleUser,
			Content:   userMessage,
		}); err != nil {
			slog.Error("chatservice: background append user message failed",
				"session_id", sid, "error", err)
			return
		}
		if !persistAssistant {
			return
		}
		if _, err := s.conv.AppendMessage(ctx, model.ChatMessage{
			SessionID:    sid,
			Role:         model.RoleAssistant,
			Content:      assistantText,
			SourcesCount: sourcesCount,
			Cached:       cached,
		}); err != nil {
			slog.Error("chatservice: background append assistant message failed",
				"session_id", sid, "error", err)
		}
	})
}

// estimateTokens approximates token count as words * 1.3, the same
// convention llmclient.estimateTokens uses for its own usage accounting.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}

func toLLMMessages(msgs []model.ChatMessage) []llmclient.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]llmclient.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		out = append(out, llmclient.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
