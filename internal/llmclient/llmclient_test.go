package llmclient

import (
	"context"
	"errors"
	"testing"

	"github.com/connexus/finchat/internal/apperr"
	"github.com/connexus/finchat/internal/cacheclient"
	"github.com/connexus/finchat/internal/model"
)

type fakeBackend struct {
	calls       int
	streamParts []string
	streamErr   error
}

func (f *fakeBackend) GenerateStream(ctx context.Context, _ string, _ []Message) (<-chan string, <-chan error) {
	f.calls++
	out := make(chan string, len(f.streamParts))
	errCh := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errCh)
		for _, p := range f.streamParts {
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
		if f.streamErr != nil {
			errCh <- f.streamErr
		}
	}()
	return out, errCh
}

func basicMessages(question string) []Message {
	return []Message{
		{Role: model.RoleSystem, Content: "be a finance coach"},
		{Role: model.RoleUser, Content: "earlier question"},
		{Role: model.RoleAssistant, Content: "earlier answer"},
		{Role: model.RoleUser, Content: question},
	}
}

func TestPeek_MissThenHitAfterStreamCaches(t *testing.T) {
	backend := &fakeBackend{streamParts: []string{"save ", "20%"}}
	cache := cacheclient.NewMemoryCache()
	c := New(backend, cache, TokenBudgetIn, 0)

	_, hit, err := c.Peek(context.Background(), basicMessages("how much should I save"), Options{})
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if hit {
		t.Error("first Peek should miss, nothing generated yet")
	}

	outCh, errCh := c.CompleteStream(context.Background(), basicMessages("how much should I save"), Options{})
	for range outCh {
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}

	text, hit, err := c.Peek(context.Background(), basicMessages("how much should I save"), Options{})
	if err != nil {
		t.Fatalf("second Peek() error: %v", err)
	}
	if !hit {
		t.Error("Peek should hit after CompleteStream cached on clean EOS")
	}
	if text != "save 20%" {
		t.Errorf("cached text = %q, want %q", text, "save 20%")
	}
	if backend.calls != 1 {
		t.Errorf("Peek must never call the backend, got %d GenerateStream calls (want exactly 1, from CompleteStream)", backend.calls)
	}
}

func TestPeek_DifferentSourceIDsMiss(t *testing.T) {
	backend := &fakeBackend{streamParts: []string{"answer"}}
	cache := cacheclient.NewMemoryCache()
	c := New(backend, cache, TokenBudgetIn, 0)

	outCh, errCh := c.CompleteStream(context.Background(), basicMessages("q"), Options{SourceIDs: []string{"doc-1"}})
	for range outCh {
	}
	<-errCh

	_, hit, err := c.Peek(context.Background(), basicMessages("q"), Options{SourceIDs: []string{"doc-2"}})
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if hit {
		t.Error("a different context fingerprint must not reuse another source set's cache entry")
	}
}

func TestPeek_RejectsMissingSystemMessage(t *testing.T) {
	c := New(&fakeBackend{}, nil, TokenBudgetIn, 0)
	msgs := []Message{{Role: model.RoleUser, Content: "q"}}
	_, _, err := c.Peek(context.Background(), msgs, Options{})
	if !errors.Is(err, apperr.InputError) {
		t.Errorf("error = %v, want apperr.InputError", err)
	}
}

func TestCompleteStream_BackendErrorIsTransient(t *testing.T) {
	backend := &fakeBackend{streamParts: []string{"partial"}, streamErr: errors.New("upstream unavailable")}
	c := New(backend, nil, TokenBudgetIn, 0)

	outCh, errCh := c.CompleteStream(context.Background(), basicMessages("q"), Options{})
	for range outCh {
	}
	err := <-errCh
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, apperr.Transient) {
		t.Errorf("error = %v, want apperr.Transient", err)
	}
}

func TestTruncateToBudget_DropsOldestFirst(t *testing.T) {
	turns := []Message{
		{Role: model.RoleUser, Content: "one two three four five"},
		{Role: model.RoleAssistant, Content: "six seven eight nine ten"},
	}
	final := Message{Role: model.RoleUser, Content: "final question"}

	// final costs 3 tokens and each turn 7, so a budget of 10 fits exactly
	// one turn: the older one must be the one dropped.
	out := truncateToBudget(turns, final, estimateTokens(final.Content)+estimateTokens(turns[1].Content))
	if len(out) != 1 || out[0].Content != turns[1].Content {
		t.Errorf("got %+v, want only the newer turn (oldest dropped first)", out)
	}
}

func TestTruncateToBudget_NeverDropsFinal(t *testing.T) {
	final := Message{Role: model.RoleUser, Content: "question with several words in it"}
	out := truncateToBudget(nil, final, 1)
	_ = out // final is never part of turns; this asserts truncateToBudget doesn't panic on a tiny budget
}

func TestCompleteStream_ForwardsDeltasAndCachesOnCleanEOS(t *testing.T) {
	backend := &fakeBackend{streamParts: []string{"hel", "lo "}}
	cache := cacheclient.NewMemoryCache()
	c := New(backend, cache, TokenBudgetIn, 0)

	outCh, errCh := c.CompleteStream(context.Background(), basicMessages("hi"), Options{})
	var got string
	for delta := range outCh {
		got += delta
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if got != "hello " {
		t.Errorf("got %q, want %q", got, "hello ")
	}

	text, hit, err := c.Peek(context.Background(), basicMessages("hi"), Options{})
	if err != nil {
		t.Fatalf("Peek() error: %v", err)
	}
	if !hit || text != "hello " {
		t.Errorf("Peek() = (%q, %v), want cached hello text", text, hit)
	}
}

func TestCompleteStream_DoesNotCacheOnStreamError(t *testing.T) {
	backend := &fakeBackend{streamParts: []string{"partial"}, streamErr: errors.New("transport dropped")}
	cache := cacheclient.NewMemoryCache()
	c := New(backend, cache, TokenBudgetIn, 0)

	outCh, errCh := c.CompleteStream(context.Background(), basicMessages("hi"), Options{})
	for range outCh {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected a stream error")
	}

	key := cacheclient.ResponseKey(cacheclient.NormalizePrompt("hi"), cacheclient.ContextFingerprint(toFingerprintTurns(basicMessages("hi")[1:3]), nil))
	if _, ok := cache.Get(context.Background(), key); ok {
		t.Error("partial response must not be cached after a stream error")
	}
}
