package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"

	"github.com/connexus/finchat/internal/model"
)

// VertexAIBackend implements Backend over the Vertex AI Gemini REST API,
// grounded in gcpclient/genai.go's generateContentREST/streamContentREST
// but generalized from a single user turn to the full multi-turn
// (role, content) history the spec requires.
type VertexAIBackend struct {
	project  string
	location string
	model    string
	client   *http.Client
}

// NewVertexAIBackend builds a VertexAIBackend using application-default
// credentials.
func NewVertexAIBackend(ctx context.Context, project, location, model string) (*VertexAIBackend, error) {
	client, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("llmclient.NewVertexAIBackend: %w", err)
	}
	return &VertexAIBackend{project: project, location: location, model: model, client: client}, nil
}

var _ Backend = (*VertexAIBackend)(nil)

type restContent struct {
	Role  string     `json:"role"`
	Parts []restPart `json:"parts"`
}

type restPart struct {
	Text string `json:"text"`
}

type restGenerateRequest struct {
	Contents          []restContent `json:"contents"`
	SystemInstruction *restContent  `json:"systemInstruction,omitempty"`
}

type restGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// turnsToContents converts chat turns into Gemini's alternating user/model
// role contents; assistant turns map to "model", everything else to "user".
func turnsToContents(turns []Message) []restContent {
	contents := make([]restContent, len(turns))
	for i, t := range turns {
		role := "user"
		if t.Role == model.RoleAssistant {
			role = "model"
		}
		contents[i] = restContent{Role: role, Parts: []restPart{{Text: t.Content}}}
	}
	return contents
}

func (b *VertexAIBackend) requestBody(systemPrompt string, turns []Message) ([]byte, error) {
	req := restGenerateRequest{Contents: turnsToContents(turns)}
	if systemPrompt != "" {
		req.SystemInstruction = &restContent{Role: "user", Parts: []restPart{{Text: systemPrompt}}}
	}
	return json.Marshal(req)
}

// GenerateStream implements Backend, reading SSE events from the
// streamGenerateContent endpoint. The upstream request is bound to ctx, so
// consumer cancellation closes the producer within the HTTP transport's
// read-deadline bound.
func (b *VertexAIBackend) GenerateStream(ctx context.Context, systemPrompt string, turns []Message) (<-chan string, <-chan error) {
	textCh := make(chan string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(textCh)
		defer close(errCh)
		if err := b.doGenerateStream(ctx, systemPrompt, turns, textCh); err != nil {
			errCh <- err
		}
	}()

	return textCh, errCh
}

func (b *VertexAIBackend) doGenerateStream(ctx context.Context, systemPrompt string, turns []Message, textCh chan<- string) error {
	body, err := b.requestBody(systemPrompt, turns)
	if err != nil {
		return fmt.Errorf("llmclient.VertexAIBackend: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpointURL(true), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llmclient.VertexAIBackend: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("llmclient.VertexAIBackend: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("llmclient.VertexAIBackend: status %d: %s", resp.StatusCode, respBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk restGenerateResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("llmclient.VertexAIBackend: API error %d: %s", chunk.Error.Code, chunk.Error.Message)
		}
		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case textCh <- part.Text:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
	return scanner.Err()
}

func (b *VertexAIBackend) endpointURL(stream bool) string {
	op := "generateContent"
	suffix := ""
	if stream {
		op = "streamGenerateContent"
		suffix = "?alt=sse"
	}
	if b.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:%s%s",
			b.project, b.model, op, suffix,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:%s%s",
		b.location, b.project, b.location, b.model, op, suffix,
	)
}
