package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/google"

	"github.com/connexus/finchat/internal/gcpclient"
)

// VertexAIModel calls the Vertex AI text-embedding REST endpoint.
// VertexAILoader below defers calling NewVertexAIModel until the first
// Embed, which is what makes the credential lookup and the model identity
// lazy, per spec §4.1/§9.
type VertexAIModel struct {
	project  string
	location string
	model    string
	taskType string
	client   *http.Client
}

// NewVertexAIModel builds a VertexAIModel using application-default
// credentials, mirroring gcpclient.EmbeddingAdapter's construction.
func NewVertexAIModel(ctx context.Context, project, location, model, taskType string) (*VertexAIModel, error) {
	client, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("embedding.NewVertexAIModel: %w", err)
	}
	if taskType == "" {
		taskType = "RETRIEVAL_QUERY"
	}
	return &VertexAIModel{
		project:  project,
		location: location,
		model:    model,
		taskType: taskType,
		client:   client,
	}, nil
}

type embeddingRequest struct {
	Instances []embeddingInstance `json:"instances"`
}

type embeddingInstance struct {
	Content  string `json:"content"`
	TaskType string `json:"task_type"`
}

type embeddingResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

// EmbedBatch implements Model. Retries up to 3 times on 429/RESOURCE_EXHAUSTED
// with the same backoff schedule the Vertex AI generation client uses.
func (m *VertexAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return gcpclient.WithRetry(ctx, "embedding.EmbedBatch", func() ([][]float32, error) {
		return m.doEmbed(ctx, texts)
	})
}

func (m *VertexAIModel) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	instances := make([]embeddingInstance, len(texts))
	for i, t := range texts {
		instances[i] = embeddingInstance{Content: t, TaskType: m.taskType}
	}

	reqBody, err := json.Marshal(embeddingRequest{Instances: instances})
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexAIModel: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpointURL(), bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexAIModel: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding.VertexAIModel: call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("embedding.VertexAIModel: status %d: %s", resp.StatusCode, body)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding.VertexAIModel: decode: %w", err)
	}

	out := make([][]float32, len(parsed.Predictions))
	for i, p := range parsed.Predictions {
		out[i] = p.Embeddings.Values
	}
	return out, nil
}

// endpointURL returns the regional or "global" Vertex AI endpoint.
func (m *VertexAIModel) endpointURL() string {
	if m.location == "global" {
		return fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:predict",
			m.project, m.model,
		)
	}
	return fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		m.location, m.project, m.location, m.model,
	)
}

// VertexAILoader returns a Loader that constructs a VertexAIModel on first
// use, deferring the credential lookup and HTTP client construction until
// the Embedding Service's sync.Once actually fires.
func VertexAILoader(project, location, model string) Loader {
	return func(ctx context.Context) (Model, error) {
		return NewVertexAIModel(ctx, project, location, model, "RETRIEVAL_QUERY")
	}
}
