package model

// Passage is an indexed passage row in the Vector Store (spec §3's
// "Document"). Named Passage rather than Document since it models a flat
// retrieval unit, not an uploaded file's chunk record. A Passage is created
// at ingestion, never mutated in place (replace-by-id only), and deleted
// only by administrative action — the chat serving core only reads it via
// similarity search.
type Passage struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"-"`
}

// Source returns Metadata["source"], or "" if absent or nil.
func (p Passage) Source() string {
	if p.Metadata == nil {
		return ""
	}
	return p.Metadata["source"]
}

// ScoredPassage pairs a Passage with its similarity score from a
// similarity_search call, ordered by Similarity descending by the caller.
type ScoredPassage struct {
	Passage    Passage `json:"passage"`
	Similarity float64 `json:"similarity"`
}
