package model

// RetrievalResult is a transient value returned by the RAG Retriever. It
// exists only for the lifetime of one request: an ordered list of passages
// (highest similarity first) and a parallel, deduplicated list of source
// strings for citation.
type RetrievalResult struct {
	Passages []ScoredPassage `json:"passages"`
	Sources  []string        `json:"sources"`
}

// Empty reports whether the retriever produced no grounded passages.
func (r RetrievalResult) Empty() bool {
	return len(r.Passages) == 0
}

// UserProfile is an optional per-user record consumed only to seed
// system-prompt personalization. Read-only from the chat serving core's
// perspective; mutated by out-of-scope flows, and may be absent entirely.
type UserProfile struct {
	UserID        string `json:"userId"`
	Name          string `json:"name,omitempty"`
	Preferences   string `json:"preferences,omitempty"`
	RiskTolerance string `json:"riskTolerance,omitempty"`
}

// RateLimitCounter is a per-(user, window) integer with a server-assigned
// expiry, owned entirely by the Cache Client.
type RateLimitCounter struct {
	UserID string `json:"userId"`
	Window string `json:"window"`
	Count  int64  `json:"count"`
}
