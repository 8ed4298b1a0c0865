package core

// Source is one citation attached to an assistant answer.
type Source struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	Domain  string  `json:"domain,omitempty"`
	Content string  `json:"content,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Metadata is the free-form generation metadata reported by the backend.
type Metadata map[string]any

// Confidence returns metadata["confidence"] when it is numeric.
func (m Metadata) Confidence() (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m["confidence"].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CloneSources returns a detached copy of sources.
func CloneSources(sources []Source) []Source {
	if len(sources) == 0 {
		return nil
	}
	return append([]Source(nil), sources...)
}

// KnowledgeStatus is the remote session's knowledge state from GET /knowledge/status.
type KnowledgeStatus struct {
	HasKnowledge bool     `json:"has_knowledge"`
	ChunkCount   int      `json:"chunk_count"`
	Domains      []string `json:"domains"`
	SessionID    string   `json:"session_id,omitempty"`
}

// HasDomain reports whether the remote already lists domain.
func (s KnowledgeStatus) HasDomain(domain string) bool {
	for _, d := range s.Domains {
		if d == domain {
			return true
		}
	}
	return false
}

// KnowledgeChunk is one unit of uploaded knowledge. IDs are stable per job reference.
type KnowledgeChunk struct {
	ID      string `json:"id"`
	Domain  string `json:"domain"`
	Content string `json:"content"`
}

// UploadRequest is the POST /knowledge/upload body.
type UploadRequest struct {
	SessionID       string           `json:"sessionId"`
	KnowledgeChunks []KnowledgeChunk `json:"knowledgeChunks"`
	Domains         []string         `json:"domains"`
}

// UploadResponse is the POST /knowledge/upload reply.
type UploadResponse struct {
	Success         bool     `json:"success"`
	SessionID       string   `json:"session_id"`
	ChunksProcessed int      `json:"chunks_processed"`
	Domains         []string `json:"domains"`
	Message         string   `json:"message,omitempty"`
}

// ChatConfig carries generation parameters.
type ChatConfig struct {
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Model       string  `json:"model,omitempty"`
}

// ChatRequest is the body of POST /chat and POST /stream.
type ChatRequest struct {
	SessionID string     `json:"sessionId"`
	Message   string     `json:"message"`
	Config    ChatConfig `json:"config"`
}

// ChatResponse is the POST /chat reply.
type ChatResponse struct {
	Success  bool     `json:"success"`
	Response string   `json:"response,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// ProgressEvent is one `data:` frame of the POST /stream response.
type ProgressEvent struct {
	Content  string   `json:"content,omitempty"`
	Done     bool     `json:"done,omitempty"`
	Sources  []Source `json:"sources,omitempty"`
	Metadata Metadata `json:"metadata,omitempty"`
	Error    string   `json:"error,omitempty"`
}
