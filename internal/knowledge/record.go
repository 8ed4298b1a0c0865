package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"kbchat/internal/core"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 100
)

var (
	ErrInvalidRecord  = errors.New("invalid knowledge record")
	ErrRecordNotFound = errors.New("knowledge record not found")
	ErrEmptyPayload   = errors.New("job result is empty")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Record is one job result held locally, keyed by (NamespaceID, JobRef).
type Record struct {
	LocalID     string                `json:"local_id" validate:"required"`
	JobRef      string                `json:"job_ref" validate:"required,max=256"`
	NamespaceID string                `json:"namespace_id" validate:"required"`
	Chunks      []core.KnowledgeChunk `json:"chunks" validate:"required,min=1"`
	CreatedAt   time.Time             `json:"created_at"`
}

// Validate reports whether the record can be stored and uploaded.
func (r Record) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	for i, chunk := range r.Chunks {
		if strings.TrimSpace(chunk.Content) == "" {
			return fmt.Errorf("%w: chunk %d is empty", ErrInvalidRecord, i)
		}
	}
	return nil
}

// ChunkOptions controls how raw job results are split.
type ChunkOptions struct {
	Size    int
	Overlap int
}

func (o ChunkOptions) normalize() ChunkOptions {
	if o.Size <= 0 {
		o.Size = defaultChunkSize
		if o.Overlap == 0 {
			o.Overlap = defaultChunkOverlap
		}
	}
	if o.Overlap < 0 || o.Overlap >= o.Size {
		o.Overlap = 0
	}
	return o
}

// BuildRecord turns a raw job result into a record. Chunk ids are
// "<jobRef>#<index>" and every chunk's domain is the job reference, which lets
// the remote status report which jobs a session already holds.
func BuildRecord(namespace, jobRef string, raw []byte, opts ChunkOptions) (Record, error) {
	jobRef = strings.TrimSpace(jobRef)
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return Record{}, fmt.Errorf("%w: %s", ErrEmptyPayload, jobRef)
	}

	opts = opts.normalize()
	parts := SplitText(text, opts.Size, opts.Overlap)
	chunks := make([]core.KnowledgeChunk, 0, len(parts))
	for i, part := range parts {
		chunks = append(chunks, core.KnowledgeChunk{
			ID:      fmt.Sprintf("%s#%d", jobRef, i),
			Domain:  jobRef,
			Content: part,
		})
	}

	rec := Record{
		LocalID:     uuid.NewString(),
		JobRef:      jobRef,
		NamespaceID: strings.TrimSpace(namespace),
		Chunks:      chunks,
		CreatedAt:   time.Now().UTC(),
	}
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// SplitText splits text into rune windows of size with overlap runes shared
// between neighbours.
func SplitText(text string, size, overlap int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}

	step := size - overlap
	if step <= 0 {
		step = size
	}

	var chunks []string
	for i := 0; i < len(runes); i += step {
		end := min(i+size, len(runes))
		chunks = append(chunks, string(runes[i:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// uploadPayload flattens records into one upload body. Domains are the job
// references in record order.
func uploadPayload(sessionID string, records []Record) core.UploadRequest {
	req := core.UploadRequest{SessionID: sessionID}
	for _, rec := range records {
		req.KnowledgeChunks = append(req.KnowledgeChunks, rec.Chunks...)
		req.Domains = append(req.Domains, rec.JobRef)
	}
	return req
}
