package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"ragpipe/internal/domain"
)

// Defaults match the splitter the service has always used.
const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200
)

// CharChunker splits text into fixed-size rune windows that overlap by a
// fixed number of runes.
type CharChunker struct {
	size    int
	overlap int
}

// NewCharChunker requires size > overlap > 0.
func NewCharChunker(size, overlap int) (*CharChunker, error) {
	if err := validate(size, overlap); err != nil {
		return nil, err
	}
	return &CharChunker{size: size, overlap: overlap}, nil
}

func validate(size, overlap int) error {
	if overlap <= 0 {
		return &domain.ConfigurationError{Field: "chunk.overlap", Reason: fmt.Sprintf("must be positive, got %d", overlap)}
	}
	if size <= overlap {
		return &domain.ConfigurationError{Field: "chunk.size", Reason: fmt.Sprintf("must exceed overlap %d, got %d", overlap, size)}
	}
	return nil
}

// Split is the free-function form of CharChunker.Split.
func Split(text string, size, overlap int) ([]domain.Chunk, error) {
	c, err := NewCharChunker(size, overlap)
	if err != nil {
		return nil, err
	}
	return c.Split(text), nil
}

// Split returns a chunk at every offset 0, step, 2*step, ... below the text
// length, where step is size-overlap. The last chunk may be shorter.
func (c *CharChunker) Split(text string) []domain.Chunk {
	return c.split("", text)
}

// SplitDocument splits doc.Text and tags every chunk with the document ID.
func (c *CharChunker) SplitDocument(doc domain.Document) []domain.Chunk {
	return c.split(doc.ID, doc.Text)
}

// SplitMany concatenates the chunks of each document in document order.
func (c *CharChunker) SplitMany(docs []domain.Document) []domain.Chunk {
	var chunks []domain.Chunk
	for _, doc := range docs {
		chunks = append(chunks, c.SplitDocument(doc)...)
	}
	return chunks
}

func (c *CharChunker) split(docID, text string) []domain.Chunk {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	step := c.size - c.overlap
	chunks := make([]domain.Chunk, 0, len(runes)/step+1)

	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, domain.Chunk{
			ID:     generateChunkID(docID, start, end),
			DocID:  docID,
			Index:  len(chunks),
			Offset: start,
			Length: end - start,
			Text:   string(runes[start:end]),
		})
	}

	return chunks
}

func generateChunkID(docID string, start, end int) string {
	data := fmt.Sprintf("%s:%d-%d", docID, start, end)
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}
