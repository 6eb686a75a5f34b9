package port

import "ragpipe/internal/domain"

type Chunker interface {
	SplitDocument(doc domain.Document) []domain.Chunk
}
