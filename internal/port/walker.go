package port

import "ragpipe/internal/domain"

// Loader reads documents from a source such as a file or directory.
type Loader interface {
	Load(source string) ([]domain.Document, error)
}
