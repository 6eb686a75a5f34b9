package port

import "context"

// Generator turns a retrieved context and a user query into an answer.
type Generator interface {
	// Complete returns the full answer for the query given systemContext.
	Complete(ctx context.Context, systemContext, userQuery string) (string, error)

	// ModelName returns the name of the model.
	ModelName() string
}

// StreamingGenerator delivers the answer as a finite sequence of fragments.
// emit is called once per fragment, in order; returning an error stops the stream.
type StreamingGenerator interface {
	Generator
	Stream(ctx context.Context, systemContext, userQuery string, emit func(fragment string) error) error
}
