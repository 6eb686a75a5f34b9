package domain

// Document is a unit of raw text loaded from a source.
type Document struct {
	ID     string
	Source string
	Text   string
}

// Chunk is a contiguous rune range of a document.
// Offset and Length count runes, not bytes.
type Chunk struct {
	ID     string
	DocID  string
	Index  int
	Offset int
	Length int
	Text   string
}

// Partition scopes index entries to a logical owner and document.
type Partition struct {
	Owner    string `json:"owner,omitempty"`
	Document string `json:"document,omitempty"`
}

// IsZero reports whether no partition field is set.
func (p Partition) IsZero() bool {
	return p.Owner == "" && p.Document == ""
}

// Matches reports whether an entry tagged with other passes p used as a filter.
// Empty filter fields match anything; set fields must be equal.
func (p Partition) Matches(other Partition) bool {
	if p.Owner != "" && p.Owner != other.Owner {
		return false
	}
	if p.Document != "" && p.Document != other.Document {
		return false
	}
	return true
}

type Payload struct {
	Text      string    `json:"text"`
	Partition Partition `json:"partition"`
	ChunkID   string    `json:"chunk_id,omitempty"`
	Offset    int       `json:"offset"`
	Length    int       `json:"length"`
}

// IndexEntry is owned by the index that stores it and never mutated.
type IndexEntry struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

type Query struct {
	Text   string
	K      int
	Filter *Partition
}

type Hit struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
	Score   float64 `json:"score"`
}

// RetrievalResult holds at most k hits in descending score order.
type RetrievalResult struct {
	Hits []Hit
}

// IsEmpty reports whether the search matched nothing.
func (r RetrievalResult) IsEmpty() bool {
	return len(r.Hits) == 0
}

// Texts returns the hit texts in rank order.
func (r RetrievalResult) Texts() []string {
	texts := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		texts[i] = h.Payload.Text
	}
	return texts
}

// RetrievedContext is the assembled context for a query. Found is false
// when nothing matched, in which case Block is empty and must not be sent
// to a generator.
type RetrievedContext struct {
	Query string `json:"query"`
	Block string `json:"context"`
	Hits  []Hit  `json:"hits"`
	Found bool   `json:"found"`
}

type Answer struct {
	Query   string           `json:"query"`
	Text    string           `json:"answer,omitempty"`
	Model   string           `json:"model,omitempty"`
	Context RetrievedContext `json:"context"`
}
