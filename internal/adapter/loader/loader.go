// Package loader reads plain-text, markdown and PDF sources into documents.
package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"go.uber.org/zap"

	"ragpipe/internal/domain"
)

// ErrUnsupported is wrapped in a LoadError for sources of unknown type.
var ErrUnsupported = errors.New("unsupported source type")

type Loader struct {
	walker *walker
	logger *zap.Logger
}

func New(includes, excludes []string, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{walker: newWalker(includes, excludes), logger: logger}
}

// Load reads a single file or every matching file under a directory.
func (l *Loader) Load(source string) ([]domain.Document, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, &domain.LoadError{Source: source, Err: err}
	}

	if !info.IsDir() {
		doc, err := l.loadFile(source)
		if err != nil {
			return nil, err
		}
		return []domain.Document{doc}, nil
	}

	files, err := l.walker.walk(source)
	if err != nil {
		return nil, &domain.LoadError{Source: source, Err: err}
	}

	docs := make([]domain.Document, 0, len(files))
	for _, path := range files {
		doc, err := l.loadFile(path)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	l.logger.Debug("loaded directory", zap.String("source", source), zap.Int("documents", len(docs)))
	return docs, nil
}

// LoadAll loads every source in order.
func (l *Loader) LoadAll(sources []string) ([]domain.Document, error) {
	var docs []domain.Document
	for _, s := range sources {
		loaded, err := l.Load(s)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}
	return docs, nil
}

func (l *Loader) loadFile(path string) (domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Document{}, &domain.LoadError{Source: path, Err: err}
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes uploaded content, choosing the format by name's extension.
func LoadBytes(name string, data []byte) (domain.Document, error) {
	var text string
	var err error

	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".markdown":
		text = extractPlain(data)
	case ".pdf":
		text, err = extractPDF(data)
	default:
		err = ErrUnsupported
	}
	if err != nil {
		return domain.Document{}, &domain.LoadError{Source: name, Err: err}
	}

	return domain.Document{
		ID:     generateDocID(name),
		Source: name,
		Text:   text,
	}, nil
}

func extractPlain(content []byte) string {
	if !utf8.Valid(content) {
		return strings.ToValidUTF8(string(content), "�")
	}
	return string(content)
}

// extractPDF joins the plain text of every page with newlines.
func extractPDF(content []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}

	var buf bytes.Buffer
	numPages := r.NumPage()
	for i := 0; i < numPages; i++ {
		page := r.Page(i + 1)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract page %d: %w", i+1, err)
		}
		buf.WriteString(text)
		if i < numPages-1 {
			buf.WriteByte('\n')
		}
	}
	return buf.String(), nil
}

func generateDocID(source string) string {
	hash := sha256.Sum256([]byte(source))
	return hex.EncodeToString(hash[:8])
}
