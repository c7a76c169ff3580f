// Package decoder normalizes source documents: extension-based format
// routing, native zip+XML extraction for Office formats, Document AI for
// PDF/PPTX, and the recursive character splitter shared by every text
// document.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/AllianceBioversityCIAT/ai-services-core/internal/model"
)

// ErrUnsupportedFormat is returned for file extensions the decoder does not
// know how to handle.
var ErrUnsupportedFormat = errors.New("decoder: unsupported document format")

// DocumentAIClient abstracts Document AI text extraction for PDF/PPTX.
type DocumentAIClient interface {
	ProcessDocument(ctx context.Context, processor, gcsURI, mimeType string) (text string, pages int, err error)
}

// Decoder normalizes a raw document into chunkable text or tabular rows.
type Decoder struct {
	docAI     DocumentAIClient
	processor string
}

// New creates a Decoder. docAI/processor are only required when documents
// of type .pdf/.pptx are decoded.
func New(docAI DocumentAIClient, processor string) *Decoder {
	return &Decoder{docAI: docAI, processor: processor}
}

// Decode routes data by filename extension to the appropriate extractor and
// returns a NormalizedDocument. gcsURI is required only for the
// Document AI path, which operates on GCS-resident objects rather than
// in-memory bytes.
func (d *Decoder) Decode(ctx context.Context, filename string, data []byte, gcsURI string) (model.NormalizedDocument, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".docx":
		text, err := extractDocxText(data)
		if err != nil {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: %w", err)
		}
		return model.NormalizedDocument{Kind: model.KindText, Content: text}, nil

	case ".xlsx", ".xls":
		rows, err := extractXlsxRows(data)
		if err != nil {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: %w", err)
		}
		return model.NormalizedDocument{Kind: model.KindTabular, Rows: rows}, nil

	case ".txt":
		return model.NormalizedDocument{Kind: model.KindText, Content: string(data)}, nil

	case ".pdf", ".pptx":
		if d.docAI == nil {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: %s requires a Document AI client (not configured)", ext)
		}
		if gcsURI == "" {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: %s requires a GCS URI for Document AI processing", ext)
		}
		mimeType := docAIMimeType(ext)
		text, _, err := d.docAI.ProcessDocument(ctx, d.processor, gcsURI, mimeType)
		if err != nil {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: document ai: %w", err)
		}
		if strings.TrimSpace(text) == "" {
			return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: document ai returned empty text for %s", filename)
		}
		return model.NormalizedDocument{Kind: model.KindText, Content: text}, nil

	default:
		return model.NormalizedDocument{}, fmt.Errorf("decoder.Decode: %s: %w", ext, ErrUnsupportedFormat)
	}
}

func docAIMimeType(ext string) string {
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".pptx":
		return "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	default:
		return "application/octet-stream"
	}
}

// ChunksFromDocument splits a NormalizedDocument into model.Chunk values,
// ready for embedding. Text documents go through the recursive character
// splitter; tabular documents yield one chunk per row (rows are never
// further split).
func ChunksFromDocument(doc model.NormalizedDocument, attrs model.ChunkAttributes) []model.Chunk {
	switch doc.Kind {
	case model.KindTabular:
		chunks := make([]model.Chunk, 0, len(doc.Rows))
		for _, row := range doc.Rows {
			chunks = append(chunks, model.Chunk{Text: row, Attributes: attrs})
		}
		return chunks

	default:
		pieces := SplitText(doc.Content, DefaultChunkSizeChars, DefaultChunkOverlapChars)
		chunks := make([]model.Chunk, 0, len(pieces))
		for _, p := range pieces {
			chunks = append(chunks, model.Chunk{Text: p, Attributes: attrs})
		}
		return chunks
	}
}
